// Command ea-relay starts the relay: the HTTP API for owners and devices and
// a gRPC health listener.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/ea-relay/internal/config"
	pkgcrypto "github.com/and161185/ea-relay/internal/crypto"
	grpcserver "github.com/and161185/ea-relay/internal/server/grpc"
	httpserver "github.com/and161185/ea-relay/internal/server/http"
	"github.com/and161185/ea-relay/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const shutdownTimeout = 5 * time.Second

// main loads configuration, wires storage and services, and serves until
// SIGINT or SIGTERM.
func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	logger, _ := zap.NewProduction()
	if cfg.Dev {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("store", cfg.Store),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	keys, err := pkgcrypto.NewKeyManager(cfg.MasterSecret, cfg.KeyRotation, cfg.KeyTTL)
	if err != nil {
		return err
	}

	// Services
	authSvc := service.NewAuthService(be.owners, []byte(cfg.JWTKey), cfg.AccessTTL, be.limiter)
	deviceSvc := service.NewDeviceService(be.devices, keys, logger)
	signalSvc := service.NewSignalService(be.signals)
	protoSvc := service.NewProtocolService(be.signals, be.devices, be.executions, keys, cfg.PollBatch, logger)
	devAuth := service.NewDeviceAuthenticator(be.devices, be.nonces, cfg.ClockTolerance, logger)

	api := httpserver.New(authSvc, deviceSvc, signalSvc, protoSvc, devAuth, logger).
		WithDeviceRate(cfg.DeviceRPS, cfg.DeviceBurst)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 2)
	go func() {
		var err error
		if cfg.TLSCert != "" {
			logger.Info("listening (TLS)", zap.String("addr", cfg.HTTPAddr))
			err = httpSrv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			logger.Warn("listening without TLS", zap.String("addr", cfg.HTTPAddr))
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Health & reflection (dev)
	var health *grpcserver.Health
	if cfg.GRPCAddr != "" {
		var opts []grpc.ServerOption
		if cfg.TLSCert != "" {
			creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
			if err != nil {
				return err
			}
			opts = append(opts, grpc.Creds(creds))
		}
		health = grpcserver.NewHealth(logger, opts...)
		if cfg.Dev {
			reflection.Register(health.Server)
		}
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		go func() {
			logger.Info("health listening", zap.String("addr", cfg.GRPCAddr))
			if err := health.Server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- err
			}
		}()
	}

	if be.purge != nil && cfg.NoncePurge > 0 {
		go purgeNonces(ctx, be.purge, cfg.NoncePurge, logger)
	}

	// Wait for stop
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	// graceful shutdown
	if health != nil {
		health.SetNotServing()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if health != nil {
		done := make(chan struct{})
		go func() {
			health.Server.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			health.Server.Stop()
		}
	}
	return serveErr
}

// purgeNonces deletes expired replay records every interval.
func purgeNonces(ctx context.Context, purge func(context.Context) (int64, error), every time.Duration, logger *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := purge(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("nonce purge failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				logger.Debug("nonces purged", zap.Int64("count", n))
			}
		}
	}
}
