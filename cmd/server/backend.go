package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/ea-relay/internal/config"
	"github.com/and161185/ea-relay/internal/limiter"
	"github.com/and161185/ea-relay/internal/migrate"
	"github.com/and161185/ea-relay/internal/repository"
	"github.com/and161185/ea-relay/internal/repository/memory"
	"github.com/and161185/ea-relay/internal/repository/postgres"
	"github.com/and161185/ea-relay/internal/repository/redisstore"
)

// backend is the storage selected by configuration.
type backend struct {
	owners     repository.OwnerRepository
	devices    repository.DeviceRepository
	signals    repository.SignalRepository
	executions repository.ExecutionRepository
	nonces     repository.NonceStore
	limiter    limiter.Limiter

	// purge removes expired nonces; nil when Redis expires them itself.
	purge func(context.Context) (int64, error)

	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	b := &backend{}
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("memory store: state is lost on restart")
		st := memory.New()
		b.owners, b.devices, b.signals, b.executions = st.Owners(), st.Devices(), st.Signals(), st.Executions()
		ns := st.Nonces()
		b.nonces, b.purge = ns, ns.Purge
		b.limiter = limiter.NewMemory(cfg.Limiter())

	case config.StorePostgres:
		if err := migrate.Up(ctx, cfg.DSN, logger); err != nil {
			return nil, fmt.Errorf("migrate up: %w", err)
		}
		db, err := postgres.New(ctx, cfg.DSN, int32(cfg.MaxConns))
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		b.owners = postgres.NewOwnerRepo(db)
		b.devices = postgres.NewDeviceRepo(db)
		b.signals = postgres.NewSignalRepo(db)
		b.executions = postgres.NewExecutionRepo(db)
		b.limiter = limiter.NewPG(db.Pool, cfg.Limiter())
		if cfg.NonceStore == config.StorePostgres {
			ns := postgres.NewNonceStore(db)
			b.nonces, b.purge = ns, ns.Purge
		}

	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	if cfg.NonceStore == config.StoreRedis {
		rdb, err := redisstore.Open(ctx, cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		b.nonces = redisstore.NewNonceStore(rdb)
		b.purge = nil
	}
	logger.Info("storage ready", zap.String("store", cfg.Store), zap.String("nonces", nonceBackendName(b.nonces)))
	return b, nil
}

func nonceBackendName(ns repository.NonceStore) string {
	switch ns.(type) {
	case *postgres.NonceStore:
		return config.StorePostgres
	case *redisstore.NonceStore:
		return config.StoreRedis
	default:
		return config.StoreMemory
	}
}
