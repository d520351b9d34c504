// Package config loads relay settings from command-line flags and an
// optional YAML file. Flags given explicitly on the command line win over
// the file; the file wins over built-in defaults. Secrets may come from the
// environment so they stay out of process listings.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	pkgcrypto "github.com/and161185/ea-relay/internal/crypto"
	"github.com/and161185/ea-relay/internal/limiter"
	"github.com/and161185/ea-relay/internal/service"
)

// Storage backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
	StoreRedis    = "redis"
)

// Environment variables consulted for secrets.
const (
	EnvMasterSecret = "EA_MASTER_SECRET"
	EnvJWTKey       = "EA_JWT_KEY"
)

// Config is the full relay configuration.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	TLSCert  string `yaml:"tls_cert"`
	TLSKey   string `yaml:"tls_key"`
	Dev      bool   `yaml:"dev"`

	Store      string `yaml:"store"`       // postgres | memory
	NonceStore string `yaml:"nonce_store"` // postgres | redis; memory follows Store
	DSN        string `yaml:"dsn"`
	MaxConns   int    `yaml:"max_conns"`
	RedisURL   string `yaml:"redis_url"`

	JWTKey    string        `yaml:"jwt_key"`
	AccessTTL time.Duration `yaml:"access_ttl"`

	MasterSecretFile string        `yaml:"master_secret_file"`
	KeyRotation      time.Duration `yaml:"key_rotation"`
	KeyTTL           time.Duration `yaml:"key_ttl"`
	ClockTolerance   time.Duration `yaml:"clock_tolerance"`
	PollBatch        int           `yaml:"poll_batch"`
	NoncePurge       time.Duration `yaml:"nonce_purge_interval"`

	LoginWindow   time.Duration `yaml:"login_window"`
	LoginMaxFails int           `yaml:"login_max_fails"`
	LoginBlockFor time.Duration `yaml:"login_block_for"`

	DeviceRPS   float64 `yaml:"device_rps"` // 0 disables per-device throttling
	DeviceBurst int     `yaml:"device_burst"`

	// MasterSecret is resolved from MasterSecretFile or EnvMasterSecret.
	MasterSecret []byte `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr:       ":8080",
		GRPCAddr:       ":8081",
		Store:          StorePostgres,
		NonceStore:     StorePostgres,
		DSN:            "postgres://ea:ea@localhost:5432/ea?sslmode=disable",
		AccessTTL:      15 * time.Minute,
		KeyRotation:    pkgcrypto.DefaultRotationPeriod,
		KeyTTL:         pkgcrypto.DefaultKeyTTL,
		ClockTolerance: service.DefaultClockTolerance,
		PollBatch:      service.DefaultPollBatch,
		NoncePurge:     time.Minute,
		LoginWindow:    limiter.DefaultConfig.Window,
		LoginMaxFails:  limiter.DefaultConfig.MaxFails,
		LoginBlockFor:  limiter.DefaultConfig.BlockFor,
		DeviceRPS:      5,
		DeviceBurst:    20,
	}
}

// Limiter returns the login limiter settings.
func (c *Config) Limiter() limiter.Config {
	return limiter.Config{Window: c.LoginWindow, MaxFails: c.LoginMaxFails, BlockFor: c.LoginBlockFor}
}

// Load parses args, merges the -config file if given, resolves secrets and validates.
func Load(args []string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("ea-relay", flag.ContinueOnError)
	path := fs.String("config", "", "YAML config file")
	fs.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "TLS certificate (PEM); empty serves plain HTTP")
	fs.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "TLS private key (PEM)")
	fs.BoolVar(&cfg.Dev, "dev", cfg.Dev, "enable gRPC reflection and debug logging (dev only)")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "storage backend: postgres or memory")
	fs.StringVar(&cfg.NonceStore, "nonce-store", cfg.NonceStore, "nonce backend: postgres or redis")
	fs.StringVar(&cfg.DSN, "dsn", cfg.DSN, "PostgreSQL DSN")
	fs.IntVar(&cfg.MaxConns, "max-conns", cfg.MaxConns, "PostgreSQL pool size (0 keeps the driver default)")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for -nonce-store=redis")
	fs.StringVar(&cfg.JWTKey, "jwt-key", cfg.JWTKey, "HS256 signing key (or "+EnvJWTKey+")")
	fs.DurationVar(&cfg.AccessTTL, "access-ttl", cfg.AccessTTL, "access token TTL")
	fs.StringVar(&cfg.MasterSecretFile, "master-secret-file", cfg.MasterSecretFile, "file holding the key-derivation master secret (or "+EnvMasterSecret+")")
	fs.DurationVar(&cfg.KeyRotation, "key-rotation", cfg.KeyRotation, "rotation tag period")
	fs.DurationVar(&cfg.KeyTTL, "key-ttl", cfg.KeyTTL, "device encryption key lifetime")
	fs.DurationVar(&cfg.ClockTolerance, "clock-tolerance", cfg.ClockTolerance, "allowed device clock skew")
	fs.IntVar(&cfg.PollBatch, "poll-batch", cfg.PollBatch, "max signals per poll")
	fs.DurationVar(&cfg.NoncePurge, "nonce-purge-interval", cfg.NoncePurge, "expired nonce purge period (postgres)")
	fs.DurationVar(&cfg.LoginWindow, "login-window", cfg.LoginWindow, "failed login counting window")
	fs.IntVar(&cfg.LoginMaxFails, "login-max-fails", cfg.LoginMaxFails, "failed logins before lockout")
	fs.DurationVar(&cfg.LoginBlockFor, "login-block-for", cfg.LoginBlockFor, "login lockout length")
	fs.Float64Var(&cfg.DeviceRPS, "device-rps", cfg.DeviceRPS, "signed requests per second per device (0 disables)")
	fs.IntVar(&cfg.DeviceBurst, "device-burst", cfg.DeviceBurst, "per-device request burst")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *path != "" {
		explicit := map[string]string{}
		fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })
		if err := cfg.loadFile(*path); err != nil {
			return nil, err
		}
		for name, v := range explicit {
			if err := fs.Set(name, v); err != nil {
				return nil, fmt.Errorf("flag -%s: %w", name, err)
			}
		}
	}

	if err := cfg.resolveSecrets(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile overlays the YAML file onto c. Unknown keys are rejected so typos
// do not silently fall back to defaults.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) resolveSecrets(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if c.JWTKey == "" {
		c.JWTKey = getenv(EnvJWTKey)
	}
	if c.MasterSecretFile != "" {
		b, err := os.ReadFile(c.MasterSecretFile)
		if err != nil {
			return fmt.Errorf("read master secret: %w", err)
		}
		c.MasterSecret = bytes.TrimRight(b, "\r\n")
		return nil
	}
	c.MasterSecret = []byte(getenv(EnvMasterSecret))
	return nil
}

// Validate reports the first configuration problem.
func (c *Config) Validate() error {
	var problems []string
	if c.JWTKey == "" {
		problems = append(problems, "missing jwt signing key (-jwt-key or "+EnvJWTKey+")")
	}
	if len(c.MasterSecret) < pkgcrypto.MinMasterSecretLen {
		problems = append(problems, fmt.Sprintf("master secret must be at least %d bytes (-master-secret-file or %s)", pkgcrypto.MinMasterSecretLen, EnvMasterSecret))
	}
	switch c.Store {
	case StorePostgres:
		if c.DSN == "" {
			problems = append(problems, "missing -dsn")
		}
	case StoreMemory:
	default:
		problems = append(problems, "unknown -store "+c.Store)
	}
	switch c.NonceStore {
	case StorePostgres:
	case StoreRedis:
		if c.RedisURL == "" {
			problems = append(problems, "-nonce-store=redis needs -redis-url")
		}
	default:
		problems = append(problems, "unknown -nonce-store "+c.NonceStore)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		problems = append(problems, "-tls-cert and -tls-key go together")
	}
	if c.ClockTolerance <= 0 || c.KeyRotation <= 0 || c.KeyTTL <= 0 || c.AccessTTL <= 0 {
		problems = append(problems, "durations must be positive")
	}
	if c.PollBatch <= 0 {
		problems = append(problems, "-poll-batch must be positive")
	}
	if c.DeviceRPS < 0 || (c.DeviceRPS > 0 && c.DeviceBurst < 1) {
		problems = append(problems, "-device-rps must be >= 0 with -device-burst >= 1")
	}
	if len(problems) > 0 {
		return errors.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}
