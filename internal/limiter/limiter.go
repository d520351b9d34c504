// Package limiter throttles owner login attempts per (username, client ip).
package limiter

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"
)

// Limiter controls login attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether login is currently allowed and the remaining lockout.
	Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful login.
	Success(ctx context.Context, username string, ipHash []byte) error
	// Failure records a failed attempt and reports whether it tripped a lockout.
	Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error)
}

// Config tunes the sliding window and lockout.
type Config struct {
	Window   time.Duration // failures older than this no longer count
	MaxFails int           // failures within Window that trigger a lockout
	BlockFor time.Duration // lockout length
}

// DefaultConfig allows five bad passwords per quarter hour.
var DefaultConfig = Config{Window: 15 * time.Minute, MaxFails: 5, BlockFor: 15 * time.Minute}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultConfig.Window
	}
	if c.MaxFails <= 0 {
		c.MaxFails = DefaultConfig.MaxFails
	}
	if c.BlockFor <= 0 {
		c.BlockFor = DefaultConfig.BlockFor
	}
	return c
}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}

// Memory is a process-local limiter for single-instance dev runs.
type Memory struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time
	m   map[string]*memEntry
}

type memEntry struct {
	fails        int
	updatedAt    time.Time
	blockedUntil time.Time
}

// NewMemory constructs an in-process limiter.
func NewMemory(cfg Config) *Memory {
	return &Memory{cfg: cfg.withDefaults(), now: time.Now, m: map[string]*memEntry{}}
}

func memKey(username string, ipHash []byte) string { return username + "\x00" + string(ipHash) }

func (l *Memory) Allow(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[memKey(username, ipHash)]
	if !ok {
		return true, 0, nil
	}
	if now := l.now(); e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

func (l *Memory) Success(_ context.Context, username string, ipHash []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.m, memKey(username, ipHash))
	return nil
}

func (l *Memory) Failure(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	k := memKey(username, ipHash)
	e, ok := l.m[k]
	if !ok || now.Sub(e.updatedAt) > l.cfg.Window {
		e = &memEntry{}
		l.m[k] = e
	}
	e.fails++
	e.updatedAt = now
	if e.fails >= l.cfg.MaxFails {
		e.blockedUntil = now.Add(l.cfg.BlockFor)
		return true, l.cfg.BlockFor, nil
	}
	return false, 0, nil
}
