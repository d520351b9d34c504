package httpserver

import (
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/time/rate"
)

// throttleIdle is how long an unused per-device bucket is kept.
const throttleIdle = 10 * time.Minute

type throttleEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// deviceThrottle is a token bucket per authenticated device.
type deviceThrottle struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	m         map[uuid.UUID]*throttleEntry
	lastSweep time.Time
	now       func() time.Time
}

func newDeviceThrottle(rps float64, burst int) *deviceThrottle {
	if burst < 1 {
		burst = 1
	}
	return &deviceThrottle{
		limit: rate.Limit(rps),
		burst: burst,
		m:     map[uuid.UUID]*throttleEntry{},
		now:   time.Now,
	}
}

func (t *deviceThrottle) allow(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if now.Sub(t.lastSweep) > throttleIdle {
		for k, e := range t.m {
			if now.Sub(e.seen) > throttleIdle {
				delete(t.m, k)
			}
		}
		t.lastSweep = now
	}
	e, ok := t.m[id]
	if !ok {
		e = &throttleEntry{lim: rate.NewLimiter(t.limit, t.burst)}
		t.m[id] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

func (t *deviceThrottle) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
