// Package throttle paces page navigations per host so a run with many
// concurrent scenarios does not hammer the site under test.
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the pacing applied to each host.
type Config struct {
	RPS             float64       // Navigations per second per host; <= 0 disables pacing
	Burst           int           // Navigations allowed back to back
	CleanupInterval time.Duration // How often idle hosts are forgotten
}

// DefaultConfig is gentle enough for a staging site and fast enough for a
// smoke suite.
var DefaultConfig = Config{
	RPS:             5,
	Burst:           10,
	CleanupInterval: 10 * time.Minute,
}

type entry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// HostThrottle keeps one token bucket per host.
type HostThrottle struct {
	limiters map[string]*entry
	mu       sync.Mutex
	config   Config

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a HostThrottle and starts its cleanup goroutine.
func New(config Config) *HostThrottle {
	if config.Burst < 1 {
		config.Burst = 1
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig.CleanupInterval
	}
	t := &HostThrottle{
		limiters: make(map[string]*entry),
		config:   config,
		stopCh:   make(chan struct{}),
	}
	t.wg.Add(1)
	go t.cleanupLoop()
	return t
}

// Wait blocks until a navigation to host is allowed or ctx ends.
func (t *HostThrottle) Wait(ctx context.Context, host string) error {
	if t.config.RPS <= 0 {
		return ctx.Err()
	}
	return t.Limiter(host).Wait(ctx)
}

// Limiter returns the bucket for host, creating it on first use.
func (t *HostThrottle) Limiter(host string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.limiters[host]; ok {
		e.lastUsed = time.Now()
		return e.limiter
	}
	limiter := rate.NewLimiter(rate.Limit(t.config.RPS), t.config.Burst)
	t.limiters[host] = &entry{limiter: limiter, lastUsed: time.Now()}
	return limiter
}

// Cleanup forgets hosts idle for longer than the cleanup interval.
func (t *HostThrottle) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.config.CleanupInterval)
	for host, e := range t.limiters {
		if e.lastUsed.Before(cutoff) {
			delete(t.limiters, host)
		}
	}
}

func (t *HostThrottle) cleanupLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Cleanup()
		case <-t.stopCh:
			return
		}
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (t *HostThrottle) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

// Len returns the number of hosts being tracked.
func (t *HostThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}
