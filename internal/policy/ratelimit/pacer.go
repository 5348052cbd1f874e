// Package ratelimit implements admission control for the API edge and
// politeness pacing for workers.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/media-fetcher/internal/metrics"
)

// Pacer spaces successive calls per key by a fixed interval. Workers key it by
// job id so each job keeps its own politeness delay between item fetches.
type Pacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
}

// NewPacer creates a Pacer. A non-positive interval disables pacing.
func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{
		limiters: make(map[string]*rate.Limiter),
		interval: interval,
	}
}

// Wait blocks until key may proceed, respecting the context. The first call
// for a key never waits.
func (p *Pacer) Wait(ctx context.Context, key string) error {
	if p.interval <= 0 {
		return nil
	}
	p.mu.Lock()
	limiter, exists := p.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rate.Every(p.interval), 1)
		p.limiters[key] = limiter
	}
	p.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacer wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObservePacingDelay(waited)
	}
	return nil
}

// Forget drops the limiter for key once its job is finished.
func (p *Pacer) Forget(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.limiters, key)
}

// Tracked returns the number of keys with live limiters.
func (p *Pacer) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}
