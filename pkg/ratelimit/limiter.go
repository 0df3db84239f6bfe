// Package ratelimit enforces minimum spacing between successive
// protocol-affecting operations, per session and operation kind, to stay
// clear of the service's abuse detection. An optional global ops/sec
// ceiling sits on top of the per-key spacing.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/maxbigdig/bigdig/pkg/core"
)

// Config bounds the delay between two operations of the same kind on the
// same session. Jitter is strictly additive: the observed delay is never
// below MinDelay.
type Config struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	Jitter   time.Duration

	// OpsPerSecond caps overall operation throughput across all sessions.
	// Zero disables the ceiling.
	OpsPerSecond float64
	Burst        int
}

// DefaultConfig returns conservative production spacing.
func DefaultConfig() Config {
	return Config{
		MinDelay: 2 * time.Second,
		MaxDelay: 5 * time.Second,
	}
}

func (c Config) normalized() Config {
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.Jitter <= 0 && c.MaxDelay > c.MinDelay {
		c.Jitter = c.MaxDelay - c.MinDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Burst < 1 {
		c.Burst = 1
	}
	return c
}

type key struct {
	session string
	kind    core.JobKind
}

// Limiter tracks the last operation time per session+kind pair.
type Limiter struct {
	cfg    Config
	global *rate.Limiter

	mu   sync.Mutex
	next map[key]time.Time
}

// New creates a limiter from cfg.
func New(cfg Config) *Limiter {
	cfg = cfg.normalized()
	l := &Limiter{
		cfg:  cfg,
		next: make(map[key]time.Time),
	}
	if cfg.OpsPerSecond > 0 {
		l.global = rate.NewLimiter(rate.Limit(cfg.OpsPerSecond), cfg.Burst)
	}
	return l
}

// Wait suspends the calling work unit until the session+kind pair's turn
// comes up. Only the caller blocks; other in-flight operations are
// unaffected. The first operation for a pair proceeds immediately.
func (l *Limiter) Wait(ctx context.Context, session string, kind core.JobKind) error {
	if l.global != nil {
		if err := l.global.Wait(ctx); err != nil {
			return err
		}
	}

	l.mu.Lock()
	now := time.Now()
	k := key{session: session, kind: kind}

	var delay time.Duration
	if earliest, ok := l.next[k]; ok {
		delay = earliest.Sub(now)
		if delay < 0 {
			delay = 0
		}
		if l.cfg.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(l.cfg.Jitter) + 1))
		}
	}

	// Reserve this operation's slot so concurrent waiters of the same
	// pair space themselves behind it.
	execAt := now.Add(delay)
	l.next[k] = execAt.Add(l.cfg.MinDelay)
	l.mu.Unlock()

	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MinDelay returns the configured minimum spacing.
func (l *Limiter) MinDelay() time.Duration { return l.cfg.MinDelay }
