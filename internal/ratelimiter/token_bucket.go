package ratelimiter

import (
	"context"
	"math"
	"sync"
	"time"
)

// TokenBucket gates every outbound API request. It holds up to capacity
// tokens and refills at refillPerSec; Wait blocks until a token is available
// or the context ends. A single bucket is shared by all workers in a run.
type TokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
	pausedUntil  time.Time
}

func NewTokenBucket(capacity int, refillPerSec float64) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillPerSec <= 0 {
		refillPerSec = 1
	}
	return &TokenBucket{
		capacity:     float64(capacity),
		tokens:       float64(capacity),
		refillPerSec: refillPerSec,
		last:         time.Now(),
	}
}

// Wait consumes one token, sleeping until the bucket refills or the context
// is cancelled. A pause window (see Pause) defers refills entirely.
func (b *TokenBucket) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := time.Now()

		if now.Before(b.pausedUntil) {
			wait := time.Until(b.pausedUntil)
			b.mu.Unlock()
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		elapsed := now.Sub(b.last).Seconds()
		if elapsed > 0 {
			b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillPerSec)
			b.last = now
		}
		if b.tokens >= 1.0 {
			b.tokens -= 1.0
			b.mu.Unlock()
			return nil
		}
		deficit := 1.0 - b.tokens
		b.mu.Unlock()

		toNext := time.Duration(deficit / b.refillPerSec * float64(time.Second))
		if toNext < time.Millisecond {
			toNext = time.Millisecond
		}
		if err := sleep(ctx, toNext); err != nil {
			return err
		}
	}
}

// Pause holds back every caller for the given window. Used when the platform
// signals a mandatory backoff (HTTP 429 with a retry window). The token clock
// restarts when the window ends so the pause is not also counted as refill
// time.
func (b *TokenBucket) Pause(window time.Duration) {
	if window <= 0 {
		return
	}
	b.mu.Lock()
	until := time.Now().Add(window)
	if until.After(b.pausedUntil) {
		b.pausedUntil = until
		b.last = until
	}
	b.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
