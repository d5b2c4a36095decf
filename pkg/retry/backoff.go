// Package retry computes deterministic exponential backoff schedules and
// runs operations under them.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy is used for peer message delivery.
var DefaultPolicy = Policy{BaseMs: 50, MaxMs: 2000, MaxJitterMs: 25, MaxAttempts: 4}

// ComputeBackoff returns the delay before attempt (1-based retries; attempt 0
// runs immediately). Jitter is derived from key and attempt so that replays
// of the same delivery follow the same schedule.
func ComputeBackoff(key string, attempt int, p Policy) time.Duration {
	if attempt <= 0 {
		return 0
	}
	factor := int64(1) << 30
	if attempt <= 30 {
		factor = int64(1) << attempt
	}
	delay := p.BaseMs * factor
	if delay > p.MaxMs || delay < 0 {
		delay = p.MaxMs
	}
	return time.Duration(delay+jitter(key, attempt, p)) * time.Millisecond
}

func jitter(key string, attempt int, p Policy) int64 {
	if p.MaxJitterMs <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(p.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Permanent wraps an error that must not be retried.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Do runs fn until it succeeds, returns a *Permanent error, the attempts are
// exhausted, or ctx ends. It returns the last error.
func Do(ctx context.Context, key string, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if d := ComputeBackoff(key, i, p); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(err, ctx.Err())
			case <-timer.C:
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}
