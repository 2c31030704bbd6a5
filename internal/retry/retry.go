// Package retry holds the backoff policy shared by the background stages.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strconv"
	"time"
)

// Delay returns the wait before attempt+1 after attempt failures: base doubling per
// attempt, capped at ceiling, plus up to 50% jitter derived from key so every worker
// computes the same schedule for the same row.
func Delay(key string, attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			d = ceiling
			break
		}
	}

	jitterMax := d / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	sum := sha256.Sum256([]byte(key + ":" + strconv.Itoa(attempt)))
	jitter := time.Duration(binary.BigEndian.Uint64(sum[:8]) % uint64(jitterMax))

	d += jitter
	if d > ceiling {
		d = ceiling
	}
	return d
}

// Do calls fn up to attempts times, sleeping backoff (doubling) between tries.
// It stops early when ctx is done and returns the last error.
func Do(ctx context.Context, attempts int, backoff time.Duration, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	wait := backoff
	for i := 1; i <= attempts; i++ {
		if err = fn(i); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		wait *= 2
	}
	return err
}
