package core

import (
	"context"
	"time"
)

// retryJitterMS mirrors the fixed jitter schedule the compiler uses for
// transient database errors: three attempts at 50, 100, then 200ms, rather
// than exponential backoff with random jitter — the load these retries
// absorb (a dropped pooled connection, a momentary deadlock) clears fast or
// not at all, so a short fixed ladder beats a longer randomized one.
var retryJitterMS = []int{50, 100, 200}

// Retry runs fn up to len(retryJitterMS)+1 times, sleeping the jitter
// ladder between attempts, and gives up early if ctx is done — shared by
// the engine and the query executor so both back off transient failures on
// the same schedule.
func Retry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; ; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i >= len(retryJitterMS) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(retryJitterMS[i]) * time.Millisecond):
		}
	}
}
