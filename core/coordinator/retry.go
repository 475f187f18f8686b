package coordinator

import (
	"context"
	"time"
)

// poll runs fn up to attempts times with a fixed delay between attempts.
// fn returns done=true to stop early. poll returns done=false once the
// attempt budget is exhausted, and the context error if cancelled while
// waiting. No delay follows the final attempt.
func poll(ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) (bool, error)) (bool, error) {
	for i := 0; i < attempts; i++ {
		done, err := fn(ctx)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
	return false, nil
}
