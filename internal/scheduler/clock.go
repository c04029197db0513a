package scheduler

import (
	"context"
	"time"
)

// Clock is the scheduler's view of time. Tests substitute a simulated clock
// so display-time arithmetic can be checked without waiting.
type Clock interface {
	Now() time.Time
	// SleepUntil blocks until t or until ctx is done.
	SleepUntil(ctx context.Context, t time.Time) error
}

// WallClock is the real clock. time.Now carries a monotonic reading, so
// differences between two Now values are immune to wall-clock steps.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

func (WallClock) SleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
