package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreman2200/funtimes-sandestin/internal/render"
)

// simClock jumps straight to any requested wake time.
type simClock struct{ now time.Time }

func (c *simClock) Now() time.Time { return c.now }

func (c *simClock) SleepUntil(ctx context.Context, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.After(c.now) {
		c.now = t
	}
	return nil
}

var epoch = time.Date(2024, 6, 1, 21, 0, 0, 0, time.UTC)

func TestDisplayTimesStayOnGrid(t *testing.T) {
	clock := &simClock{now: epoch}
	var frames []render.Frame
	s, err := New(Config{FPS: 40, Clock: clock}, func(_ context.Context, f render.Frame) error {
		frames = append(frames, f)
		clock.now = clock.now.Add(3 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		_, err := s.Tick(context.Background())
		require.NoError(t, err)
	}
	for i, f := range frames {
		assert.Equal(t, int64(i+1), f.Index)
		assert.Equal(t, epoch.Add(time.Duration(i+1)*25*time.Millisecond), f.DisplayTime)
	}
	assert.Equal(t, int64(0), s.Stats().Skipped)
}

func TestIndexAt(t *testing.T) {
	s, err := New(Config{FPS: 40}, func(context.Context, render.Frame) error { return nil })
	require.NoError(t, err)
	s.Start(epoch)

	assert.Equal(t, int64(1), s.IndexAt(epoch))
	assert.Equal(t, int64(1), s.IndexAt(epoch.Add(24*time.Millisecond)))
	assert.Equal(t, int64(2), s.IndexAt(epoch.Add(25*time.Millisecond)))
	assert.Equal(t, int64(1), s.IndexAt(epoch.Add(-time.Second)))
	// A year in, the arithmetic must not overflow.
	year := 365 * 24 * time.Hour
	assert.Equal(t, int64(year/time.Second)*40+1, s.IndexAt(epoch.Add(year)))
	assert.Equal(t, epoch.Add(year), s.DisplayTime(int64(year/time.Second)*40))
}

func TestNonIntegralPeriod(t *testing.T) {
	s, err := New(Config{FPS: 30}, func(context.Context, render.Frame) error { return nil })
	require.NoError(t, err)
	s.Start(epoch)
	assert.Equal(t, epoch.Add(time.Second), s.DisplayTime(30))
	assert.Equal(t, epoch.Add(10*time.Second), s.DisplayTime(300))
}

func TestNonIntegralPeriodTicksConsecutively(t *testing.T) {
	clock := &simClock{now: epoch}
	var indices []int64
	s, err := New(Config{FPS: 30, Clock: clock, Logger: zerolog.Nop()}, func(_ context.Context, f render.Frame) error {
		indices = append(indices, f.Index)
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 90; i++ {
		f, err := s.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, s.DisplayTime(f.Index), clock.now)
	}
	for i, idx := range indices {
		require.Equal(t, int64(i+1), idx)
	}
	assert.Zero(t, s.Stats().Skipped)
	assert.Equal(t, epoch.Add(3*time.Second), clock.now)
}

func TestOverrunSkipsAndWarnsOnce(t *testing.T) {
	clock := &simClock{now: epoch}
	var logs bytes.Buffer
	var skips [][2]int64
	var indices []int64
	s, err := New(Config{
		FPS:    40,
		Clock:  clock,
		Logger: zerolog.New(&logs),
		Hooks:  Hooks{Skipped: func(from, to int64) { skips = append(skips, [2]int64{from, to}) }},
	}, func(_ context.Context, f render.Frame) error {
		indices = append(indices, f.Index)
		if f.Index == 3 {
			clock.now = clock.now.Add(100 * time.Millisecond)
		}
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := s.Tick(context.Background())
		require.NoError(t, err)
	}

	// Frame 3 shows at 75ms and runs to 175ms, so 4..7 are never produced.
	assert.Equal(t, []int64{1, 2, 3, 8, 9, 10}, indices)
	assert.Equal(t, [][2]int64{{3, 8}}, skips)
	assert.Equal(t, 1, strings.Count(logs.String(), "skipped frames from 3 to 8"))
	assert.Equal(t, int64(4), s.Stats().Skipped)
}

func TestFrameFailureKeepsTimeline(t *testing.T) {
	clock := &simClock{now: epoch}
	boom := errors.New("boom")
	var done []error
	s, err := New(Config{
		FPS:   40,
		Clock: clock,
		Hooks: Hooks{FrameDone: func(_ render.Frame, _ time.Duration, err error) { done = append(done, err) }},
	}, func(_ context.Context, f render.Frame) error {
		if f.Index == 2 {
			return boom
		}
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	_, err = s.Tick(ctx)
	assert.True(t, errors.Is(err, boom))
	f, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.Index)

	assert.Equal(t, []error{nil, boom, nil}, done)
	st := s.Stats()
	assert.Equal(t, int64(3), st.Frames)
	assert.Equal(t, int64(1), st.Failures)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	s, err := New(Config{FPS: 1000}, func(context.Context, render.Frame) error {
		n++
		if n == 5 {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)

	err = s.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 5, n)
	assert.Equal(t, Idle, s.Stats().State)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{FPS: 0}, func(context.Context, render.Frame) error { return nil })
	assert.Error(t, err)
	_, err = New(Config{FPS: 40}, nil)
	assert.Error(t, err)
}
