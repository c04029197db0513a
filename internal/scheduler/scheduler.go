// Package scheduler paces frame production against an absolute timeline.
//
// Frame n is due at start + n*period. Each tick works out which frame is due
// next from the time elapsed since start, sleeps until it, and produces it.
// A slow frame therefore never delays the timeline: the next tick simply
// lands on a later index and the gap is reported as skipped frames.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coreman2200/funtimes-sandestin/internal/render"
)

// FrameFunc builds and sends one frame. It must not return until the frame
// has been fully handed off.
type FrameFunc func(ctx context.Context, f render.Frame) error

// Hooks observe the loop; any may be nil.
type Hooks struct {
	FrameDone func(f render.Frame, took time.Duration, err error)
	Skipped   func(from, to int64)
}

type Config struct {
	FPS    int
	Clock  Clock
	Logger zerolog.Logger
	Hooks  Hooks
}

type State string

const (
	Idle    State = "idle"
	Running State = "running"
)

// Stats is a snapshot of the loop's counters.
type Stats struct {
	State        State         `json:"state"`
	Frames       int64         `json:"frames"`
	Failures     int64         `json:"failures"`
	Skipped      int64         `json:"skipped"`
	LastIndex    int64         `json:"last_index"`
	LastDuration time.Duration `json:"last_duration_ns"`
}

type Scheduler struct {
	fps   int64
	clock Clock
	log   zerolog.Logger
	hooks Hooks
	run   FrameFunc

	start     time.Time
	started   bool
	lastIndex int64
	hasLast   bool

	mu    sync.Mutex
	stats Stats
}

func New(cfg Config, run FrameFunc) (*Scheduler, error) {
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("invalid frame rate: %d", cfg.FPS)
	}
	if run == nil {
		return nil, errors.New("frame func is nil")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = WallClock{}
	}
	return &Scheduler{
		fps:   int64(cfg.FPS),
		clock: clock,
		log:   cfg.Logger,
		hooks: cfg.Hooks,
		run:   run,
		stats: Stats{State: Idle},
	}, nil
}

// Period is the nominal time between frames.
func (s *Scheduler) Period() time.Duration { return time.Second / time.Duration(s.fps) }

// Start pins the timeline origin. Tick calls it on first use.
func (s *Scheduler) Start(t time.Time) {
	s.start = t
	s.started = true
	s.mu.Lock()
	s.stats.State = Running
	s.mu.Unlock()
}

// StartTime is the timeline origin.
func (s *Scheduler) StartTime() time.Time { return s.start }

// IndexAt is the index of the next frame due after now:
// floor(elapsed/period) + 1.
func (s *Scheduler) IndexAt(now time.Time) int64 {
	elapsed := now.Sub(s.start)
	if elapsed < 0 {
		elapsed = 0
	}
	// Split to keep elapsed*fps from overflowing on long runs.
	secs := int64(elapsed / time.Second)
	rem := int64(elapsed % time.Second)
	index := secs*s.fps + rem*s.fps/int64(time.Second) + 1
	// DisplayTime truncates to whole nanoseconds when the period is not
	// integral, so step past any index that is already due.
	for !s.DisplayTime(index).After(now) {
		index++
	}
	return index
}

// DisplayTime is when frame index is due: start + index*period, computed
// without accumulating rounding error.
func (s *Scheduler) DisplayTime(index int64) time.Time {
	secs := index / s.fps
	rem := index % s.fps
	return s.start.Add(time.Duration(secs)*time.Second + time.Duration(rem)*time.Second/time.Duration(s.fps))
}

// Tick produces exactly one frame: it picks the next due index, sleeps until
// its display time and runs the frame func. A frame error is reported and
// returned but leaves the timeline intact; the caller decides whether to
// keep going. Only context errors end the sleep early.
func (s *Scheduler) Tick(ctx context.Context) (render.Frame, error) {
	if !s.started {
		s.Start(s.clock.Now())
	}
	index := s.IndexAt(s.clock.Now())
	f := render.Frame{Index: index, DisplayTime: s.DisplayTime(index)}
	if err := s.clock.SleepUntil(ctx, f.DisplayTime); err != nil {
		return f, err
	}

	began := s.clock.Now()
	err := s.run(ctx, f)
	took := s.clock.Now().Sub(began)

	var skipped int64
	if s.hasLast && s.lastIndex != index-1 {
		skipped = index - s.lastIndex - 1
		s.log.Warn().Int64("from", s.lastIndex).Int64("to", index).Msgf("skipped frames from %d to %d", s.lastIndex, index)
		if s.hooks.Skipped != nil {
			s.hooks.Skipped(s.lastIndex, index)
		}
	}
	s.lastIndex, s.hasLast = index, true

	s.mu.Lock()
	s.stats.Frames++
	s.stats.Skipped += skipped
	s.stats.LastIndex = index
	s.stats.LastDuration = took
	if err != nil {
		s.stats.Failures++
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn().Err(err).Int64("frame", index).Msg("frame failed")
	}
	if s.hooks.FrameDone != nil {
		s.hooks.FrameDone(f, took, err)
	}
	return f, err
}

// Run ticks until ctx is done and returns ctx.Err(). Frame failures are
// logged by Tick and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	defer func() {
		s.mu.Lock()
		s.stats.State = Idle
		s.mu.Unlock()
	}()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
