package output

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/coreman2200/funtimes-sandestin/internal/render"
)

// Sim logs a compact summary of every Nth frame (average per channel and
// lit pixels), useful for running headless without a controller.
type Sim struct {
	Log      zerolog.Logger
	Order    string
	Every    int64
	Frames   int64
	LastLit  int
	LastAvgs []float64
}

func NewSim(log zerolog.Logger, order string, every int64) *Sim {
	if every <= 0 {
		every = 1
	}
	return &Sim{Log: log, Order: order, Every: every}
}

func (s *Sim) Send(_ context.Context, f render.Frame, buf []byte) error {
	s.Frames++
	cpp := len(s.Order)
	if cpp == 0 {
		cpp = 1
	}
	sums := make([]float64, cpp)
	lit := 0
	for i := 0; i+cpp <= len(buf); i += cpp {
		on := false
		for ch := 0; ch < cpp; ch++ {
			sums[ch] += float64(buf[i+ch])
			on = on || buf[i+ch] > 0
		}
		if on {
			lit++
		}
	}
	n := float64(len(buf) / cpp)
	if n == 0 {
		n = 1
	}
	for ch := range sums {
		sums[ch] /= n
	}
	s.LastLit, s.LastAvgs = lit, sums

	if f.Index%s.Every == 0 {
		ev := s.Log.Info().Int64("frame", f.Index).Int("lit", lit)
		for ch, avg := range sums {
			if ch < len(s.Order) {
				ev = ev.Float64("avg_"+string(s.Order[ch]), avg)
			}
		}
		ev.Msg("sim frame")
	}
	return nil
}

func (s *Sim) Close() error { return nil }
