package render

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/coreman2200/funtimes-sandestin/internal/geometry"
)

// Color is a linear RGBW value; channels are nominally 0..1 but patterns may
// overshoot, the builder clamps.
type Color struct{ R, G, B, W float32 }

func (c Color) Scale(s float32) Color {
	return Color{R: c.R * s, G: c.G * s, B: c.B * s, W: c.W * s}
}

// Frame is one scheduled snapshot.
type Frame struct {
	Index       int64
	DisplayTime time.Time
}

// DisplayMillis is the display time in milliseconds since the Unix epoch.
func (f Frame) DisplayMillis() float64 {
	return float64(f.DisplayTime.UnixNano()) / float64(time.Millisecond)
}

// PixelInfo is the per-pixel context handed to a Pattern.
type PixelInfo struct {
	geometry.Pixel
	Rafter, Side int
	// Norm is the pixel position normalized to the model bounds.
	Norm r3.Vec
	// Count is the number of pixels in the model.
	Count int
}

type Pattern interface {
	Name() string
	Color(px PixelInfo, f Frame) Color
}

type Registry struct{ m map[string]Pattern }

func NewRegistry() *Registry { return &Registry{m: map[string]Pattern{}} }

func (r *Registry) Register(p Pattern) {
	if p == nil {
		return
	}
	r.m[p.Name()] = p
}

func (r *Registry) Get(name string) (Pattern, bool) { p, ok := r.m[name]; return p, ok }

func (r *Registry) List() []string {
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
