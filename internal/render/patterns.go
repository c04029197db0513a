package render

import (
	"math"
)

// Hue sweeps a band of the color wheel along every edge and rotates it over
// time. Each rafter is offset by an eighth of the wheel.
type Hue struct {
	name string
	// Speed is wheel revolutions per second.
	Speed float64
	// Width is the fraction of the wheel spread along one edge.
	Width float64
	// Steps is the number of pixels the band is divided over.
	Steps float64
}

func NewHue(name string, speed, width float64) *Hue {
	return &Hue{name: name, Speed: speed, Width: width, Steps: 240}
}

func (h *Hue) Name() string { return h.name }

func (h *Hue) Color(px PixelInfo, f Frame) Color {
	center := math.Mod(f.DisplayMillis()/1000.0*h.Speed, 1.0)
	start := center - h.Width/2 + 1.0
	step := h.Width / h.Steps
	hue := math.Mod(start+float64(px.Offset)*step+float64(px.Rafter)/8.0, 1)
	r, g, b := hsvToRGB(hue, 1, 1)
	return Color{R: float32(r), G: float32(g), B: float32(b)}
}

// Solid paints every pixel the same color.
type Solid struct {
	name string
	C    Color
}

func NewSolid(name string, c Color) *Solid { return &Solid{name: name, C: c} }

func (s *Solid) Name() string                 { return s.name }
func (s *Solid) Color(PixelInfo, Frame) Color { return s.C }

// Sweep lights one pixel per frame in output slot order, for checking that
// wiring runs the way the model says it does.
type Sweep struct{ name string }

func NewSweep(name string) *Sweep { return &Sweep{name: name} }

func (s *Sweep) Name() string { return s.name }

func (s *Sweep) Color(px PixelInfo, f Frame) Color {
	if px.Count == 0 || f.Index < 0 {
		return Color{}
	}
	if int64(px.OutputSlot) == f.Index%int64(px.Count) {
		return Color{R: 1, G: 1, B: 1, W: 1}
	}
	return Color{}
}

// Channels lights a single component at a time, one per second, cycling
// R, G, B, W. Useful for confirming channel order on a controller.
type Channels struct{ name string }

func NewChannels(name string) *Channels { return &Channels{name: name} }

func (c *Channels) Name() string { return c.name }

func (c *Channels) Color(_ PixelInfo, f Frame) Color {
	switch int64(f.DisplayMillis()/1000) % 4 {
	case 0:
		return Color{R: 1}
	case 1:
		return Color{G: 1}
	case 2:
		return Color{B: 1}
	default:
		return Color{W: 1}
	}
}

// DefaultRegistry registers every built-in pattern.
func DefaultRegistry(speed, width float64) *Registry {
	reg := NewRegistry()
	reg.Register(NewHue("hue", speed, width))
	reg.Register(NewSolid("solid", Color{W: 1}))
	reg.Register(NewSweep("sweep"))
	reg.Register(NewChannels("channels"))
	return reg
}

func hsvToRGB(h, s, v float64) (float64, float64, float64) {
	i := int(h * 6.0)
	f := h*6.0 - float64(i)
	p := v * (1.0 - s)
	q := v * (1.0 - f*s)
	t := v * (1.0 - (1.0-f)*s)
	switch i % 6 {
	case 0:
		return v, t, p
	case 1:
		return q, v, p
	case 2:
		return p, v, t
	case 3:
		return p, q, v
	case 4:
		return t, p, v
	default:
		return v, p, q
	}
}
