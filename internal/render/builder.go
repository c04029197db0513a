package render

import (
	"fmt"
	"math"
	"strings"

	"github.com/coreman2200/funtimes-sandestin/internal/geometry"
)

const DefaultOrder = "GRBW"

// Builder turns pattern output into the flat channel buffer sent to the
// controllers. Each pixel owns ChannelsPerPixel bytes starting at
// OutputSlot*ChannelsPerPixel. A Builder reuses scratch space between
// frames and is not safe for concurrent use.
type Builder struct {
	ChannelsPerPixel int
	Brightness       float64
	// Limiter, when set, runs after brightness and before quantization.
	Limiter *Limiter

	order  []byte
	pixels []PixelInfo
	colors []Color
	span   int
}

// NewBuilder precomputes per-pixel context for m. order names the color
// component carried by each channel, e.g. "GRBW" or "GRB"; its length sets
// the channel count.
func NewBuilder(m *geometry.Model, order string) (*Builder, error) {
	order = strings.ToUpper(order)
	if order == "" {
		order = DefaultOrder
	}
	for _, c := range order {
		if !strings.ContainsRune("RGBW", c) {
			return nil, fmt.Errorf("invalid channel %q in color order %q", c, order)
		}
	}

	infos := make([]PixelInfo, 0, m.PixelCount())
	for _, p := range m.Pixels() {
		rafter, side := geometry.RafterOf(p.Edge)
		infos = append(infos, PixelInfo{
			Pixel:  p,
			Rafter: rafter,
			Side:   side,
			Norm:   m.Normalize(p.Point),
			Count:  m.PixelCount(),
		})
	}
	return &Builder{
		ChannelsPerPixel: len(order),
		Brightness:       1,
		order:            []byte(order),
		pixels:           infos,
		colors:           make([]Color, len(infos)),
		span:             m.SlotSpan(),
	}, nil
}

// Size is the buffer length in bytes.
func (b *Builder) Size() int { return b.span * b.ChannelsPerPixel }

// Order returns the color order string.
func (b *Builder) Order() string { return string(b.order) }

// Build renders f with p into a fresh zeroed buffer.
func (b *Builder) Build(f Frame, p Pattern) []byte {
	brightness := float32(b.Brightness)
	for i, px := range b.pixels {
		b.colors[i] = p.Color(px, f).Scale(brightness)
	}
	if b.Limiter != nil {
		b.Limiter.Apply(b.colors)
	}

	buf := make([]byte, b.Size())
	for i, px := range b.pixels {
		off := px.OutputSlot * b.ChannelsPerPixel
		for ch, comp := range b.order {
			buf[off+ch] = toByte(component(b.colors[i], comp))
		}
	}
	return buf
}

func component(c Color, comp byte) float32 {
	switch comp {
	case 'R':
		return c.R
	case 'G':
		return c.G
	case 'B':
		return c.B
	default:
		return c.W
	}
}

func toByte(v float32) byte {
	x := float64(v) * 255
	if math.IsNaN(x) || x <= 0 {
		return 0
	}
	if x >= 255 {
		return 255
	}
	return byte(math.Round(x))
}
