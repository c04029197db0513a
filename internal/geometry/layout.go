package geometry

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

const InchesPerMeter = 39.3701

// RafterLayout describes parallel rafters, each carrying a run of pixel tape
// on two sides. SpacingIn holds the gaps between consecutive rafters, so the
// layout has len(SpacingIn)+1 rafters.
type RafterLayout struct {
	SpacingIn     []float64
	LengthM       float64
	PixelsPerEdge int
	SideOffsetIn  float64
}

const SidesPerRafter = 2

// DefaultRafterLayout is the reference install: seven 3 m rafters with
// 60 LED/m tape on both sides.
func DefaultRafterLayout() RafterLayout {
	return RafterLayout{
		SpacingIn:     []float64{31.5, 32.5, 31.25, 32.2, 33, 30},
		LengthM:       3,
		PixelsPerEdge: 60 * 3,
		SideOffsetIn:  7,
	}
}

func (l RafterLayout) Rafters() int { return len(l.SpacingIn) + 1 }

func (l RafterLayout) Edges() int { return l.Rafters() * SidesPerRafter }

func (l RafterLayout) Count() int { return l.Edges() * l.PixelsPerEdge }

// Slot maps rafter, side and pixel offset to the pixel's output slot.
func (l RafterLayout) Slot(rafter, side, offset int) int {
	return (rafter*SidesPerRafter+side)*l.PixelsPerEdge + offset
}

// BuildRafters constructs the model for l. Each rafter runs along +Y at its
// cumulative distance on X; the second side is raised by SideOffsetIn on Z.
func BuildRafters(l RafterLayout) (*Model, error) {
	if l.PixelsPerEdge < 0 {
		return nil, fmt.Errorf("invalid pixels per edge: %d", l.PixelsPerEdge)
	}
	m := NewModel()
	distanceIn := 0.0
	slot := 0
	for rafter := 0; rafter < l.Rafters(); rafter++ {
		x := distanceIn / InchesPerMeter
		for side := 0; side < SidesPerRafter; side++ {
			z := float64(side) * l.SideOffsetIn / InchesPerMeter
			start := m.AddNode(r3.Vec{X: x, Y: 0, Z: z})
			end := m.AddNode(r3.Vec{X: x, Y: l.LengthM, Z: z})
			if _, err := m.AddEdge(start, end, l.PixelsPerEdge, slot); err != nil {
				return nil, fmt.Errorf("rafter %d side %d: %w", rafter, side, err)
			}
			slot += l.PixelsPerEdge
		}
		// The last rafter has no gap after it.
		if rafter < len(l.SpacingIn) {
			distanceIn += l.SpacingIn[rafter]
		}
	}
	return m, nil
}

// RafterOf returns the rafter and side that edge e belongs to in a model
// built by BuildRafters.
func RafterOf(e EdgeID) (rafter, side int) {
	return int(e) / SidesPerRafter, int(e) % SidesPerRafter
}
