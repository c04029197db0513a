package geometry

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrSlotCollision is returned when two pixels are assigned the same output slot.
	ErrSlotCollision = errors.New("output slot collision")
	// ErrUnknownNode is returned when an edge references a node that was never added.
	ErrUnknownNode = errors.New("unknown node")
)

type (
	NodeID  int
	EdgeID  int
	PixelID int
)

// Node is an anchor point joined by edges.
type Node struct {
	ID    NodeID
	Point r3.Vec
	Edges []EdgeID
}

// Edge is a directed run of pixels from Start to End.
type Edge struct {
	ID     EdgeID
	Start  NodeID
	End    NodeID
	Pixels []PixelID
}

// Pixel is one addressable LED.
type Pixel struct {
	ID         PixelID
	Point      r3.Vec
	OutputSlot int
	Edge       EdgeID
	// Offset is the pixel's position along its edge, 0-based.
	Offset int
}

// Model owns every node, edge and pixel. Handles index directly into the
// backing slices, so ids are dense and stable once assigned.
//
// A Model is built once and is read-only afterwards; it is safe to share
// between goroutines after construction.
type Model struct {
	nodes  []Node
	edges  []Edge
	pixels []Pixel

	slotToPixel map[int]PixelID
}

func NewModel() *Model {
	return &Model{slotToPixel: map[int]PixelID{}}
}

// AddNode appends a node at p and returns its handle.
func (m *Model) AddNode(p r3.Vec) NodeID {
	id := NodeID(len(m.nodes))
	m.nodes = append(m.nodes, Node{ID: id, Point: p})
	return id
}

// AddEdge connects start to end and populates the edge with numPixels pixels
// whose output slots run contiguously from firstSlot.
//
// Pixels are spaced evenly with the same gap between each endpoint and its
// nearest pixel as between neighbours: pixel i sits at (i+1)/(numPixels+1).
func (m *Model) AddEdge(start, end NodeID, numPixels, firstSlot int) (EdgeID, error) {
	if !m.validNode(start) {
		return 0, fmt.Errorf("edge start %d: %w", start, ErrUnknownNode)
	}
	if !m.validNode(end) {
		return 0, fmt.Errorf("edge end %d: %w", end, ErrUnknownNode)
	}
	if numPixels < 0 {
		return 0, fmt.Errorf("invalid pixel count: %d", numPixels)
	}

	// Reject the whole edge before mutating anything.
	for i := 0; i < numPixels; i++ {
		slot := firstSlot + i
		if slot < 0 {
			return 0, fmt.Errorf("invalid output slot %d", slot)
		}
		if other, taken := m.slotToPixel[slot]; taken {
			return 0, fmt.Errorf("slot %d already held by pixel %d: %w", slot, other, ErrSlotCollision)
		}
	}

	id := EdgeID(len(m.edges))
	a := m.nodes[start].Point
	b := m.nodes[end].Point
	e := Edge{ID: id, Start: start, End: end, Pixels: make([]PixelID, 0, numPixels)}
	for i := 0; i < numPixels; i++ {
		frac := float64(i+1) / float64(numPixels+1)
		pid := PixelID(len(m.pixels))
		m.pixels = append(m.pixels, Pixel{
			ID:         pid,
			Point:      Lerp(a, b, frac),
			OutputSlot: firstSlot + i,
			Edge:       id,
			Offset:     i,
		})
		m.slotToPixel[firstSlot+i] = pid
		e.Pixels = append(e.Pixels, pid)
	}
	m.edges = append(m.edges, e)

	m.nodes[start].Edges = append(m.nodes[start].Edges, id)
	if end != start {
		m.nodes[end].Edges = append(m.nodes[end].Edges, id)
	}
	return id, nil
}

func (m *Model) validNode(id NodeID) bool { return id >= 0 && int(id) < len(m.nodes) }

func (m *Model) Node(id NodeID) Node    { return m.nodes[id] }
func (m *Model) Edge(id EdgeID) Edge    { return m.edges[id] }
func (m *Model) Pixel(id PixelID) Pixel { return m.pixels[id] }

func (m *Model) NodeCount() int  { return len(m.nodes) }
func (m *Model) EdgeCount() int  { return len(m.edges) }
func (m *Model) PixelCount() int { return len(m.pixels) }

// Pixels returns the pixel arena in creation order. Callers must not modify it.
func (m *Model) Pixels() []Pixel { return m.pixels }

// Edges returns the edge arena in creation order. Callers must not modify it.
func (m *Model) Edges() []Edge { return m.edges }

// Nodes returns the node arena in creation order. Callers must not modify it.
func (m *Model) Nodes() []Node { return m.nodes }

// SlotSpan is one past the highest output slot in use, i.e. the number of
// pixel blocks a channel buffer needs to hold every pixel.
func (m *Model) SlotSpan() int {
	span := 0
	for _, p := range m.pixels {
		if p.OutputSlot+1 > span {
			span = p.OutputSlot + 1
		}
	}
	return span
}

// Bounds returns the axis-aligned box enclosing every node.
func (m *Model) Bounds() r3.Box {
	if len(m.nodes) == 0 {
		return r3.Box{}
	}
	b := r3.Box{Min: m.nodes[0].Point, Max: m.nodes[0].Point}
	for _, n := range m.nodes[1:] {
		b.Min = r3.Vec{X: min(b.Min.X, n.Point.X), Y: min(b.Min.Y, n.Point.Y), Z: min(b.Min.Z, n.Point.Z)}
		b.Max = r3.Vec{X: max(b.Max.X, n.Point.X), Y: max(b.Max.Y, n.Point.Y), Z: max(b.Max.Z, n.Point.Z)}
	}
	return b
}

// Normalize maps p into [0,1]^3 relative to the model bounds. Flat axes map to 0.
func (m *Model) Normalize(p r3.Vec) r3.Vec {
	b := m.Bounds()
	size := r3.Sub(b.Max, b.Min)
	rel := r3.Sub(p, b.Min)
	return r3.Vec{X: ratio(rel.X, size.X), Y: ratio(rel.Y, size.Y), Z: ratio(rel.Z, size.Z)}
}

func ratio(v, size float64) float64 {
	if size == 0 {
		return 0
	}
	return v / size
}

// Lerp interpolates between a and b at fraction t.
func Lerp(a, b r3.Vec, t float64) r3.Vec {
	return r3.Add(a, r3.Scale(t, r3.Sub(b, a)))
}
