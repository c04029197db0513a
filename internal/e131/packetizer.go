package e131

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxUniverse is the highest universe number E1.31 allows.
const MaxUniverse = 63999

// Config fixes the identity and slicing of every packet a Packetizer sends.
type Config struct {
	SourceName       string
	CID              uuid.UUID
	// Priority zero selects DefaultPriority.
	Priority         uint8
	StartUniverse    uint16
	SlotsPerUniverse int
	// SendTimeout bounds each packet send; zero means no bound.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SourceName == "" {
		c.SourceName = "sandestin"
	}
	if c.CID == uuid.Nil {
		c.CID = SourceCID(c.SourceName)
	}
	if c.Priority == 0 {
		c.Priority = DefaultPriority
	}
	if c.StartUniverse == 0 {
		c.StartUniverse = 1
	}
	if c.SlotsPerUniverse <= 0 || c.SlotsPerUniverse > MaxSlots {
		c.SlotsPerUniverse = DefaultSlotsPerUniverse
	}
	return c
}

// Packetizer splits a channel buffer into consecutive universes and sends
// them one at a time, in universe order. It is not safe for concurrent use;
// the scheduler drives it from a single goroutine.
type Packetizer struct {
	cfg Config
	tr  Transport
	seq map[uint16]uint8
	out []byte

	// OnSent is called after each packet is accepted by the transport.
	OnSent func(universe uint16, slots int)

	lastUniverses int
}

func NewPacketizer(cfg Config, tr Transport) *Packetizer {
	return &Packetizer{
		cfg: cfg.withDefaults(),
		tr:  tr,
		seq: map[uint16]uint8{},
		out: make([]byte, dataOffset+MaxSlots),
	}
}

func (p *Packetizer) Config() Config { return p.cfg }

// UniverseCount is the number of packets needed for n channels.
func UniverseCount(n, slotsPerUniverse int) int {
	if n <= 0 {
		return 0
	}
	return (n + slotsPerUniverse - 1) / slotsPerUniverse
}

// Packets slices buf into one packet per universe. Packet data aliases buf.
// Sequence numbers are left at zero; SendFrame assigns them.
func (p *Packetizer) Packets(buf []byte) ([]Packet, error) {
	n := UniverseCount(len(buf), p.cfg.SlotsPerUniverse)
	if n > 0 && int(p.cfg.StartUniverse)+n-1 > MaxUniverse {
		return nil, fmt.Errorf("%d channels need universes %d..%d, beyond %d",
			len(buf), p.cfg.StartUniverse, int(p.cfg.StartUniverse)+n-1, MaxUniverse)
	}
	pkts := make([]Packet, 0, n)
	universe := p.cfg.StartUniverse
	for off := 0; off < len(buf); {
		slots := min(len(buf)-off, p.cfg.SlotsPerUniverse)
		pkts = append(pkts, Packet{
			CID:        p.cfg.CID,
			SourceName: p.cfg.SourceName,
			Priority:   p.cfg.Priority,
			Universe:   universe,
			Data:       buf[off : off+slots],
		})
		off += slots
		universe++
	}
	return pkts, nil
}

// SendFrame sends buf as consecutive universes, waiting for each send to
// finish before starting the next. The first failure aborts the frame.
func (p *Packetizer) SendFrame(ctx context.Context, buf []byte) error {
	pkts, err := p.Packets(buf)
	if err != nil {
		return err
	}
	for i := range pkts {
		if err := p.send(ctx, &pkts[i]); err != nil {
			return fmt.Errorf("frame aborted at universe %d (%d of %d): %w",
				pkts[i].Universe, i+1, len(pkts), err)
		}
	}
	p.lastUniverses = len(pkts)
	return nil
}

func (p *Packetizer) send(ctx context.Context, pkt *Packet) error {
	pkt.Sequence = p.seq[pkt.Universe]
	n, err := pkt.MarshalTo(p.out)
	if err != nil {
		return err
	}

	sendCtx := ctx
	if p.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, p.cfg.SendTimeout)
		defer cancel()
	}
	if err := p.tr.Send(sendCtx, pkt.Universe, p.out[:n]); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("send timed out after %s: %w", p.cfg.SendTimeout, err)
		}
		return err
	}
	p.seq[pkt.Universe] = pkt.Sequence + 1
	if p.OnSent != nil {
		p.OnSent(pkt.Universe, len(pkt.Data))
	}
	return nil
}

// Terminate tells receivers the stream is ending by sending three
// stream-terminated packets on every universe of the last frame.
func (p *Packetizer) Terminate(ctx context.Context) error {
	universe := p.cfg.StartUniverse
	for i := 0; i < p.lastUniverses; i++ {
		for j := 0; j < 3; j++ {
			pkt := Packet{
				CID:        p.cfg.CID,
				SourceName: p.cfg.SourceName,
				Priority:   p.cfg.Priority,
				Options:    OptionStreamTerminated,
				Universe:   universe,
			}
			if err := p.send(ctx, &pkt); err != nil {
				return fmt.Errorf("terminate universe %d: %w", universe, err)
			}
		}
		universe++
	}
	p.lastUniverses = 0
	return nil
}

func (p *Packetizer) Close() error { return p.tr.Close() }
