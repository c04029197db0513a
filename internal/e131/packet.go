// Package e131 encodes ANSI E1.31 (streaming ACN) data packets and sends a
// flat channel buffer as one packet per universe.
package e131

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// MaxSlots is the number of channel slots one universe can address.
	MaxSlots = 512
	// DefaultSlotsPerUniverse leaves headroom for whole 3- and 4-channel pixels
	// without splitting one across universes.
	DefaultSlotsPerUniverse = 510

	DefaultPriority = 100
	DefaultPort     = 5568

	rootVector    = 0x00000004
	framingVector = 0x00000002
	dmpVector     = 0x02
	dmpAddrType   = 0xa1

	sourceNameLen = 64
	// HeaderLen is the size of every layer before the start code.
	HeaderLen = 125
	// start code + slots follow the header
	dataOffset = HeaderLen + 1

	flagsMask = 0x7000

	// OptionPreview marks data meant for visualisers only.
	OptionPreview = 1 << 7
	// OptionStreamTerminated tells receivers the source is going away.
	OptionStreamTerminated = 1 << 6
)

var acnPacketIdentifier = [12]byte{'A', 'S', 'C', '-', 'E', '1', '.', '1', '7', 0, 0, 0}

var (
	ErrPayloadTooLarge = errors.New("payload exceeds universe size")
	ErrShortPacket     = errors.New("packet too short")
	ErrNotE131         = errors.New("not an E1.31 data packet")
)

// Packet is one E1.31 data packet.
type Packet struct {
	CID         uuid.UUID
	SourceName  string
	Priority    uint8
	SyncAddress uint16
	Sequence    uint8
	Options     uint8
	Universe    uint16
	StartCode   uint8
	Data        []byte
}

// Len is the encoded size of p.
func (p *Packet) Len() int { return dataOffset + len(p.Data) }

// MarshalBinary encodes p in network byte order.
func (p *Packet) MarshalBinary() ([]byte, error) {
	b := make([]byte, p.Len())
	if _, err := p.MarshalTo(b); err != nil {
		return nil, err
	}
	return b, nil
}

// MarshalTo encodes p into b, which must be at least p.Len() bytes.
func (p *Packet) MarshalTo(b []byte) (int, error) {
	if len(p.Data) > MaxSlots {
		return 0, fmt.Errorf("%d slots: %w", len(p.Data), ErrPayloadTooLarge)
	}
	n := p.Len()
	if len(b) < n {
		return 0, fmt.Errorf("buffer %d < %d: %w", len(b), n, ErrShortPacket)
	}
	be := binary.BigEndian

	// Root layer
	be.PutUint16(b[0:], 0x0010)
	be.PutUint16(b[2:], 0x0000)
	copy(b[4:16], acnPacketIdentifier[:])
	be.PutUint16(b[16:], flagsMask|uint16(n-16))
	be.PutUint32(b[18:], rootVector)
	copy(b[22:38], p.CID[:])

	// Framing layer
	be.PutUint16(b[38:], flagsMask|uint16(n-38))
	be.PutUint32(b[40:], framingVector)
	name := b[44 : 44+sourceNameLen]
	for i := range name {
		name[i] = 0
	}
	// Always leave room for the terminating NUL.
	copy(name[:sourceNameLen-1], p.SourceName)
	b[108] = p.Priority
	be.PutUint16(b[109:], p.SyncAddress)
	b[111] = p.Sequence
	b[112] = p.Options
	be.PutUint16(b[113:], p.Universe)

	// DMP layer
	be.PutUint16(b[115:], flagsMask|uint16(n-115))
	b[117] = dmpVector
	b[118] = dmpAddrType
	be.PutUint16(b[119:], 0x0000)
	be.PutUint16(b[121:], 0x0001)
	be.PutUint16(b[123:], uint16(len(p.Data)+1))
	b[HeaderLen] = p.StartCode
	copy(b[dataOffset:], p.Data)
	return n, nil
}

// UnmarshalBinary decodes an E1.31 data packet. Data aliases b.
func (p *Packet) UnmarshalBinary(b []byte) error {
	if len(b) < dataOffset {
		return fmt.Errorf("%d bytes: %w", len(b), ErrShortPacket)
	}
	be := binary.BigEndian
	if be.Uint16(b[0:]) != 0x0010 || !bytes.Equal(b[4:16], acnPacketIdentifier[:]) {
		return ErrNotE131
	}
	if be.Uint32(b[18:]) != rootVector || be.Uint32(b[40:]) != framingVector || b[117] != dmpVector {
		return fmt.Errorf("unexpected vector: %w", ErrNotE131)
	}
	count := int(be.Uint16(b[123:]))
	if count < 1 || dataOffset+count-1 > len(b) {
		return fmt.Errorf("property count %d for %d bytes: %w", count, len(b), ErrShortPacket)
	}

	copy(p.CID[:], b[22:38])
	name := b[44 : 44+sourceNameLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	p.SourceName = string(name)
	p.Priority = b[108]
	p.SyncAddress = be.Uint16(b[109:])
	p.Sequence = b[111]
	p.Options = b[112]
	p.Universe = be.Uint16(b[113:])
	p.StartCode = b[HeaderLen]
	p.Data = b[dataOffset : dataOffset+count-1]
	return nil
}

// SourceCID derives a stable component identifier from a source name.
func SourceCID(sourceName string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("e131:"+sourceName))
}
