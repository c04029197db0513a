package e131

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordTransport keeps a copy of every packet and checks sends never overlap.
type recordTransport struct {
	pkts     [][]byte
	inflight int32
	overlap  bool
	failAt   int
	err      error
}

func (r *recordTransport) Send(ctx context.Context, universe uint16, pkt []byte) error {
	if atomic.AddInt32(&r.inflight, 1) > 1 {
		r.overlap = true
	}
	defer atomic.AddInt32(&r.inflight, -1)
	if r.err != nil && len(r.pkts) == r.failAt {
		return r.err
	}
	r.pkts = append(r.pkts, append([]byte(nil), pkt...))
	return nil
}

func (r *recordTransport) Close() error { return nil }

func (r *recordTransport) decoded(t *testing.T) []Packet {
	t.Helper()
	out := make([]Packet, len(r.pkts))
	for i, b := range r.pkts {
		require.NoError(t, out[i].UnmarshalBinary(b))
	}
	return out
}

func TestPacketHeaderLayout(t *testing.T) {
	cid := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	p := Packet{CID: cid, SourceName: "sandestin", Priority: 100, Sequence: 7, Universe: 0x0102, Data: []byte{1, 2, 3}}
	b, err := p.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, 129)

	assert.Equal(t, []byte{0x00, 0x10, 0x00, 0x00}, b[0:4])
	assert.Equal(t, []byte("ASC-E1.17\x00\x00\x00"), b[4:16])
	assert.Equal(t, []byte{0x70, 129 - 16}, b[16:18])
	assert.Equal(t, []byte{0, 0, 0, 4}, b[18:22])
	assert.Equal(t, cid[:], b[22:38])
	assert.Equal(t, []byte{0x70, 129 - 38}, b[38:40])
	assert.Equal(t, []byte{0, 0, 0, 2}, b[40:44])
	assert.Equal(t, []byte("sandestin"), b[44:53])
	assert.Equal(t, byte(0), b[53])
	assert.Equal(t, byte(100), b[108])
	assert.Equal(t, byte(7), b[111])
	assert.Equal(t, []byte{0x01, 0x02}, b[113:115])
	assert.Equal(t, []byte{0x70, 129 - 115}, b[115:117])
	assert.Equal(t, []byte{0x02, 0xa1, 0, 0, 0, 1, 0, 4, 0}, b[117:126])
	assert.Equal(t, []byte{1, 2, 3}, b[126:])
}

func TestPacketRoundTrip(t *testing.T) {
	in := Packet{CID: SourceCID("x"), SourceName: "x", Priority: 150, Sequence: 255, Options: OptionPreview, Universe: 63999, Data: bytes.Repeat([]byte{0xAB}, MaxSlots)}
	b, err := in.MarshalBinary()
	require.NoError(t, err)

	var out Packet
	require.NoError(t, out.UnmarshalBinary(b))
	assert.Equal(t, in, out)
}

func TestPacketRejectsOversizeAndGarbage(t *testing.T) {
	p := Packet{Data: make([]byte, MaxSlots+1)}
	_, err := p.MarshalBinary()
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))

	var out Packet
	assert.True(t, errors.Is(out.UnmarshalBinary(make([]byte, 10)), ErrShortPacket))
	assert.True(t, errors.Is(out.UnmarshalBinary(make([]byte, 200)), ErrNotE131))
}

func TestSourceNameTruncated(t *testing.T) {
	long := string(bytes.Repeat([]byte{'n'}, 100))
	b, err := (&Packet{SourceName: long}).MarshalBinary()
	require.NoError(t, err)
	var out Packet
	require.NoError(t, out.UnmarshalBinary(b))
	assert.Len(t, out.SourceName, 63)
}

func TestSendFrameSlicesIntoUniverses(t *testing.T) {
	buf := make([]byte, 2520*4)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	tr := &recordTransport{}
	var sent []uint16
	p := NewPacketizer(Config{}, tr)
	p.OnSent = func(u uint16, _ int) { sent = append(sent, u) }

	require.NoError(t, p.SendFrame(context.Background(), buf))
	pkts := tr.decoded(t)
	require.Len(t, pkts, 20)
	assert.False(t, tr.overlap)

	var joined []byte
	for i, pkt := range pkts {
		assert.Equal(t, uint16(i+1), pkt.Universe)
		assert.Equal(t, "sandestin", pkt.SourceName)
		assert.Equal(t, uint8(DefaultPriority), pkt.Priority)
		assert.Equal(t, SourceCID("sandestin"), pkt.CID)
		joined = append(joined, pkt.Data...)
	}
	assert.Len(t, pkts[19].Data, 10080-19*510)
	assert.Equal(t, buf, joined)
	assert.Equal(t, uint16(20), sent[len(sent)-1])
}

func TestSendFrameEmptyBuffer(t *testing.T) {
	tr := &recordTransport{}
	p := NewPacketizer(Config{}, tr)
	require.NoError(t, p.SendFrame(context.Background(), nil))
	assert.Empty(t, tr.pkts)
}

func TestSendFrameSequencePerUniverse(t *testing.T) {
	tr := &recordTransport{}
	p := NewPacketizer(Config{SlotsPerUniverse: 4}, tr)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.SendFrame(context.Background(), make([]byte, 8)))
	}
	pkts := tr.decoded(t)
	require.Len(t, pkts, 6)
	for i, pkt := range pkts {
		assert.Equal(t, uint8(i/2), pkt.Sequence)
	}
}

func TestSendFrameStopsAtFirstFailure(t *testing.T) {
	boom := errors.New("boom")
	tr := &recordTransport{err: boom, failAt: 2}
	p := NewPacketizer(Config{}, tr)

	err := p.SendFrame(context.Background(), make([]byte, 5*510))
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "universe 3")
	assert.Len(t, tr.pkts, 2)
}

type stallTransport struct{}

func (stallTransport) Send(ctx context.Context, _ uint16, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}
func (stallTransport) Close() error { return nil }

func TestSendFrameTimesOutHungSend(t *testing.T) {
	p := NewPacketizer(Config{SendTimeout: 20 * time.Millisecond}, stallTransport{})
	start := time.Now()
	err := p.SendFrame(context.Background(), make([]byte, 10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPacketsRejectsUniverseOverflow(t *testing.T) {
	p := NewPacketizer(Config{StartUniverse: MaxUniverse}, &recordTransport{})
	_, err := p.Packets(make([]byte, 1021))
	assert.Error(t, err)
}

func TestTerminate(t *testing.T) {
	tr := &recordTransport{}
	p := NewPacketizer(Config{}, tr)
	require.NoError(t, p.SendFrame(context.Background(), make([]byte, 600)))
	tr.pkts = nil

	require.NoError(t, p.Terminate(context.Background()))
	pkts := tr.decoded(t)
	require.Len(t, pkts, 6)
	for i, pkt := range pkts {
		assert.Equal(t, uint16(i/3+1), pkt.Universe)
		assert.Equal(t, uint8(OptionStreamTerminated), pkt.Options)
	}
}

// Concatenating the payloads in universe order must give back the buffer.
func TestPacketizerRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("payloads reconstruct the buffer", prop.ForAll(
		func(n, per int) bool {
			buf := make([]byte, n)
			for i := range buf {
				buf[i] = byte(i ^ (i >> 8))
			}
			tr := &recordTransport{}
			p := NewPacketizer(Config{SlotsPerUniverse: per}, tr)
			if err := p.SendFrame(context.Background(), buf); err != nil {
				return false
			}
			if len(tr.pkts) != UniverseCount(n, per) {
				return false
			}
			var joined []byte
			remaining := n
			for i, raw := range tr.pkts {
				var pkt Packet
				if pkt.UnmarshalBinary(raw) != nil {
					return false
				}
				if int(pkt.Universe) != i+1 || len(pkt.Data) != min(remaining, per) {
					return false
				}
				remaining -= len(pkt.Data)
				joined = append(joined, pkt.Data...)
			}
			return bytes.Equal(joined, buf)
		},
		gen.IntRange(0, 20000),
		gen.IntRange(1, MaxSlots),
	))

	properties.TestingRun(t)
}

func TestUDPTransportLoopback(t *testing.T) {
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ln.Close()

	tr, err := NewUDPTransport(UDPConfig{Receiver: "127.0.0.1", Port: ln.LocalAddr().(*net.UDPAddr).Port})
	require.NoError(t, err)
	defer tr.Close()

	p := NewPacketizer(Config{}, tr)
	buf := bytes.Repeat([]byte{1, 2, 3, 4}, 200)
	require.NoError(t, p.SendFrame(context.Background(), buf))

	require.NoError(t, ln.SetReadDeadline(time.Now().Add(2*time.Second)))
	rx := make([]byte, 1500)
	var joined []byte
	for i := 0; i < 2; i++ {
		n, _, err := ln.ReadFromUDP(rx)
		require.NoError(t, err)
		var pkt Packet
		require.NoError(t, pkt.UnmarshalBinary(rx[:n]))
		assert.Equal(t, uint16(i+1), pkt.Universe)
		joined = append(joined, pkt.Data...)
	}
	assert.Equal(t, buf, joined)
}

type fakeConn struct {
	writes int
	closed bool
}

func (f *fakeConn) Write(b []byte) (int, error)      { f.writes++; return len(b), nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) Close() error                     { f.closed = true; return nil }

func TestUDPTransportMulticastDestinations(t *testing.T) {
	dialed := map[string]*fakeConn{}
	tr, err := NewUDPTransport(UDPConfig{
		Multicast: true,
		Dial: func(raddr *net.UDPAddr) (Conn, error) {
			c := &fakeConn{}
			dialed[raddr.String()] = c
			return c, nil
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, tr.Send(ctx, 1, []byte{0}))
	require.NoError(t, tr.Send(ctx, 1, []byte{0}))
	require.NoError(t, tr.Send(ctx, 258, []byte{0}))

	require.Len(t, dialed, 2)
	assert.Equal(t, 2, dialed["239.255.0.1:5568"].writes)
	assert.Equal(t, 1, dialed["239.255.1.2:5568"].writes)

	require.NoError(t, tr.Close())
	assert.True(t, dialed["239.255.0.1:5568"].closed)
}
