// Package capture records outgoing E1.31 packets to a pcap file and reads
// them back, so a show can be inspected in Wireshark without a controller.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/coreman2200/funtimes-sandestin/internal/e131"
)

const snapLen = 65536

// Options describes the addressing written into each captured frame.
type Options struct {
	// Receiver is the unicast destination; nil records the per-universe
	// multicast group instead.
	Receiver net.IP
	Port     int
	Source   net.IP
	// Next, when set, also receives every packet (tee).
	Next e131.Transport
	// Now stamps each record; nil uses time.Now.
	Now func() time.Time
}

// Writer is an e131.Transport that appends every packet to a pcap stream.
type Writer struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	opts   Options
	srcMAC net.HardwareAddr
	count  int
}

// Create opens path for writing and returns a Writer over it.
func Create(path string, opts Options) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture: %w", err)
	}
	w, err := NewWriter(f, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

func NewWriter(out io.Writer, opts Options) (*Writer, error) {
	if opts.Port == 0 {
		opts.Port = e131.DefaultPort
	}
	if opts.Source == nil {
		opts.Source = net.IPv4(10, 0, 0, 1)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Writer{
		w:      w,
		opts:   opts,
		srcMAC: net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
	}, nil
}

func (c *Writer) dest(universe uint16) (net.IP, net.HardwareAddr) {
	if c.opts.Receiver != nil {
		return c.opts.Receiver, net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	}
	ip := e131.MulticastAddr(universe, c.opts.Port).IP.To4()
	return ip, net.HardwareAddr{0x01, 0x00, 0x5e, ip[1] & 0x7f, ip[2], ip[3]}
}

func (c *Writer) Send(ctx context.Context, universe uint16, pkt []byte) error {
	if err := c.write(universe, pkt); err != nil {
		return err
	}
	if c.opts.Next != nil {
		return c.opts.Next.Send(ctx, universe, pkt)
	}
	return nil
}

func (c *Writer) write(universe uint16, pkt []byte) error {
	dstIP, dstMAC := c.dest(universe)
	eth := &layers.Ethernet{
		SrcMAC:       c.srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    c.opts.Source.To4(),
		DstIP:    dstIP.To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(c.opts.Port),
		DstPort: layers.UDPPort(c.opts.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	buf := gopacket.NewSerializeBuffer()
	sopts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, sopts, eth, ip, udp, gopacket.Payload(pkt)); err != nil {
		return fmt.Errorf("serialize universe %d: %w", universe, err)
	}
	data := buf.Bytes()

	c.mu.Lock()
	defer c.mu.Unlock()
	ci := gopacket.CaptureInfo{
		Timestamp:     c.opts.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := c.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("write capture: %w", err)
	}
	c.count++
	return nil
}

// Count is the number of packets recorded so far.
func (c *Writer) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Writer) Close() error {
	var errs []error
	if c.opts.Next != nil {
		errs = append(errs, c.opts.Next.Close())
	}
	if c.closer != nil {
		errs = append(errs, c.closer.Close())
	}
	return errors.Join(errs...)
}

// Record is one decoded packet from a capture.
type Record struct {
	Time   time.Time
	Dst    net.IP
	Packet e131.Packet
}

// Read decodes every E1.31 packet on port from a pcap stream. Frames that
// are not UDP to that port, or not E1.31, are skipped.
func Read(in io.Reader, port int) ([]Record, error) {
	if port == 0 {
		port = e131.DefaultPort
	}
	r, err := pcapgo.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	var out []Record
	for {
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("read capture: %w", err)
		}
		packet := gopacket.NewPacket(data, r.LinkType(), gopacket.Default)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || int(udp.DstPort) != port {
			continue
		}
		var rec Record
		// Payload is owned by the decoded packet, which is not reused.
		if err := rec.Packet.UnmarshalBinary(udp.Payload); err != nil {
			continue
		}
		rec.Time = ci.Timestamp
		if ipLayer, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
			rec.Dst = ipLayer.DstIP
		}
		out = append(out, rec)
	}
}

// ReadFile is Read over a file on disk.
func ReadFile(path string, port int) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f, port)
}
