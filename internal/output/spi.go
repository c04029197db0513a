package output

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/devices/v3/nrzled"
	"periph.io/x/extra/devices/screen"
	"periph.io/x/host/v3"

	"github.com/coreman2200/funtimes-sandestin/internal/render"
)

// NRZSPIFreq is the SPI clock nrzled encodes the 800 kHz WS281x/SK6812 bit
// stream at; it rejects any other rate.
const NRZSPIFreq = 2500 * physic.KiloHertz

// ConsoleWidth is how many pixels the console fallback prints.
const ConsoleWidth = 100

type SPIConfig struct {
	// Dev is the spireg port name; empty picks the first port.
	Dev    string
	// Freq is the SPI clock; zero selects NRZSPIFreq.
	Freq   physic.Frequency
	Order  string
	Pixels int
	// Open opens the named port; nil initializes periph and uses spireg.
	Open   func(dev string) (spi.PortCloser, error)
}

// SPI drives a strip directly through an NRZ-over-SPI encoder. nrzled takes
// RGB(W) input and emits GRB(W) on the wire, so each frame is reordered from
// the builder's color order first. Without a port it draws to the console.
type SPI struct {
	perm     []int
	channels int
	raw      []byte

	port spi.PortCloser
	dev  *nrzled.Dev

	drawer display.Drawer
	img    *image.NRGBA
}

// OpenSPI initializes periph and opens cfg.Dev, falling back to a console
// drawer when no SPI port is present.
func OpenSPI(cfg SPIConfig, log zerolog.Logger) (*SPI, error) {
	open := cfg.Open
	if open == nil {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("periph init: %w", err)
		}
		open = spireg.Open
	}
	port, err := open(cfg.Dev)
	if err != nil {
		log.Warn().Err(err).Msg("failed to find a SPI port, printing at the console")
		return NewConsole(cfg, screen.New(min(cfg.Pixels, ConsoleWidth)))
	}
	s, err := NewSPIOnPort(port, cfg)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return s, nil
}

// NewSPIOnPort drives an already opened port.
func NewSPIOnPort(port spi.PortCloser, cfg SPIConfig) (*SPI, error) {
	s, err := newSPI(cfg)
	if err != nil {
		return nil, err
	}
	freq := cfg.Freq
	if freq == 0 {
		freq = NRZSPIFreq
	}
	dev, err := nrzled.NewSPI(port, &nrzled.Opts{
		NumPixels: cfg.Pixels,
		Channels:  s.channels,
		Freq:      freq,
	})
	if err != nil {
		return nil, fmt.Errorf("open strip on %s: %w", port, err)
	}
	s.port, s.dev = port, dev
	return s, nil
}

// NewConsole draws frames on d instead of a strip.
func NewConsole(cfg SPIConfig, d display.Drawer) (*SPI, error) {
	s, err := newSPI(cfg)
	if err != nil {
		return nil, err
	}
	s.drawer = d
	s.img = image.NewNRGBA(image.Rect(0, 0, cfg.Pixels, 1))
	return s, nil
}

func newSPI(cfg SPIConfig) (*SPI, error) {
	if cfg.Pixels <= 0 {
		return nil, fmt.Errorf("invalid LED count: %d", cfg.Pixels)
	}
	perm, err := rgbwPermutation(cfg.Order)
	if err != nil {
		return nil, err
	}
	return &SPI{
		perm:     perm,
		channels: len(perm),
		raw:      make([]byte, cfg.Pixels*len(perm)),
	}, nil
}

// rgbwPermutation maps each RGB(W) output channel to its position in order.
func rgbwPermutation(order string) ([]int, error) {
	order = strings.ToUpper(order)
	want := "RGB"
	if len(order) == 4 {
		want = "RGBW"
	}
	if len(order) != len(want) {
		return nil, fmt.Errorf("color order %q: spi needs 3 or 4 channels", order)
	}
	perm := make([]int, len(want))
	for i, c := range want {
		perm[i] = strings.IndexRune(order, c)
		if perm[i] < 0 {
			return nil, fmt.Errorf("color order %q lacks %c", order, c)
		}
	}
	return perm, nil
}

func (s *SPI) reorder(buf []byte) {
	n := min(len(buf), len(s.raw)) / s.channels
	for p := 0; p < n; p++ {
		base := p * s.channels
		for ch, from := range s.perm {
			s.raw[base+ch] = buf[base+from]
		}
	}
}

func (s *SPI) Send(_ context.Context, _ render.Frame, buf []byte) error {
	s.reorder(buf)
	if s.dev != nil {
		if _, err := s.dev.Write(s.raw); err != nil {
			return fmt.Errorf("spi write: %w", err)
		}
		return nil
	}
	for p := 0; p < s.img.Rect.Dx(); p++ {
		c := s.raw[p*s.channels : p*s.channels+3]
		s.img.SetNRGBA(p, 0, color.NRGBA{R: c[0], G: c[1], B: c[2], A: 0xff})
	}
	return s.drawer.Draw(s.drawer.Bounds(), s.img, image.Point{})
}

func (s *SPI) Close() error {
	if s.dev != nil {
		return errors.Join(s.dev.Halt(), s.port.Close())
	}
	return s.drawer.Halt()
}
