package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"github.com/coreman2200/funtimes-sandestin/internal/capture"
	"github.com/coreman2200/funtimes-sandestin/internal/config"
	diag "github.com/coreman2200/funtimes-sandestin/internal/diagnostics"
	"github.com/coreman2200/funtimes-sandestin/internal/e131"
	"github.com/coreman2200/funtimes-sandestin/internal/geometry"
	"github.com/coreman2200/funtimes-sandestin/internal/metrics"
	"github.com/coreman2200/funtimes-sandestin/internal/output"
	"github.com/coreman2200/funtimes-sandestin/internal/preview"
	"github.com/coreman2200/funtimes-sandestin/internal/render"
	"github.com/coreman2200/funtimes-sandestin/internal/scheduler"
)

// Core is the assembled show: model, pattern, output and the loop driving
// them.
type Core struct {
	Cfg       *config.Config
	Model     *geometry.Model
	Builder   *render.Builder
	Reg       *render.Registry
	Pattern   render.Pattern
	Out       output.Output
	Metrics   *metrics.Registry
	Preview   *preview.Server
	Sched     *scheduler.Scheduler
	Universes int

	hw  Hardware
	log zerolog.Logger
}

// Hardware lets callers substitute the output sink, clock and SPI port,
// mainly for tests. Zero values select what cfg asks for.
type Hardware struct {
	Out     output.Output
	Clock   scheduler.Clock
	SPIPort func(dev string) (spi.PortCloser, error)
}

func LayoutFrom(cfg *config.Config) geometry.RafterLayout {
	return geometry.RafterLayout{
		SpacingIn:     cfg.Layout.SpacingIn,
		LengthM:       cfg.Layout.RafterLengthM,
		PixelsPerEdge: cfg.Layout.PixelsPerEdge,
		SideOffsetIn:  cfg.Layout.SideOffsetIn,
	}
}

func InitCore(cfg *config.Config, hw Hardware, log zerolog.Logger) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// 1) Model
	m, err := geometry.BuildRafters(LayoutFrom(cfg))
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}

	// 2) Builder and pattern
	b, err := render.NewBuilder(m, cfg.ColorOrder)
	if err != nil {
		return nil, err
	}
	b.Brightness = cfg.Brightness
	if p := cfg.Power; p.BudgetMA > 0 || p.WhiteCap > 0 {
		b.Limiter = &render.Limiter{
			WhiteCap: float32(p.WhiteCap),
			ChanMA:   p.ChanMA,
			BudgetMA: p.BudgetMA,
			Knee:     p.Knee,
		}
	}
	reg := render.DefaultRegistry(cfg.Pattern.Speed, cfg.Pattern.Width)
	pat, ok := reg.Get(cfg.Pattern.Name)
	if !ok {
		return nil, fmt.Errorf("unknown pattern %q (have %v)", cfg.Pattern.Name, reg.List())
	}

	c := &Core{
		Cfg:       cfg,
		Model:     m,
		Builder:   b,
		Reg:       reg,
		Pattern:   pat,
		Metrics:   metrics.NewRegistry(),
		Universes: e131.UniverseCount(b.Size(), cfg.ChannelsPerUniverse),
		hw:        hw,
		log:       log,
	}
	c.Metrics.ModelPixels.Set(float64(m.PixelCount()))
	c.Metrics.ModelUniverses.Set(float64(c.Universes))

	// 3) Output
	c.Out = hw.Out
	if c.Out == nil {
		if c.Out, err = c.openOutput(); err != nil {
			return nil, err
		}
	}

	// 4) Preview
	if cfg.Preview.Addr != "" {
		topo := preview.NewTopology(m, b.Order(), cfg.FPS)
		topo.Output = cfg.Output
		topo.Universes = c.Universes
		c.Preview = preview.NewServer(topo, preview.Options{
			Logger:    log.With().Str("component", "preview").Logger(),
			Metrics:   c.Metrics.Handler(),
			Stats:     func() scheduler.Stats { return c.Sched.Stats() },
			OnClients: func(n int) { c.Metrics.PreviewClients.Set(float64(n)) },
		})
	}

	// 5) Scheduler wiring (hooks → metrics and diagnostics)
	c.Sched, err = scheduler.New(scheduler.Config{
		FPS:    cfg.FPS,
		Clock:  hw.Clock,
		Logger: log,
		Hooks: scheduler.Hooks{
			FrameDone: c.frameDone,
			Skipped:   c.skipped,
		},
	}, c.frame)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Core) openOutput() (output.Output, error) {
	cfg := c.Cfg
	switch cfg.Output {
	case "e131":
		udp, err := e131.NewUDPTransport(e131.UDPConfig{
			Receiver:  cfg.E131.Receiver,
			Port:      cfg.E131.Port,
			Multicast: cfg.E131.Multicast,
		})
		if err != nil {
			return nil, err
		}
		var tr e131.Transport = udp
		if cfg.Capture.Path != "" {
			opts := capture.Options{Port: cfg.E131.Port, Next: udp}
			if r := udp.Receiver(); r != nil {
				opts.Receiver = r.IP
			}
			w, err := capture.Create(cfg.Capture.Path, opts)
			if err != nil {
				_ = udp.Close()
				return nil, err
			}
			tr = w
		}
		return c.e131Output(tr)

	case "spi":
		return output.OpenSPI(output.SPIConfig{
			Dev:    cfg.SPI.Dev,
			Freq:   physic.Frequency(cfg.SPI.SpeedHz) * physic.Hertz,
			Order:  cfg.ColorOrder,
			Pixels: c.Model.SlotSpan(),
			Open:   c.hw.SPIPort,
		}, c.log)

	case "sim":
		sim := output.NewSim(c.log.With().Str("component", "sim").Logger(), cfg.ColorOrder, int64(cfg.FPS))
		if cfg.Capture.Path == "" {
			return sim, nil
		}
		// Offline capture: the packets a controller would get, on disk only.
		var ip net.IP
		if !cfg.E131.Multicast {
			ip = net.ParseIP(cfg.E131.Receiver)
		}
		w, err := capture.Create(cfg.Capture.Path, capture.Options{Receiver: ip, Port: cfg.E131.Port})
		if err != nil {
			return nil, err
		}
		e, err := c.e131Output(w)
		if err != nil {
			return nil, err
		}
		return output.Multi{sim, e}, nil
	}
	return nil, fmt.Errorf("unknown output %q", cfg.Output)
}

func (c *Core) e131Output(tr e131.Transport) (output.Output, error) {
	cfg := c.Cfg.E131
	pc := e131.Config{
		SourceName:       cfg.SourceName,
		Priority:         uint8(cfg.Priority),
		StartUniverse:    uint16(cfg.StartUniverse),
		SlotsPerUniverse: c.Cfg.ChannelsPerUniverse,
		SendTimeout:      cfg.SendTimeout,
	}
	if cfg.CID != "" {
		cid, err := uuid.Parse(cfg.CID)
		if err != nil {
			_ = tr.Close()
			return nil, fmt.Errorf("e131.cid: %w", err)
		}
		pc.CID = cid
	}
	p := e131.NewPacketizer(pc, tr)
	if _, err := p.Packets(make([]byte, c.Builder.Size())); err != nil {
		_ = tr.Close()
		return nil, err
	}
	p.OnSent = func(u uint16, slots int) {
		c.Metrics.RecordPacket(strconv.Itoa(int(u)), slots)
	}
	return output.NewE131(p), nil
}

// frame builds and sends one frame, then hands it to the preview.
func (c *Core) frame(ctx context.Context, f render.Frame) error {
	buf := c.Builder.Build(f, c.Pattern)
	err := c.Out.Send(ctx, f, buf)
	if c.Preview != nil {
		c.Preview.Publish(f, buf)
	}
	return err
}

func (c *Core) frameDone(f render.Frame, took time.Duration, err error) {
	c.Metrics.RecordFrame(took, err)
	if err != nil && c.Preview != nil {
		c.Preview.PushDiag(diag.FrameFailed(f.Index, err))
	}
}

func (c *Core) skipped(from, to int64) {
	c.Metrics.RecordSkipped(from, to)
	if c.Preview != nil {
		c.Preview.PushDiag(diag.Skipped(from, to))
	}
}

// Run drives the show until ctx is done, then closes the output. A
// cancelled context is a clean stop.
func (c *Core) Run(ctx context.Context) error {
	if c.Preview != nil {
		c.Preview.PushDiag(diag.Started(c.Model.NodeCount(), c.Model.EdgeCount(), c.Model.PixelCount(), c.Universes))
		go c.Preview.Run(ctx)
		go func() {
			c.log.Info().Str("addr", c.Cfg.Preview.Addr).Msg("preview server starting")
			if err := c.Preview.ListenAndServe(ctx, c.Cfg.Preview.Addr); err != nil {
				c.log.Error().Err(err).Msg("preview server stopped")
			}
		}()
	}
	err := c.Sched.Run(ctx)
	if cerr := c.Out.Close(); cerr != nil {
		c.log.Warn().Err(cerr).Msg("close output")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
