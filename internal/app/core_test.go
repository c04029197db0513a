package app

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spitest"

	"github.com/coreman2200/funtimes-sandestin/internal/capture"
	"github.com/coreman2200/funtimes-sandestin/internal/config"
	"github.com/coreman2200/funtimes-sandestin/internal/e131"
	"github.com/coreman2200/funtimes-sandestin/internal/output"
	"github.com/coreman2200/funtimes-sandestin/internal/render"
	"github.com/coreman2200/funtimes-sandestin/internal/scheduler"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }
func (c *stepClock) SleepUntil(ctx context.Context, t time.Time) error {
	if t.After(c.now) {
		c.now = t
	}
	return ctx.Err()
}

type recordOutput struct {
	frames []render.Frame
	sizes  []int
	err    error
	closed bool
}

func (r *recordOutput) Send(_ context.Context, f render.Frame, buf []byte) error {
	r.frames = append(r.frames, f)
	r.sizes = append(r.sizes, len(buf))
	return r.err
}
func (r *recordOutput) Close() error { r.closed = true; return nil }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Preview.Addr = ""
	return cfg
}

func TestInitCoreReferenceShow(t *testing.T) {
	out := &recordOutput{}
	c, err := InitCore(testConfig(), Hardware{Out: out, Clock: &stepClock{now: time.Unix(0, 0)}}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, 28, c.Model.NodeCount())
	assert.Equal(t, 14, c.Model.EdgeCount())
	assert.Equal(t, 2520, c.Model.PixelCount())
	assert.Equal(t, 10080, c.Builder.Size())
	assert.Equal(t, 20, c.Universes)
	assert.Equal(t, "hue", c.Pattern.Name())

	for i := 0; i < 5; i++ {
		_, err := c.Sched.Tick(context.Background())
		require.NoError(t, err)
	}
	require.Len(t, out.frames, 5)
	assert.Equal(t, time.Unix(0, 0).Add(25*time.Millisecond), out.frames[0].DisplayTime)
	assert.Equal(t, []int{10080, 10080, 10080, 10080, 10080}, out.sizes)
	assert.Equal(t, 5.0, testutil.ToFloat64(c.Metrics.FramesTotal))
	assert.Equal(t, 2520.0, testutil.ToFloat64(c.Metrics.ModelPixels))
}

func TestDefaultConfigDrivesSPIStrip(t *testing.T) {
	cfg := testConfig()
	cfg.Output = "spi"
	var wire bytes.Buffer
	c, err := InitCore(cfg, Hardware{
		Clock: &stepClock{now: time.Unix(0, 0)},
		SPIPort: func(string) (spi.PortCloser, error) {
			return spitest.NewRecordRaw(&wire), nil
		},
	}, zerolog.Nop())
	require.NoError(t, err)

	_, err = c.Sched.Tick(context.Background())
	require.NoError(t, err)
	// 2520 GRBW pixels, four wire bytes per channel byte, three byte latch.
	assert.Equal(t, 4*10080+3, wire.Len())
	require.NoError(t, c.Out.Close())
}

func TestPowerBudgetWired(t *testing.T) {
	cfg := testConfig()
	cfg.Pattern.Name = "solid"
	cfg.Power.BudgetMA = 10000
	c, err := InitCore(cfg, Hardware{Out: &recordOutput{}}, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, c.Builder.Limiter)

	buf := c.Builder.Build(render.Frame{Index: 1}, c.Pattern)
	var sum float64
	for _, v := range buf {
		sum += float64(v)
	}
	// Quantization can add up to half a step per pixel.
	assert.InDelta(t, 10000.0, sum/255*cfg.Power.ChanMA, 100)
}

func TestFrameFailureCounted(t *testing.T) {
	out := &recordOutput{err: errors.New("unplugged")}
	c, err := InitCore(testConfig(), Hardware{Out: out, Clock: &stepClock{now: time.Unix(0, 0)}}, zerolog.Nop())
	require.NoError(t, err)

	_, err = c.Sched.Tick(context.Background())
	assert.Error(t, err)
	_, err = c.Sched.Tick(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Metrics.FrameFailuresTotal))
	assert.Equal(t, int64(2), c.Sched.Stats().Failures)
}

func TestInitCoreRejects(t *testing.T) {
	cfg := testConfig()
	cfg.Pattern.Name = "plasma"
	_, err := InitCore(cfg, Hardware{Out: &recordOutput{}}, zerolog.Nop())
	assert.ErrorContains(t, err, `unknown pattern "plasma"`)

	cfg = testConfig()
	cfg.FPS = 0
	_, err = InitCore(cfg, Hardware{Out: &recordOutput{}}, zerolog.Nop())
	assert.ErrorContains(t, err, "invalid config")
}

func TestSimWithCaptureWritesEveryUniverse(t *testing.T) {
	cfg := testConfig()
	cfg.Output = "sim"
	cfg.Capture.Path = filepath.Join(t.TempDir(), "show.pcap")
	c, err := InitCore(cfg, Hardware{Clock: &stepClock{now: time.Unix(0, 0)}}, zerolog.Nop())
	require.NoError(t, err)
	require.IsType(t, output.Multi{}, c.Out)

	for i := 0; i < 2; i++ {
		_, err := c.Sched.Tick(context.Background())
		require.NoError(t, err)
	}
	require.NoError(t, c.Out.Close())

	recs, err := capture.ReadFile(cfg.Capture.Path, e131.DefaultPort)
	require.NoError(t, err)
	// Two frames of 20 universes, then three terminate packets per universe.
	require.Len(t, recs, 2*20+3*20)
	assert.Equal(t, uint16(1), recs[0].Packet.Universe)
	assert.Equal(t, uint16(20), recs[19].Packet.Universe)
	assert.Equal(t, uint8(1), recs[20].Packet.Sequence)
	assert.Equal(t, "sandestin", recs[0].Packet.SourceName)
	assert.Equal(t, 5.0, testutil.ToFloat64(c.Metrics.PacketsSentTotal.WithLabelValues("1")))
}

func TestRunClosesOutputOnCancel(t *testing.T) {
	out := &recordOutput{}
	ctx, cancel := context.WithCancel(context.Background())
	clock := &cancelClock{stepClock: stepClock{now: time.Unix(0, 0)}, after: 3, cancel: cancel}
	c, err := InitCore(testConfig(), Hardware{Out: out, Clock: clock}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, c.Run(ctx))
	assert.True(t, out.closed)
	assert.Len(t, out.frames, 3)
	assert.Equal(t, scheduler.Idle, c.Sched.Stats().State)
}

// cancelClock cancels the run once it has been asked to sleep after times.
type cancelClock struct {
	stepClock
	after  int
	sleeps int
	cancel context.CancelFunc
}

func (c *cancelClock) SleepUntil(ctx context.Context, t time.Time) error {
	if c.sleeps == c.after {
		c.cancel()
	}
	c.sleeps++
	return c.stepClock.SleepUntil(ctx, t)
}
