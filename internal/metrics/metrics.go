// Package metrics exposes the show loop's counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric on a private prometheus registry, so tests and
// multiple instances never collide on the global one.
type Registry struct {
	FramesTotal        prometheus.Counter
	FrameFailuresTotal prometheus.Counter
	FramesSkippedTotal prometheus.Counter
	FrameDuration      prometheus.Histogram
	PacketsSentTotal   *prometheus.CounterVec
	SlotsSentTotal     prometheus.Counter
	ModelPixels        prometheus.Gauge
	ModelUniverses     prometheus.Gauge
	PreviewClients     prometheus.Gauge

	registry *prometheus.Registry
}

func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.initFrameMetrics()
	r.initOutputMetrics()
	r.initModelMetrics()
	return r
}

func (r *Registry) initFrameMetrics() {
	f := promauto.With(r.registry)
	r.FramesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "sandestin_frames_total",
		Help: "Frames produced by the scheduler",
	})
	r.FrameFailuresTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "sandestin_frame_failures_total",
		Help: "Frames whose send was aborted",
	})
	r.FramesSkippedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "sandestin_frames_skipped_total",
		Help: "Frame indices never produced because the loop overran",
	})
	r.FrameDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "sandestin_frame_duration_seconds",
		Help:    "Time spent building and sending one frame",
		Buckets: []float64{.001, .0025, .005, .01, .015, .02, .025, .05, .1},
	})
}

func (r *Registry) initOutputMetrics() {
	f := promauto.With(r.registry)
	r.PacketsSentTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "sandestin_e131_packets_sent_total",
		Help: "E1.31 data packets sent, by universe",
	}, []string{"universe"})
	r.SlotsSentTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "sandestin_e131_slots_sent_total",
		Help: "DMX slots carried by sent packets",
	})
}

func (r *Registry) initModelMetrics() {
	f := promauto.With(r.registry)
	r.ModelPixels = f.NewGauge(prometheus.GaugeOpts{
		Name: "sandestin_model_pixels",
		Help: "Pixels in the loaded model",
	})
	r.ModelUniverses = f.NewGauge(prometheus.GaugeOpts{
		Name: "sandestin_model_universes",
		Help: "Universes needed to carry one frame",
	})
	r.PreviewClients = f.NewGauge(prometheus.GaugeOpts{
		Name: "sandestin_preview_clients",
		Help: "Connected preview websocket clients",
	})
}

// RecordFrame counts one produced frame.
func (r *Registry) RecordFrame(took time.Duration, err error) {
	r.FramesTotal.Inc()
	r.FrameDuration.Observe(took.Seconds())
	if err != nil {
		r.FrameFailuresTotal.Inc()
	}
}

// RecordSkipped counts the indices strictly between from and to.
func (r *Registry) RecordSkipped(from, to int64) {
	if n := to - from - 1; n > 0 {
		r.FramesSkippedTotal.Add(float64(n))
	}
}

func (r *Registry) RecordPacket(universe string, slots int) {
	r.PacketsSentTotal.WithLabelValues(universe).Inc()
	r.SlotsSentTotal.Add(float64(slots))
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
