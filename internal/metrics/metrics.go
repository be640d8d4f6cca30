// Package metrics holds the engine's Prometheus instrumentation. All
// methods are nil-receiver safe so pipelines constructed without metrics
// (tests) need no stub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's counters and gauges behind helper methods.
type Metrics struct {
	registry *prometheus.Registry

	captureBytes     prometheus.Counter
	captureOverflows prometheus.Counter
	framesRecorded   prometheus.Counter
	bytesRecorded    prometheus.Counter
	segmentsRolled   prometheus.Counter
	framesReplayed   prometheus.Counter
	bytesReplayed    prometheus.Counter
	recordingsActive prometheus.Gauge
	replaysActive    prometheus.Gauge
	cutsActive       prometheus.Gauge
}

// New creates and registers the engine metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		captureBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dvr_capture_bytes_total",
			Help: "Bytes read from capture devices",
		}),
		captureOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dvr_capture_overflows_total",
			Help: "Capture driver overflow events",
		}),
		framesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dvr_frames_recorded_total",
			Help: "Index entries written by the recorder",
		}),
		bytesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dvr_bytes_recorded_total",
			Help: "Program stream bytes written to segment files",
		}),
		segmentsRolled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dvr_segments_rolled_total",
			Help: "Segment file rollovers",
		}),
		framesReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dvr_frames_replayed_total",
			Help: "Frames handed to the decoder device",
		}),
		bytesReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dvr_bytes_replayed_total",
			Help: "Bytes written to the decoder device",
		}),
		recordingsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dvr_recordings_active",
			Help: "Recording pipelines currently running",
		}),
		replaysActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dvr_replays_active",
			Help: "Replay pipelines currently running",
		}),
		cutsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dvr_cuts_active",
			Help: "Cutter jobs currently running",
		}),
	}

	registry.MustRegister(
		m.captureBytes,
		m.captureOverflows,
		m.framesRecorded,
		m.bytesRecorded,
		m.segmentsRolled,
		m.framesReplayed,
		m.bytesReplayed,
		m.recordingsActive,
		m.replaysActive,
		m.cutsActive,
	)
	return m
}

// Handler returns the scrape endpoint for the engine registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AddCaptureBytes counts bytes read from a capture device.
func (m *Metrics) AddCaptureBytes(n int) {
	if m != nil {
		m.captureBytes.Add(float64(n))
	}
}

// IncCaptureOverflows counts a capture overflow event.
func (m *Metrics) IncCaptureOverflows() {
	if m != nil {
		m.captureOverflows.Inc()
	}
}

// IncFramesRecorded counts one index entry written.
func (m *Metrics) IncFramesRecorded() {
	if m != nil {
		m.framesRecorded.Inc()
	}
}

// AddBytesRecorded counts bytes written to segment files.
func (m *Metrics) AddBytesRecorded(n int) {
	if m != nil {
		m.bytesRecorded.Add(float64(n))
	}
}

// IncSegmentsRolled counts a segment rollover.
func (m *Metrics) IncSegmentsRolled() {
	if m != nil {
		m.segmentsRolled.Inc()
	}
}

// IncFramesReplayed counts one frame handed to the decoder.
func (m *Metrics) IncFramesReplayed() {
	if m != nil {
		m.framesReplayed.Inc()
	}
}

// AddBytesReplayed counts bytes written to the decoder device.
func (m *Metrics) AddBytesReplayed(n int) {
	if m != nil {
		m.bytesReplayed.Add(float64(n))
	}
}

// SetRecordingsActive tracks running recording pipelines.
func (m *Metrics) SetRecordingsActive(n int) {
	if m != nil {
		m.recordingsActive.Set(float64(n))
	}
}

// SetReplaysActive tracks running replay pipelines.
func (m *Metrics) SetReplaysActive(n int) {
	if m != nil {
		m.replaysActive.Set(float64(n))
	}
}

// SetCutsActive tracks running cutter jobs.
func (m *Metrics) SetCutsActive(n int) {
	if m != nil {
		m.cutsActive.Set(float64(n))
	}
}
