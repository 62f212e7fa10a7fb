package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/broadcast"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/telemetry"
)

// Metrics holds the process counters exported to Prometheus
type Metrics struct {
	// Frame pipeline counters
	FramesReceived  atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesDropped   atomic.Uint64 // worker busy, frame skipped
	FramesAbandoned atomic.Uint64 // detector failed
	Detections      atomic.Uint64

	// Error counters
	DetectErrors atomic.Uint64
	RTPErrors    atomic.Uint64
	OfferErrors  atomic.Uint64

	// Peer tracking
	ActivePeers atomic.Int64
	TotalPeers  atomic.Uint64

	processing prometheus.Histogram
	inference  prometheus.Histogram

	registry *prometheus.Registry
}

// New creates the registry. session and hub may be nil; their gauges are
// then left out.
func New(session *telemetry.Session, hub *broadcast.Hub) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		processing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "detection_frame_processing_seconds",
			Help:    "Time from frame begin to frame end",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "detection_inference_seconds",
			Help:    "Detector call duration",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
	}

	m.registry.MustRegister(m.processing, m.inference)
	m.registerCounters()
	if session != nil {
		m.registerSession(session)
	}
	if hub != nil {
		m.registerHub(hub)
	}
	return m
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

func (m *Metrics) counter(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, fn))
}

func (m *Metrics) registerCounters() {
	m.counter("detection_frames_received_total", "Frames assembled from RTP",
		func() float64 { return float64(m.FramesReceived.Load()) })
	m.counter("detection_frames_processed_total", "Frames that completed detection",
		func() float64 { return float64(m.FramesProcessed.Load()) })
	m.counter("detection_frames_dropped_total", "Frames skipped because the stream worker was busy",
		func() float64 { return float64(m.FramesDropped.Load()) })
	m.counter("detection_frames_abandoned_total", "Frames abandoned after a detector error",
		func() float64 { return float64(m.FramesAbandoned.Load()) })
	m.counter("detection_objects_total", "Objects detected",
		func() float64 { return float64(m.Detections.Load()) })

	m.counter("detection_detect_errors_total", "Detector call failures",
		func() float64 { return float64(m.DetectErrors.Load()) })
	m.counter("detection_rtp_errors_total", "RTP read failures",
		func() float64 { return float64(m.RTPErrors.Load()) })
	m.counter("detection_offer_errors_total", "Rejected or failed WebRTC offers",
		func() float64 { return float64(m.OfferErrors.Load()) })

	m.gauge("detection_active_peers", "Connected WebRTC peers",
		func() float64 { return float64(m.ActivePeers.Load()) })
	m.counter("detection_peers_total", "WebRTC peers accepted",
		func() float64 { return float64(m.TotalPeers.Load()) })
}

func (m *Metrics) registerSession(s *telemetry.Session) {
	m.gauge("detection_rate_ratio", "Share of processed frames with at least one detection",
		func() float64 { return s.Aggregator().DetectionRate() })
	m.gauge("detection_connection_success_percent", "Connection attempts that reached connected",
		func() float64 { return s.Tracker().SuccessRate() })
	m.gauge("detection_concurrent_streams", "Active media streams",
		func() float64 { return float64(s.Tracker().Concurrency()) })
	m.gauge("detection_pending_connections", "Connection attempts without an outcome",
		func() float64 { return float64(s.Tracker().Pending()) })
	m.gauge("detection_inflight_frames", "Frames between begin and end",
		func() float64 { return float64(s.Pending()) })
	m.counter("detection_correlation_misses_total", "End events without a matching begin",
		func() float64 { return float64(s.Correlator().Misses()) })
	m.gauge("detection_uptime_seconds", "Session uptime",
		func() float64 { return s.Uptime().Seconds() })
}

func (m *Metrics) registerHub(h *broadcast.Hub) {
	m.gauge("detection_subscribers", "Registered detection stream viewers",
		func() float64 { return float64(h.Len()) })
	m.counter("detection_events_published_total", "Detection batches published",
		func() float64 { return float64(h.Stats().Published) })
	m.counter("detection_events_delivered_total", "Detection batches written to viewers",
		func() float64 { return float64(h.Stats().Delivered) })
	m.counter("detection_events_dropped_total", "Detection batches dropped on full viewer queues",
		func() float64 { return float64(h.Stats().Dropped) })
	m.counter("detection_subscribers_failed_total", "Viewers removed after a failed write",
		func() float64 { return float64(h.Stats().Failed) })
}

// ObserveFrame records one completed frame.
func (m *Metrics) ObserveFrame(processing, inference time.Duration, detections int) {
	m.FramesProcessed.Add(1)
	m.Detections.Add(uint64(detections))
	m.processing.Observe(processing.Seconds())
	m.inference.Observe(inference.Seconds())
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a metrics HTTP server on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
