package telemetry

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/logger"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/pkg/types"
)

const (
	DefaultWindowSize = 100

	// fpsSamples is how many recent processing durations feed the FPS estimate.
	fpsSamples = 10

	topClasses       = 5
	maxPrivacyEvents = 100

	// networkSampleInterval bounds how often a network snapshot is appended.
	networkSampleInterval = time.Second
)

// Options configures a Session.
type Options struct {
	WindowSize int
	Clock      Clock
	Resources  ResourceSource
	ExportDir  string
}

// Session owns the correlator, rolling windows and running totals of one
// process run. All methods are safe for concurrent use.
type Session struct {
	clock     Clock
	resources ResourceSource
	exportDir string

	corr    *Correlator
	agg     *Aggregator
	tracker *Tracker

	latencyHist       *Window[LatencyMetrics]
	computationalHist *Window[ComputationalMetrics]
	networkHist       *Window[NetworkMetrics]
	detectionHist     *Window[DetectionQualityMetrics]

	mu            sync.Mutex
	id            string
	started       time.Time
	latency       LatencyMetrics
	computational ComputationalMetrics
	network       NetworkMetrics
	device        DeviceImpactMetrics
	scalability   ScalabilityMetrics
	privacy       PrivacyMetrics
	baseline      struct {
		set         bool
		temperature float64
		battery     float64
		memSum      float64
		memSamples  int
	}
	netWindow struct {
		since          time.Time
		sent, received int64
	}
	packets struct {
		lost, received uint64
	}

	missLog     rate.Sometimes
	resourceLog rate.Sometimes
}

// New creates a session starting now.
func New(opts Options) *Session {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}

	corr := NewCorrelator(opts.Clock)
	s := &Session{
		clock:             opts.Clock,
		resources:         opts.Resources,
		exportDir:         opts.ExportDir,
		corr:              corr,
		agg:               NewAggregator(),
		tracker:           NewTracker(corr, opts.WindowSize),
		latencyHist:       NewWindow[LatencyMetrics](opts.WindowSize),
		computationalHist: NewWindow[ComputationalMetrics](opts.WindowSize),
		networkHist:       NewWindow[NetworkMetrics](opts.WindowSize),
		detectionHist:     NewWindow[DetectionQualityMetrics](opts.WindowSize),
		missLog:           rate.Sometimes{First: 3, Interval: 10 * time.Second},
		resourceLog:       rate.Sometimes{First: 1, Interval: time.Minute},
	}
	s.resetCurrentLocked()

	logger.Info("Telemetry", "Session initialized: id=%s window=%d", s.id, opts.WindowSize)
	return s
}

func (s *Session) resetCurrentLocked() {
	s.id = uuid.NewString()
	s.started = s.clock.Now()
	s.latency = LatencyMetrics{}
	s.computational = ComputationalMetrics{}
	s.network = NetworkMetrics{}
	s.device = DeviceImpactMetrics{}
	s.scalability = ScalabilityMetrics{}
	s.privacy = PrivacyMetrics{
		DataLocalProcessing: 100,
		EncryptionStatus:    true,
		PrivacyEvents:       []string{},
	}
	s.baseline.set = false
	s.baseline.temperature = 0
	s.baseline.battery = 0
	s.baseline.memSum = 0
	s.baseline.memSamples = 0
	s.netWindow.since = s.started
	s.netWindow.sent = 0
	s.netWindow.received = 0
	s.packets.lost = 0
	s.packets.received = 0
}

// Reset discards all state and starts a new session id.
func (s *Session) Reset() {
	s.corr.reset()
	s.agg.reset()
	s.tracker.reset()
	s.latencyHist.Clear()
	s.computationalHist.Clear()
	s.networkHist.Clear()
	s.detectionHist.Clear()

	s.mu.Lock()
	s.resetCurrentLocked()
	s.mu.Unlock()
}

// ID returns the session identifier.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Uptime returns the time elapsed since the session started.
func (s *Session) Uptime() time.Duration {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	return s.clock.Now().Sub(started)
}

func (s *Session) Correlator() *Correlator { return s.corr }
func (s *Session) Aggregator() *Aggregator { return s.agg }
func (s *Session) Tracker() *Tracker       { return s.tracker }

// Begin opens (kind, id). See Correlator.Begin. KindConnection pairs belong
// to the Tracker and are refused here; use Attempt instead.
func (s *Session) Begin(kind Kind, id string) bool {
	if kind == KindConnection {
		return false
	}
	return s.corr.Begin(kind, id)
}

// End closes (kind, id) and folds the duration into the current latency
// metrics. Closing a frame also appends the latency, computational and
// detection snapshots. A miss returns (0, false) and changes nothing.
// KindConnection is refused; use Succeed or AbandonAttempt.
func (s *Session) End(kind Kind, id string) (time.Duration, bool) {
	if kind == KindConnection {
		return 0, false
	}
	elapsed, ok := s.corr.End(kind, id)
	if !ok {
		s.missLog.Do(func() {
			logger.Warn("Telemetry", "End without begin: kind=%s id=%s (misses=%d)", kind, id, s.corr.Misses())
		})
		return 0, false
	}

	switch kind {
	case KindInference:
		s.mu.Lock()
		s.latency.InferenceTime = elapsed.Seconds()
		s.mu.Unlock()
	case KindFrame:
		s.closeFrame(elapsed)
	}
	return elapsed, true
}

func (s *Session) closeFrame(elapsed time.Duration) {
	// FPS is estimated from the frames closed before this one.
	recent := s.latencyHist.Recent(fpsSamples)
	durations := make([]float64, len(recent))
	for i, m := range recent {
		durations[i] = m.FrameProcessingTime
	}
	fps := fpsFromDurations(durations)

	s.mu.Lock()
	s.latency.FrameProcessingTime = elapsed.Seconds()
	s.latency.GlassToGlass = s.latency.NetworkRTT/2 + s.latency.FrameProcessingTime
	s.computational.InferenceFPS = fps
	latency := s.latency
	computational := s.computational
	s.mu.Unlock()

	s.latencyHist.Push(latency)
	s.computationalHist.Push(computational)
	s.detectionHist.Push(s.agg.Metrics())
}

// Abandon drops an open (kind, id) without measuring it. KindConnection is
// refused like in Begin.
func (s *Session) Abandon(kind Kind, id string) bool {
	if kind == KindConnection {
		return false
	}
	return s.corr.Abandon(kind, id)
}

// Record accounts for the detections of one completed frame.
func (s *Session) Record(detections []types.Detection) {
	s.agg.Record(detections)
}

func (s *Session) Attempt() (AttemptID, time.Time) {
	return s.tracker.Attempt()
}

// Succeed counts a successful connection and records its establishment time
// when the attempt is still tracked.
func (s *Session) Succeed(id AttemptID) (time.Duration, bool) {
	elapsed, ok := s.tracker.Succeed(id)
	if ok {
		s.mu.Lock()
		s.latency.WebRTCConnectionTime = elapsed.Seconds()
		s.mu.Unlock()
	}
	return elapsed, ok
}

func (s *Session) AbandonAttempt(id AttemptID) bool {
	return s.tracker.AbandonAttempt(id)
}

func (s *Session) SetConcurrency(n int) {
	s.tracker.SetConcurrency(n)
}

// RecordNetwork adds transferred byte counts. Bandwidth is derived over
// intervals of at least one second, and each completed interval appends a
// network snapshot.
func (s *Session) RecordNetwork(sent, received int64) {
	now := s.clock.Now()

	s.mu.Lock()
	s.network.TotalBytesSent += sent
	s.network.TotalBytesReceived += received
	s.privacy.DataTransmittedSize += sent
	s.netWindow.sent += sent
	s.netWindow.received += received

	dt := now.Sub(s.netWindow.since)
	if dt < networkSampleInterval {
		s.mu.Unlock()
		return
	}
	secs := dt.Seconds()
	s.network.VideoBandwidth = float64(s.netWindow.received) / secs
	s.network.DetectionBandwidth = float64(s.netWindow.sent) / secs
	s.netWindow.since = now
	s.netWindow.sent = 0
	s.netWindow.received = 0
	s.network.ConnectionSuccessRate = s.tracker.SuccessRate()
	snap := s.network
	s.mu.Unlock()

	s.networkHist.Push(snap)
}

// RecordPacketLoss adds RTP packets lost and received since the last call.
func (s *Session) RecordPacketLoss(lost, received uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.packets.lost += lost
	s.packets.received += received
	total := s.packets.lost + s.packets.received
	if total > 0 {
		s.network.PacketLossRate = float64(s.packets.lost) / float64(total) * 100
	}
}

// RecordRTT sets the latest network round-trip time.
func (s *Session) RecordRTT(rtt time.Duration) {
	s.mu.Lock()
	s.latency.NetworkRTT = rtt.Seconds()
	s.mu.Unlock()
}

// SetModelLoadTime records how long the detector took to become ready.
func (s *Session) SetModelLoadTime(d time.Duration) {
	s.mu.Lock()
	s.computational.ModelLoadTime = d.Seconds()
	s.mu.Unlock()
}

// Privacy event kinds with side effects on the privacy metrics.
const (
	PrivacyDataTransmitted = "data_transmitted"
	PrivacyIPExposure      = "ip_exposure"
)

// RecordPrivacyEvent appends a timestamped event, keeping the newest
// maxPrivacyEvents.
func (s *Session) RecordPrivacyEvent(kind, details string) {
	now := s.clock.Now()
	event := fmt.Sprintf("%s: %s - %s", now.Format(time.RFC3339Nano), kind, details)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.privacy.PrivacyEvents = append(s.privacy.PrivacyEvents, event)
	if n := len(s.privacy.PrivacyEvents); n > maxPrivacyEvents {
		s.privacy.PrivacyEvents = slices.Clone(s.privacy.PrivacyEvents[n-maxPrivacyEvents:])
	}

	switch kind {
	case PrivacyDataTransmitted:
		s.privacy.DataLocalProcessing = max(0, s.privacy.DataLocalProcessing-1)
	case PrivacyIPExposure:
		s.privacy.IPExposureCount++
	}
}

// Snapshot returns a copy of every current-value category.
func (s *Session) Snapshot() Snapshot {
	now := s.clock.Now()
	detection := s.agg.Metrics()
	successRate := s.tracker.SuccessRate()
	concurrency := s.tracker.Concurrency()

	s.mu.Lock()
	snap := Snapshot{
		SessionID:     s.id,
		Timestamp:     now,
		UptimeSeconds: now.Sub(s.started).Seconds(),
		Latency:       s.latency,
		Computational: s.computational,
		Network:       s.network,
		DeviceImpact:  s.device,
		Scalability:   s.scalability,
		Privacy:       s.privacy,
	}
	snap.Privacy.PrivacyEvents = slices.Clone(s.privacy.PrivacyEvents)
	s.mu.Unlock()

	snap.DetectionQuality = detection
	snap.Network.ConnectionSuccessRate = successRate
	snap.Scalability.ConcurrentUsers = concurrency
	if snap.UptimeSeconds > 0 {
		snap.Scalability.Throughput = float64(detection.TotalFramesProcessed) / snap.UptimeSeconds
	}
	return snap
}

// Statistics derives summaries over the rolling windows. Only positive
// samples enter the latency and FPS summaries.
func (s *Session) Statistics() Statistics {
	var st Statistics

	latency := s.latencyHist.All()
	inference := make([]float64, 0, len(latency))
	processing := make([]float64, 0, len(latency))
	for _, m := range latency {
		inference = append(inference, m.InferenceTime)
		processing = append(processing, m.FrameProcessingTime)
	}
	var ls LatencyStatistics
	if sum, ok := Summarize(positive(inference)); ok {
		ls.Inference = &sum
	}
	if sum, ok := Summarize(positive(processing)); ok {
		ls.FrameProcessing = &sum
	}
	if ls.Inference != nil || ls.FrameProcessing != nil {
		st.Latency = &ls
	}

	computational := s.computationalHist.All()
	fps := make([]float64, 0, len(computational))
	for _, m := range computational {
		fps = append(fps, m.InferenceFPS)
	}
	if sum, ok := Summarize(positive(fps)); ok {
		st.Performance = &sum
	}

	st.Detection = DetectionStatistics{
		DetectionRate:         s.agg.DetectionRate() * 100,
		AvgDetectionsPerFrame: s.agg.DetectionsPerFrame(),
		MostDetectedClasses:   s.agg.TopClasses(topClasses),
	}
	st.Connection = s.tracker.Stats()
	return st
}

// History copies every rolling window, oldest first.
func (s *Session) History() History {
	return History{
		Latency:       s.latencyHist.All(),
		Computational: s.computationalHist.All(),
		Network:       s.networkHist.All(),
		Detection:     s.detectionHist.All(),
	}
}

// Recent returns up to count of the newest snapshots of a category, oldest
// first, as a slice of the category's metric type.
func (s *Session) Recent(cat Category, count int) any {
	switch cat {
	case CategoryLatency:
		return s.latencyHist.Recent(count)
	case CategoryComputational:
		return s.computationalHist.Recent(count)
	case CategoryNetwork:
		return s.networkHist.Recent(count)
	case CategoryDetection:
		return s.detectionHist.Recent(count)
	}
	return nil
}

// CategoryStatistics summarizes every numeric field of a category's window.
// An empty window yields an empty map; an unknown category yields nil.
func (s *Session) CategoryStatistics(cat Category) map[string]Summary {
	switch cat {
	case CategoryLatency:
		return summarizeFields(s.latencyHist.All(), latencyFields)
	case CategoryComputational:
		return summarizeFields(s.computationalHist.All(), computationalFields)
	case CategoryNetwork:
		return summarizeFields(s.networkHist.All(), networkFields)
	case CategoryDetection:
		return summarizeFields(s.detectionHist.All(), detectionFields)
	}
	return nil
}

// Pending returns the number of open frame units.
func (s *Session) Pending() int {
	return s.corr.Open(KindFrame)
}
