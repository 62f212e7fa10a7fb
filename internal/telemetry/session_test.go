package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/pkg/types"
)

func TestSessionFrameScenario(t *testing.T) {
	s, clock := newTestSession(t, 10)

	s.Begin(KindFrame, "f1")
	clock.Advance(10 * time.Millisecond)
	s.Begin(KindInference, "f1")
	clock.Advance(20 * time.Millisecond)

	inference, ok := s.End(KindInference, "f1")
	if !ok {
		t.Fatal("inference End should match")
	}
	assertClose(t, "inference", inference.Seconds(), 0.02)

	s.Record([]types.Detection{{X1: 10, Y1: 10, X2: 50, Y2: 50, Class: "person", Confidence: 0.9}})
	dq := s.Snapshot().DetectionQuality
	if dq.TotalFramesProcessed != 1 || dq.FramesWithDetections != 1 {
		t.Fatalf("unexpected detection totals %+v", dq)
	}
	if len(dq.DetectionCategories) != 1 || dq.DetectionCategories["person"] != 1 {
		t.Fatalf("categories = %v, want map[person:1]", dq.DetectionCategories)
	}
	assertClose(t, "avg_confidence", dq.AvgConfidence, 0.9)

	clock.Advance(10 * time.Millisecond)
	frame, ok := s.End(KindFrame, "f1")
	if !ok {
		t.Fatal("frame End should match")
	}
	assertClose(t, "frame", frame.Seconds(), 0.04)
	if s.Pending() != 0 || s.Correlator().Len() != 0 {
		t.Fatalf("in-flight entries remain: pending=%d open=%d", s.Pending(), s.Correlator().Len())
	}

	h := s.History()
	if len(h.Latency) != 1 || len(h.Computational) != 1 || len(h.Detection) != 1 {
		t.Fatalf("history lengths latency=%d computational=%d detection=%d, want 1 each",
			len(h.Latency), len(h.Computational), len(h.Detection))
	}
	assertClose(t, "history inference", h.Latency[0].InferenceTime, 0.02)
	assertClose(t, "history processing", h.Latency[0].FrameProcessingTime, 0.04)
}

func TestSessionEndMissHasNoSideEffect(t *testing.T) {
	s, _ := newTestSession(t, 10)

	if d, ok := s.End(KindFrame, "missing"); ok || d != 0 {
		t.Fatalf("End = (%v, %v), want (0, false)", d, ok)
	}
	if n := len(s.History().Latency); n != 0 {
		t.Fatalf("latency history has %d entries after a miss, want 0", n)
	}
	if s.Snapshot().Latency != (LatencyMetrics{}) {
		t.Fatal("current latency changed after a miss")
	}
}

func closeFrame(t *testing.T, s *Session, clock *fakeClock, id string, d time.Duration) {
	t.Helper()
	s.Begin(KindFrame, id)
	clock.Advance(d)
	s.Record(nil)
	if _, ok := s.End(KindFrame, id); !ok {
		t.Fatalf("End(%s) missed", id)
	}
}

func TestSessionFPSUsesPriorFrames(t *testing.T) {
	s, clock := newTestSession(t, 100)

	closeFrame(t, s, clock, "a", 50*time.Millisecond)
	if fps := s.Snapshot().Computational.InferenceFPS; fps != 0 {
		t.Fatalf("fps after first frame = %v, want 0", fps)
	}

	closeFrame(t, s, clock, "b", 50*time.Millisecond)
	closeFrame(t, s, clock, "c", 100*time.Millisecond)
	// Estimated from a and b only.
	assertClose(t, "fps", s.Snapshot().Computational.InferenceFPS, 20)

	st := s.Statistics()
	if st.Performance == nil || st.Performance.Count != 2 {
		t.Fatalf("performance = %+v, want 2 positive fps samples", st.Performance)
	}
	if st.Latency == nil || st.Latency.FrameProcessing == nil || st.Latency.FrameProcessing.Count != 3 {
		t.Fatalf("latency stats = %+v", st.Latency)
	}
	if st.Latency.Inference != nil {
		t.Fatal("no inference was measured, inference stats should be absent")
	}
}

func TestSessionFPSWindowIsLastTen(t *testing.T) {
	s, clock := newTestSession(t, 100)

	for i := range 5 {
		closeFrame(t, s, clock, fmt.Sprintf("slow%d", i), time.Second)
	}
	for i := range 10 {
		closeFrame(t, s, clock, fmt.Sprintf("fast%d", i), 100*time.Millisecond)
	}
	closeFrame(t, s, clock, "last", 100*time.Millisecond)

	assertClose(t, "fps", s.Snapshot().Computational.InferenceFPS, 10)
}

func TestSessionStatisticsEmpty(t *testing.T) {
	s, _ := newTestSession(t, 10)

	st := s.Statistics()
	if st.Latency != nil || st.Performance != nil {
		t.Fatalf("empty session produced summaries: %+v", st)
	}
	if st.Detection.DetectionRate != 0 || len(st.Detection.MostDetectedClasses) != 0 {
		t.Fatalf("unexpected detection stats %+v", st.Detection)
	}
	for _, cat := range Categories {
		if got := s.CategoryStatistics(cat); got == nil || len(got) != 0 {
			t.Fatalf("CategoryStatistics(%s) = %v, want empty map", cat, got)
		}
	}
	if s.CategoryStatistics("bogus") != nil {
		t.Fatal("unknown category should yield nil")
	}
}

func TestSessionCategoryStatistics(t *testing.T) {
	s, clock := newTestSession(t, 10)
	closeFrame(t, s, clock, "a", 20*time.Millisecond)
	closeFrame(t, s, clock, "b", 40*time.Millisecond)

	stats := s.CategoryStatistics(CategoryLatency)
	proc, ok := stats["frame_processing_time"]
	if !ok {
		t.Fatalf("frame_processing_time missing from %v", stats)
	}
	assertClose(t, "mean", proc.Mean, 0.03)
	assertClose(t, "min", proc.Min, 0.02)
	assertClose(t, "max", proc.Max, 0.04)

	det := s.CategoryStatistics(CategoryDetection)
	assertClose(t, "frames", det["total_frames_processed"].Max, 2)
}

func TestSessionRollingWindowBound(t *testing.T) {
	s, clock := newTestSession(t, 5)
	for i := range 12 {
		closeFrame(t, s, clock, fmt.Sprintf("f%d", i), time.Duration(i+1)*time.Millisecond)
	}

	h := s.History()
	if len(h.Latency) != 5 || len(h.Detection) != 5 {
		t.Fatalf("history exceeds capacity: latency=%d detection=%d", len(h.Latency), len(h.Detection))
	}
	assertClose(t, "oldest", h.Latency[0].FrameProcessingTime, 0.008)
	if h.Detection[4].TotalFramesProcessed != 12 {
		t.Fatalf("newest detection snapshot = %+v", h.Detection[4])
	}
	if got := s.Snapshot().DetectionQuality.TotalFramesProcessed; got != 12 {
		t.Fatalf("running total = %d, want 12", got)
	}
}

func TestSessionConnectionLifecycle(t *testing.T) {
	s, clock := newTestSession(t, 10)

	id, _ := s.Attempt()
	s.Attempt()
	clock.Advance(300 * time.Millisecond)
	s.Succeed(id)
	s.SetConcurrency(1)

	snap := s.Snapshot()
	assertClose(t, "success rate", snap.Network.ConnectionSuccessRate, 50)
	assertClose(t, "connect time", snap.Latency.WebRTCConnectionTime, 0.3)
	if snap.Scalability.ConcurrentUsers != 1 {
		t.Fatalf("ConcurrentUsers = %d, want 1", snap.Scalability.ConcurrentUsers)
	}

	st := s.Statistics().Connection
	if st.Attempts != 2 || st.Successes != 1 || st.Pending != 1 {
		t.Fatalf("unexpected connection stats %+v", st)
	}
}

func TestSessionRefusesTrackerOwnedPairs(t *testing.T) {
	s, clock := newTestSession(t, 10)

	id, _ := s.Attempt()
	clock.Advance(200 * time.Millisecond)
	s.Succeed(id)
	other, _ := s.Attempt()
	clock.Advance(900 * time.Millisecond)

	if _, ok := s.End(KindConnection, other.String()); ok {
		t.Fatal("End must not close a tracked attempt")
	}
	if s.Abandon(KindConnection, other.String()) {
		t.Fatal("Abandon must not drop a tracked attempt")
	}
	if s.Begin(KindConnection, "manual") {
		t.Fatal("Begin must not open a connection pair")
	}
	if got := s.Tracker().Pending(); got != 1 {
		t.Fatalf("Pending = %d, want 1", got)
	}
	if got := s.Correlator().Misses(); got != 0 {
		t.Fatalf("refused calls counted as misses: %d", got)
	}
	assertClose(t, "connect time", s.Snapshot().Latency.WebRTCConnectionTime, 0.2)

	if _, ok := s.Succeed(other); !ok {
		t.Fatal("the attempt should still be tracked")
	}
}

func TestSessionRecordNetwork(t *testing.T) {
	s, clock := newTestSession(t, 10)

	s.RecordNetwork(100, 1000)
	if n := len(s.History().Network); n != 0 {
		t.Fatalf("network snapshot appended before the interval elapsed: %d", n)
	}

	clock.Advance(2 * time.Second)
	s.RecordNetwork(100, 3000)

	h := s.History().Network
	if len(h) != 1 {
		t.Fatalf("network history = %d entries, want 1", len(h))
	}
	assertClose(t, "video bandwidth", h[0].VideoBandwidth, 2000)
	assertClose(t, "detection bandwidth", h[0].DetectionBandwidth, 100)

	snap := s.Snapshot()
	if snap.Network.TotalBytesSent != 200 || snap.Network.TotalBytesReceived != 4000 {
		t.Fatalf("totals = %+v", snap.Network)
	}
	if snap.Privacy.DataTransmittedSize != 200 {
		t.Fatalf("DataTransmittedSize = %d, want 200", snap.Privacy.DataTransmittedSize)
	}
}

func TestSessionPacketLoss(t *testing.T) {
	s, _ := newTestSession(t, 10)
	s.RecordPacketLoss(1, 99)
	s.RecordPacketLoss(1, 99)
	assertClose(t, "loss", s.Snapshot().Network.PacketLossRate, 1)
}

func TestSessionPrivacyEvents(t *testing.T) {
	s, _ := newTestSession(t, 10)

	s.RecordPrivacyEvent(PrivacyDataTransmitted, "detections to viewer")
	s.RecordPrivacyEvent(PrivacyIPExposure, "host candidate")
	for range maxPrivacyEvents {
		s.RecordPrivacyEvent("note", "")
	}

	p := s.Snapshot().Privacy
	if len(p.PrivacyEvents) != maxPrivacyEvents {
		t.Fatalf("events = %d, want %d", len(p.PrivacyEvents), maxPrivacyEvents)
	}
	assertClose(t, "local processing", p.DataLocalProcessing, 99)
	if p.IPExposureCount != 1 || !p.EncryptionStatus {
		t.Fatalf("unexpected privacy metrics %+v", p)
	}
	if !strings.Contains(p.PrivacyEvents[0], "note") {
		t.Fatalf("oldest events should have been evicted, got %q", p.PrivacyEvents[0])
	}
}

type sourceFunc func(ctx context.Context) (Resources, error)

func (f sourceFunc) Sample(ctx context.Context) (Resources, error) { return f(ctx) }

func TestSessionObserveResources(t *testing.T) {
	src := sourceFunc(func(context.Context) (Resources, error) {
		return Resources{CPUPercent: 12, SystemMemoryPercent: 40, MemoryMB: 200, TemperatureC: 50}, nil
	})
	s := New(Options{Clock: newFakeClock(), Resources: src})

	if err := s.SampleResources(context.Background()); err != nil {
		t.Fatalf("SampleResources: %v", err)
	}
	s.ObserveResources(Resources{CPUPercent: 30, MemoryMB: 400, TemperatureC: 55})

	snap := s.Snapshot()
	assertClose(t, "background cpu", snap.DeviceImpact.BackgroundCPU, 12)
	assertClose(t, "peak memory", snap.DeviceImpact.PeakMemory, 400)
	assertClose(t, "average memory", snap.DeviceImpact.AverageMemory, 300)
	assertClose(t, "thermal", snap.DeviceImpact.ThermalImpact, 5)
	assertClose(t, "cpu", snap.Computational.CPUUsage, 30)
}

func TestSessionResourceFailureKeepsValues(t *testing.T) {
	fail := sourceFunc(func(context.Context) (Resources, error) {
		return Resources{}, errors.New("unavailable")
	})
	s := New(Options{Clock: newFakeClock(), Resources: fail})
	s.ObserveResources(Resources{CPUPercent: 5})

	if err := s.SampleResources(context.Background()); err == nil {
		t.Fatal("expected the source error")
	}
	assertClose(t, "cpu", s.Snapshot().Computational.CPUUsage, 5)
}

func TestSessionExportEmpty(t *testing.T) {
	s, _ := newTestSession(t, 10)

	path, err := s.Export("")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if filepath.Base(path) != "metrics_session_"+s.ID()+".json" {
		t.Fatalf("unexpected default path %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var doc struct {
		Metadata struct {
			SessionID   string `json:"session_id"`
			TotalFrames int    `json:"total_frames"`
		} `json:"metadata"`
		CurrentMetrics map[string]any              `json:"current_metrics"`
		Statistics     map[string]any              `json:"statistics"`
		RawHistory     map[string]*json.RawMessage `json:"raw_history"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("invalid export document: %v", err)
	}
	if doc.Metadata.TotalFrames != 0 || doc.Metadata.SessionID != s.ID() {
		t.Fatalf("unexpected metadata %+v", doc.Metadata)
	}
	if doc.CurrentMetrics == nil || doc.Statistics == nil {
		t.Fatal("current_metrics and statistics must be present")
	}
	for _, cat := range Categories {
		raw := doc.RawHistory[string(cat)]
		if raw == nil || string(*raw) != "[]" {
			t.Fatalf("raw_history.%s = %v, want []", cat, raw)
		}
	}
}

func TestSessionExportExplicitPath(t *testing.T) {
	s, clock := newTestSession(t, 10)
	closeFrame(t, s, clock, "a", 10*time.Millisecond)

	want := filepath.Join(t.TempDir(), "nested", "out.json")
	path, err := s.Export(want)
	if err != nil || path != want {
		t.Fatalf("Export = (%q, %v), want (%q, nil)", path, err, want)
	}

	var doc ExportDocument
	data, _ := os.ReadFile(path)
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if doc.Metadata.TotalFrames != 1 || len(doc.RawHistory.Latency) != 1 {
		t.Fatalf("unexpected document %+v", doc.Metadata)
	}
}

func TestSessionExportFailure(t *testing.T) {
	s, _ := newTestSession(t, 10)

	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := s.Export(filepath.Join(blocker, "out.json"))
	if !errors.Is(err, ErrExport) {
		t.Fatalf("err = %v, want ErrExport", err)
	}
	if errors.Is(err, ErrResourceExhausted) {
		t.Fatal("a path error is not resource exhaustion")
	}
}

func TestExportErrorClassifiesExhaustion(t *testing.T) {
	err := exportError(&os.PathError{Op: "write", Path: "x", Err: syscall.ENOSPC})
	if !errors.Is(err, ErrExport) || !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("err = %v, want ErrExport and ErrResourceExhausted", err)
	}
}

func TestSessionReset(t *testing.T) {
	s, clock := newTestSession(t, 10)
	id := s.ID()
	closeFrame(t, s, clock, "a", 10*time.Millisecond)
	s.Attempt()
	s.Begin(KindFrame, "open")

	s.Reset()

	if s.ID() == id {
		t.Fatal("Reset should start a new session id")
	}
	if s.Correlator().Len() != 0 || len(s.History().Latency) != 0 {
		t.Fatal("Reset left state behind")
	}
	if snap := s.Snapshot(); snap.DetectionQuality.TotalFramesProcessed != 0 || snap.Network.ConnectionSuccessRate != 0 {
		t.Fatalf("Reset left totals behind: %+v", snap)
	}
}

func TestSessionConcurrentProducersAndReaders(t *testing.T) {
	s := New(Options{WindowSize: 50})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readers sync.WaitGroup
	for range 2 {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for ctx.Err() == nil {
				snap := s.Snapshot()
				if snap.DetectionQuality.FramesWithDetections > snap.DetectionQuality.TotalFramesProcessed {
					t.Error("frames_with_detections exceeds total_frames_processed")
					return
				}
				s.Statistics()
				s.History()
			}
		}()
	}

	var producers sync.WaitGroup
	for stream := range 8 {
		producers.Add(1)
		go func() {
			defer producers.Done()
			streamID := fmt.Sprintf("peer-%d", stream)
			for range 100 {
				id := NextFrameID(streamID)
				s.Begin(KindFrame, id)
				s.Begin(KindInference, id)
				s.End(KindInference, id)
				s.Record([]types.Detection{{X1: 0, Y1: 0, X2: 1, Y2: 1, Class: streamID, Confidence: 0.8}})
				s.End(KindFrame, id)
				s.SetConcurrency(stream)
			}
		}()
	}
	producers.Wait()
	cancel()
	readers.Wait()

	snap := s.Snapshot()
	if snap.DetectionQuality.TotalFramesProcessed != 800 || snap.DetectionQuality.TotalDetections != 800 {
		t.Fatalf("lost updates: %+v", snap.DetectionQuality)
	}
	if s.Correlator().Len() != 0 {
		t.Fatalf("open pairs remain: %d", s.Correlator().Len())
	}
	if n := len(s.History().Latency); n != 50 {
		t.Fatalf("latency history = %d, want 50", n)
	}
}
