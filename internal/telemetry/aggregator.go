package telemetry

import (
	"sort"
	"sync"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/pkg/types"
)

const unknownClass = "unknown"

// Aggregator keeps the running detection totals of a session.
type Aggregator struct {
	mu sync.Mutex
	m  DetectionQualityMetrics
}

func NewAggregator() *Aggregator {
	return &Aggregator{m: DetectionQualityMetrics{DetectionCategories: map[string]int{}}}
}

// Record accounts for one completed frame. It must be called exactly once per
// frame, including frames without detections. AvgConfidence is the mean of
// this batch only, not a cumulative average. The returned copy reflects the
// totals after the update.
func (a *Aggregator) Record(detections []types.Detection) DetectionQualityMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.m.TotalFramesProcessed++
	if len(detections) == 0 {
		return a.m.clone()
	}

	a.m.FramesWithDetections++
	a.m.TotalDetections += len(detections)

	var sum float64
	for _, d := range detections {
		sum += d.Confidence
		class := d.Class
		if class == "" {
			class = unknownClass
		}
		a.m.DetectionCategories[class]++
	}
	a.m.AvgConfidence = sum / float64(len(detections))

	return a.m.clone()
}

// Metrics returns a copy of the current totals.
func (a *Aggregator) Metrics() DetectionQualityMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.m.clone()
}

// DetectionRate returns frames_with_detections / max(1, total_frames) in [0,1].
func (a *Aggregator) DetectionRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return float64(a.m.FramesWithDetections) / float64(max(1, a.m.TotalFramesProcessed))
}

// DetectionsPerFrame returns the mean number of detections per processed frame.
func (a *Aggregator) DetectionsPerFrame() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return float64(a.m.TotalDetections) / float64(max(1, a.m.TotalFramesProcessed))
}

// TopClasses returns the n most detected classes with their counts. Ties are
// broken by class name so the result is stable.
func (a *Aggregator) TopClasses(n int) map[string]int {
	a.mu.Lock()
	type classCount struct {
		class string
		count int
	}
	counts := make([]classCount, 0, len(a.m.DetectionCategories))
	for class, count := range a.m.DetectionCategories {
		counts = append(counts, classCount{class, count})
	}
	a.mu.Unlock()

	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].class < counts[j].class
	})

	top := make(map[string]int, min(n, len(counts)))
	for i := 0; i < len(counts) && i < n; i++ {
		top[counts[i].class] = counts[i].count
	}
	return top
}

// TotalFrames returns the number of frames recorded.
func (a *Aggregator) TotalFrames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.m.TotalFramesProcessed
}

func (a *Aggregator) reset() {
	a.mu.Lock()
	a.m = DetectionQualityMetrics{DetectionCategories: map[string]int{}}
	a.mu.Unlock()
}
