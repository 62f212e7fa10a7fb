package telemetry

import (
	"sync"
	"testing"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/pkg/types"
)

func det(class string, conf float64) types.Detection {
	return types.Detection{X1: 10, Y1: 10, X2: 50, Y2: 50, Class: class, Confidence: conf}
}

func TestAggregatorRecord(t *testing.T) {
	a := NewAggregator()

	if rate := a.DetectionRate(); rate != 0 {
		t.Fatalf("DetectionRate with no frames = %v, want 0", rate)
	}

	a.Record(nil)
	m := a.Record([]types.Detection{det("person", 0.9), det("dog", 0.7), det("", 0.5)})

	if m.TotalFramesProcessed != 2 || m.FramesWithDetections != 1 || m.TotalDetections != 3 {
		t.Fatalf("unexpected totals %+v", m)
	}
	assertClose(t, "avg_confidence", m.AvgConfidence, 0.7)
	if m.DetectionCategories["unknown"] != 1 {
		t.Fatalf("empty class should count as unknown: %v", m.DetectionCategories)
	}
	assertClose(t, "rate", a.DetectionRate(), 0.5)
	assertClose(t, "per frame", a.DetectionsPerFrame(), 1.5)
}

func TestAggregatorAverageIsPerBatch(t *testing.T) {
	a := NewAggregator()
	a.Record([]types.Detection{det("person", 0.9)})
	m := a.Record([]types.Detection{det("person", 0.6), det("person", 0.8)})

	assertClose(t, "avg_confidence", m.AvgConfidence, 0.7)

	// An empty frame leaves the last batch average in place.
	m = a.Record(nil)
	assertClose(t, "avg_confidence", m.AvgConfidence, 0.7)
}

func TestAggregatorMetricsIsACopy(t *testing.T) {
	a := NewAggregator()
	a.Record([]types.Detection{det("cat", 0.8)})

	m := a.Metrics()
	m.DetectionCategories["cat"] = 100

	if got := a.Metrics().DetectionCategories["cat"]; got != 1 {
		t.Fatalf("aggregator state changed through a copy: cat=%d", got)
	}
}

func TestAggregatorTopClasses(t *testing.T) {
	a := NewAggregator()
	for class, n := range map[string]int{"a": 1, "b": 6, "c": 5, "d": 4, "e": 3, "f": 2, "g": 6} {
		for range n {
			a.Record([]types.Detection{det(class, 0.9)})
		}
	}

	top := a.TopClasses(5)
	if len(top) != 5 {
		t.Fatalf("len = %d, want 5: %v", len(top), top)
	}
	for _, class := range []string{"b", "g", "c", "d", "e"} {
		if _, ok := top[class]; !ok {
			t.Fatalf("class %s missing from %v", class, top)
		}
	}
}

func TestAggregatorConcurrentRecord(t *testing.T) {
	a := NewAggregator()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				if i%2 == 0 {
					a.Record(nil)
				} else {
					a.Record([]types.Detection{det("person", 0.9)})
				}
			}
		}()
	}
	wg.Wait()

	m := a.Metrics()
	if m.TotalFramesProcessed != 1000 || m.FramesWithDetections != 500 || m.DetectionCategories["person"] != 500 {
		t.Fatalf("lost updates: %+v", m)
	}
	if m.FramesWithDetections > m.TotalFramesProcessed {
		t.Fatal("frames_with_detections exceeds total_frames_processed")
	}
}
