package telemetry

import (
	"testing"
	"time"
)

func TestTrackerSuccessRate(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(NewCorrelator(clock), 10)

	if rate := tr.SuccessRate(); rate != 0 {
		t.Fatalf("rate with no attempts = %v, want 0", rate)
	}

	id, started := tr.Attempt()
	if !started.Equal(clock.Now()) {
		t.Fatalf("start = %v, want %v", started, clock.Now())
	}
	if rate := tr.SuccessRate(); rate != 0 {
		t.Fatalf("rate after unmatched attempt = %v, want 0", rate)
	}

	clock.Advance(250 * time.Millisecond)
	elapsed, ok := tr.Succeed(id)
	if !ok || elapsed != 250*time.Millisecond {
		t.Fatalf("Succeed = (%v, %v), want (250ms, true)", elapsed, ok)
	}
	assertClose(t, "rate", tr.SuccessRate(), 100)

	tr.Attempt()
	assertClose(t, "rate", tr.SuccessRate(), 50)
}

func TestTrackerUnknownSuccessCountsWithoutLatency(t *testing.T) {
	tr := NewTracker(NewCorrelator(newFakeClock()), 10)
	tr.Attempt()

	if _, ok := tr.Succeed(AttemptID(99)); ok {
		t.Fatal("unknown attempt should not report a latency")
	}
	assertClose(t, "rate", tr.SuccessRate(), 100)

	st := tr.Stats()
	if st.EstablishTime != nil {
		t.Fatalf("EstablishTime = %+v, want nil", st.EstablishTime)
	}
	if st.Pending != 1 {
		t.Fatalf("Pending = %d, want 1", st.Pending)
	}
}

func TestTrackerRateIsCapped(t *testing.T) {
	tr := NewTracker(NewCorrelator(newFakeClock()), 10)
	tr.Succeed(AttemptID(1))
	tr.Succeed(AttemptID(2))

	if rate := tr.SuccessRate(); rate < 0 || rate > 100 {
		t.Fatalf("rate = %v, want within [0,100]", rate)
	}
}

func TestTrackerAbandonAttempt(t *testing.T) {
	tr := NewTracker(NewCorrelator(newFakeClock()), 10)
	id, _ := tr.Attempt()

	if !tr.AbandonAttempt(id) {
		t.Fatal("AbandonAttempt should drop the pending attempt")
	}
	if tr.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0", tr.Pending())
	}
	if _, ok := tr.Succeed(id); ok {
		t.Fatal("abandoned attempt should not correlate")
	}
}

func TestTrackerConcurrencyIsAGauge(t *testing.T) {
	tr := NewTracker(NewCorrelator(newFakeClock()), 10)

	tr.SetConcurrency(3)
	tr.SetConcurrency(1)
	if got := tr.Concurrency(); got != 1 {
		t.Fatalf("Concurrency = %d, want 1", got)
	}
	tr.SetConcurrency(-2)
	if got := tr.Concurrency(); got != 0 {
		t.Fatalf("Concurrency = %d, want 0", got)
	}
}
