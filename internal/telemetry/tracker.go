package telemetry

import (
	"strconv"
	"sync"
	"time"
)

// AttemptID identifies one connection attempt within a session.
type AttemptID uint64

func (id AttemptID) String() string { return strconv.FormatUint(uint64(id), 10) }

// Tracker counts connection attempts and successes and holds the current
// concurrency gauge. Attempt start times are correlated through the shared
// Correlator under KindConnection.
type Tracker struct {
	corr *Correlator

	mu          sync.Mutex
	next        AttemptID
	attempts    uint64
	successes   uint64
	concurrency int

	establish *Window[float64] // seconds
}

func NewTracker(corr *Correlator, window int) *Tracker {
	return &Tracker{
		corr:      corr,
		establish: NewWindow[float64](window),
	}
}

// Attempt registers a new connection attempt and returns its id and start time.
func (t *Tracker) Attempt() (AttemptID, time.Time) {
	t.mu.Lock()
	t.next++
	id := t.next
	t.attempts++
	t.mu.Unlock()

	started, _ := t.corr.start(KindConnection, id.String())
	return id, started
}

// Succeed counts a success. When the attempt is still tracked the
// establishment latency is returned with ok true; an unknown id still counts
// toward the success rate.
func (t *Tracker) Succeed(id AttemptID) (time.Duration, bool) {
	t.mu.Lock()
	t.successes++
	t.mu.Unlock()

	elapsed, ok := t.corr.End(KindConnection, id.String())
	if ok {
		t.establish.Push(elapsed.Seconds())
	}
	return elapsed, ok
}

// AbandonAttempt forgets an attempt that will never succeed. It is counted as
// a failure in the success rate.
func (t *Tracker) AbandonAttempt(id AttemptID) bool {
	return t.corr.Abandon(KindConnection, id.String())
}

// SuccessRate returns successes / max(1, attempts) * 100, capped at 100.
func (t *Tracker) SuccessRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return successRate(t.successes, t.attempts)
}

func successRate(successes, attempts uint64) float64 {
	rate := float64(successes) / float64(max(1, attempts)) * 100
	return min(rate, 100)
}

// SetConcurrency overwrites the concurrent-stream gauge. Callers pass the
// authoritative size of their active set.
func (t *Tracker) SetConcurrency(n int) {
	t.mu.Lock()
	t.concurrency = max(0, n)
	t.mu.Unlock()
}

func (t *Tracker) Concurrency() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.concurrency
}

// Pending returns the number of attempts still waiting for an outcome.
func (t *Tracker) Pending() int {
	return t.corr.Open(KindConnection)
}

func (t *Tracker) Stats() ConnectionStatistics {
	t.mu.Lock()
	st := ConnectionStatistics{
		Attempts:    t.attempts,
		Successes:   t.successes,
		SuccessRate: successRate(t.successes, t.attempts),
		Concurrency: t.concurrency,
	}
	t.mu.Unlock()

	st.Pending = t.Pending()
	if s, ok := Summarize(t.establish.All()); ok {
		st.EstablishTime = &s
	}
	return st
}

func (t *Tracker) reset() {
	t.mu.Lock()
	t.next = 0
	t.attempts = 0
	t.successes = 0
	t.concurrency = 0
	t.mu.Unlock()
	t.establish.Clear()
}
