package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind names a unit of work whose start and end events are paired.
type Kind string

const (
	KindFrame      Kind = "frame"
	KindInference  Kind = "inference"
	KindConnection Kind = "connection"
)

type pairKey struct {
	kind Kind
	id   string
}

// Correlator matches begin/end events by (kind, id) and reports the elapsed
// time. Only currently open pairs are held; closed or abandoned entries are
// deleted.
type Correlator struct {
	clock Clock

	mu   sync.Mutex
	open map[pairKey]time.Time

	misses atomic.Uint64
}

// NewCorrelator creates a correlator reading time from clock.
func NewCorrelator(clock Clock) *Correlator {
	if clock == nil {
		clock = RealClock{}
	}
	return &Correlator{
		clock: clock,
		open:  make(map[pairKey]time.Time),
	}
}

// Begin records the start time for (kind, id). A second Begin for a pair that
// is still open is a no-op: the first start time is kept and false is returned.
func (c *Correlator) Begin(kind Kind, id string) bool {
	_, ok := c.start(kind, id)
	return ok
}

// start is Begin that also returns the recorded start time, or the existing
// one when the pair is already open.
func (c *Correlator) start(kind Kind, id string) (time.Time, bool) {
	now := c.clock.Now()
	key := pairKey{kind, id}

	c.mu.Lock()
	defer c.mu.Unlock()

	if started, exists := c.open[key]; exists {
		return started, false
	}
	c.open[key] = now
	return now, true
}

// End closes (kind, id) and returns the elapsed duration. Without a matching
// open entry it returns (0, false) and has no side effect beyond the miss count.
func (c *Correlator) End(kind Kind, id string) (time.Duration, bool) {
	now := c.clock.Now()
	key := pairKey{kind, id}

	c.mu.Lock()
	start, exists := c.open[key]
	if exists {
		delete(c.open, key)
	}
	c.mu.Unlock()

	if !exists {
		c.misses.Add(1)
		return 0, false
	}

	elapsed := now.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed, true
}

// Abandon drops an open pair without measuring it.
func (c *Correlator) Abandon(kind Kind, id string) bool {
	key := pairKey{kind, id}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.open[key]; !exists {
		return false
	}
	delete(c.open, key)
	return true
}

// Open returns the number of open pairs of the given kind.
func (c *Correlator) Open(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.open {
		if key.kind == kind {
			n++
		}
	}
	return n
}

// Len returns the number of open pairs across all kinds.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

// Misses returns how many End calls found no open pair.
func (c *Correlator) Misses() uint64 {
	return c.misses.Load()
}

// reset drops every open pair.
func (c *Correlator) reset() {
	c.mu.Lock()
	c.open = make(map[pairKey]time.Time)
	c.mu.Unlock()
	c.misses.Store(0)
}
