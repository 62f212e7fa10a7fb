package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/logger"
)

const (
	DefaultQueueSize   = 8
	DefaultSendTimeout = 2 * time.Second
)

// Sender is the raw write primitive of one viewer connection.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, payload []byte) error

func (f SenderFunc) Send(ctx context.Context, payload []byte) error { return f(ctx, payload) }

// State is the lifecycle state of a subscriber.
type State int32

const (
	StateRegistered State = iota
	StateActive
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type Options struct {
	// QueueSize is the per-subscriber event buffer. Events published to a
	// full queue are dropped for that subscriber only.
	QueueSize int
	// SendTimeout bounds one write to a subscriber.
	SendTimeout time.Duration
	// OnDelivered is called after each successful write with its size.
	OnDelivered func(id string, bytes int)
	// OnRemoved is called once per subscriber when it leaves the registry.
	OnRemoved func(id string, state State)
}

type subscriber struct {
	id     string
	sender Sender
	format Format
	queue  chan *Event
	done   chan struct{}

	state   atomic.Int32
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// SubscriberStats is a point-in-time view of one subscriber.
type SubscriberStats struct {
	ID      string `json:"id"`
	Format  string `json:"format"`
	State   string `json:"state"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Hub fans detection events out to registered subscribers. Each subscriber
// has its own bounded queue and writer goroutine, so a slow or dead viewer
// never stalls Publish. A subscriber whose write fails is removed exactly once.
type Hub struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64

	dropLog rate.Sometimes
}

func NewHub(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*subscriber),
		dropLog: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
}

// Register adds a subscriber under id. It returns false when id is already
// registered or the hub is closed.
func (h *Hub) Register(id string, sender Sender, format Format) bool {
	sub := &subscriber{
		id:     id,
		sender: sender,
		format: format,
		queue:  make(chan *Event, h.opts.QueueSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	if _, exists := h.subs[id]; exists {
		h.mu.Unlock()
		return false
	}
	h.subs[id] = sub
	total := len(h.subs)
	h.wg.Add(1)
	h.mu.Unlock()

	go h.run(sub)

	logger.Debug("Broadcast", "Subscriber %s registered (format=%s, total=%d)", id, format, total)
	return true
}

// Unregister removes id. Removing an absent subscriber is a no-op that
// returns false.
func (h *Hub) Unregister(id string) bool {
	h.mu.RLock()
	sub := h.subs[id]
	h.mu.RUnlock()

	if sub == nil {
		return false
	}
	return h.remove(sub, StateDisconnected)
}

// remove deletes sub if it is still the registered subscriber for its id.
func (h *Hub) remove(sub *subscriber, state State) bool {
	h.mu.Lock()
	if h.subs[sub.id] != sub {
		h.mu.Unlock()
		return false
	}
	delete(h.subs, sub.id)
	remaining := len(h.subs)
	h.mu.Unlock()

	sub.state.Store(int32(state))
	close(sub.done)

	if state == StateFailed {
		h.failed.Add(1)
	}
	logger.Debug("Broadcast", "Subscriber %s removed (%s, remaining=%d)", sub.id, state, remaining)

	if h.opts.OnRemoved != nil {
		h.opts.OnRemoved(sub.id, state)
	}
	return true
}

// Publish queues ev for every registered subscriber and returns how many
// accepted it. It never blocks on a subscriber.
func (h *Hub) Publish(ev *Event) int {
	if ev == nil {
		return 0
	}
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()

	queued := 0
	for _, sub := range h.subs {
		select {
		case sub.queue <- ev:
			queued++
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
			h.dropLog.Do(func() {
				logger.Warn("Broadcast", "Subscriber %s queue full, dropping event (dropped=%d)", sub.id, sub.dropped.Load())
			})
		}
	}
	return queued
}

func (h *Hub) run(sub *subscriber) {
	defer h.wg.Done()

	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.queue:
			select {
			case <-sub.done:
				return
			default:
			}
			payload := ev.Payload(sub.format)

			ctx, cancel := context.WithTimeout(h.ctx, h.opts.SendTimeout)
			err := sub.sender.Send(ctx, payload)
			cancel()

			if err != nil {
				if h.remove(sub, StateFailed) {
					logger.Warn("Broadcast", "Delivery to %s failed, removing subscriber: %v", sub.id, err)
				}
				return
			}

			sub.sent.Add(1)
			h.delivered.Add(1)
			sub.state.CompareAndSwap(int32(StateRegistered), int32(StateActive))
			if h.opts.OnDelivered != nil {
				h.opts.OnDelivered(sub.id, len(payload))
			}
		}
	}
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Has reports whether id is registered.
func (h *Hub) Has(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[id]
	return ok
}

// Subscribers returns stats for every registered subscriber.
func (h *Hub) Subscribers() []SubscriberStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]SubscriberStats, 0, len(h.subs))
	for _, sub := range h.subs {
		out = append(out, SubscriberStats{
			ID:      sub.id,
			Format:  sub.format.String(),
			State:   State(sub.state.Load()).String(),
			Sent:    sub.sent.Load(),
			Dropped: sub.dropped.Load(),
		})
	}
	return out
}

type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Failed      uint64 `json:"failed"`
}

func (h *Hub) Stats() Stats {
	return Stats{
		Subscribers: h.Len(),
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
		Failed:      h.failed.Load(),
	}
}

// Close disconnects every subscriber, aborts in-flight writes and waits for
// the writer goroutines to exit. It is safe to call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	h.cancel()
	for _, sub := range subs {
		h.remove(sub, StateDisconnected)
	}
	h.wg.Wait()
}
