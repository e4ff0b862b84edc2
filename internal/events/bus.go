package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/metrics"
)

const (
	// defaultQueue bounds the live backlog a subscriber may accumulate
	// before it is dropped.
	defaultQueue = 256

	defaultPingInterval = 15 * time.Second
)

// Bus is a per-run append-only event log plus broadcaster. Publishing never
// blocks on subscribers; a subscriber that falls more than its queue behind
// is closed and forgotten.
type Bus struct {
	mu      sync.Mutex
	log     []AgentEvent
	seq     uint64
	subs    map[chan AgentEvent]struct{}
	closed  bool
	lastPub time.Time

	queue        int
	pingInterval time.Duration
	done         chan struct{}
}

// Option customizes a Bus.
type Option func(*Bus)

// WithQueueSize bounds each subscriber's live backlog.
func WithQueueSize(n int) Option {
	return func(b *Bus) { b.queue = n }
}

// WithPingInterval sets the idle interval before a keep-alive ping.
// Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(b *Bus) { b.pingInterval = d }
}

// NewBus builds a bus and starts its keep-alive loop.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:         make(map[chan AgentEvent]struct{}),
		queue:        defaultQueue,
		pingInterval: defaultPingInterval,
		lastPub:      time.Now(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.pingInterval > 0 {
		go b.pingLoop()
	}
	return b
}

// Publish stamps the event with the next sequence number, appends it to the
// log, and fans it out. Publishing on a closed bus is a no-op and returns
// the zero event.
func (b *Bus) Publish(evt AgentEvent) AgentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return AgentEvent{}
	}
	return b.publishLocked(evt)
}

func (b *Bus) publishLocked(evt AgentEvent) AgentEvent {
	b.seq++
	evt.Seq = b.seq
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}
	b.log = append(b.log, evt)
	b.lastPub = time.Now()
	metrics.EventsPublished.Inc()
	b.fanOut(evt)
	return evt
}

// fanOut delivers to every subscriber. Callers hold b.mu.
func (b *Bus) fanOut(evt AgentEvent) {
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
			delete(b.subs, ch)
			close(ch)
			metrics.SubscribersDropped.Inc()
			log.Warn().Uint64("seq", evt.Seq).Msg("dropped slow event subscriber")
		}
	}
}

// Subscribe returns a channel that replays the full log from sequence one
// and then delivers live events. The channel closes when ctx is cancelled,
// the subscriber falls behind, or the bus closes. Subscribing to a closed
// bus still replays the log.
func (b *Bus) Subscribe(ctx context.Context) <-chan AgentEvent {
	b.mu.Lock()
	ch := make(chan AgentEvent, len(b.log)+b.queue)
	for _, evt := range b.log {
		ch <- evt
	}
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(ch)
		case <-b.done:
		}
	}()
	return ch
}

func (b *Bus) unsubscribe(ch chan AgentEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Events returns a copy of the log.
func (b *Bus) Events() []AgentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]AgentEvent, len(b.log))
	copy(out, b.log)
	return out
}

// Len reports the number of logged events.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.log)
}

// CloseWith publishes a final event and then closes every subscriber. Late
// subscribers replay the log, final event included.
func (b *Bus) CloseWith(evt AgentEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.publishLocked(evt)
	b.shutdownLocked()
}

// Close closes every subscriber without a final frame.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.shutdownLocked()
}

func (b *Bus) shutdownLocked() {
	b.closed = true
	close(b.done)
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

// pingLoop emits keep-alive frames to live subscribers while the bus idles.
func (b *Bus) pingLoop() {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.mu.Lock()
			if !b.closed && time.Since(b.lastPub) >= b.pingInterval {
				b.fanOut(AgentEvent{Type: TypePing, Timestamp: time.Now().UnixMilli()})
			}
			b.mu.Unlock()
		}
	}
}
