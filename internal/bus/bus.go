// internal/bus/bus.go
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xkilldash9x/reug-runtime/internal/events"
	"github.com/xkilldash9x/reug-runtime/internal/observability"
	"go.uber.org/zap"
)

// ErrClosed is returned when publishing to a bus that has been shut down.
var ErrClosed = errors.New("event bus is shut down")

// subscription is one subscriber's buffered inbox.
type subscription struct {
	ch     chan events.Event
	topics []events.Topic
	closed bool
}

// Bus is the in-process topic broker. Publish never blocks: an event that does
// not fit into a subscriber's buffer is dropped for that subscriber only, so a
// slow consumer cannot stall the publisher or any other subscriber.
//
// Every delivered event must be passed back to Acknowledge once the consumer
// has handled it. Shutdown waits for all delivered events to be acknowledged.
type Bus struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	origin  string
	seq     atomic.Uint64

	mu          sync.RWMutex
	subscribers map[events.Topic][]*subscription
	bufferSize  int
	closed      bool

	// Tracks events delivered to a subscriber but not yet acknowledged.
	processingWg sync.WaitGroup
	shutdownOnce sync.Once
}

// New creates a bus. metrics may be nil.
func New(logger *zap.Logger, bufferSize int, metrics *observability.Metrics) *Bus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Bus{
		logger:      logger.Named("bus"),
		metrics:     metrics,
		origin:      uuid.NewString(),
		subscribers: make(map[events.Topic][]*subscription),
		bufferSize:  bufferSize,
	}
}

// Origin identifies this bus instance on events it stamps.
func (b *Bus) Origin() string { return b.origin }

// Publish stamps the event with a fresh id, logical timestamp, wall time and
// this bus's origin, then fans it out. The stamped event is returned so the
// caller can learn its id and sequence number.
func (b *Bus) Publish(ctx context.Context, evt events.Event) (events.Event, error) {
	evt.ID = uuid.NewString()
	evt.Timestamp = time.Now().UTC()
	evt.Origin = b.origin
	return b.deliver(ctx, evt)
}

// Inject republishes an event received from outside the process. Its id,
// wall time and origin are preserved; only the local sequence is assigned.
func (b *Bus) Inject(ctx context.Context, evt events.Event) (events.Event, error) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return b.deliver(ctx, evt)
}

func (b *Bus) deliver(ctx context.Context, evt events.Event) (events.Event, error) {
	if err := ctx.Err(); err != nil {
		return evt, err
	}

	// Holding the read lock across the non-blocking sends keeps Unsubscribe and
	// Shutdown from closing a channel underneath us.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return evt, ErrClosed
	}

	evt.Seq = b.seq.Add(1)
	b.metrics.RecordPublished(string(evt.Topic))

	subs := b.subscribers[evt.Topic]
	b.logger.Debug("Publishing event", append(observability.EventFields(evt),
		zap.Uint64("seq", evt.Seq),
		zap.Int("subscribers", len(subs)))...)

	for _, sub := range subs {
		b.processingWg.Add(1)
		select {
		case sub.ch <- evt:
		default:
			b.processingWg.Done()
			b.metrics.RecordDropped(string(evt.Topic))
			b.logger.Warn("Subscriber buffer full, dropping event", observability.EventFields(evt)...)
		}
	}
	return evt, nil
}

// Subscribe returns a buffered channel receiving events on any of the given
// topics, and a function that removes the subscription. The channel is closed
// on unsubscribe or bus shutdown.
func (b *Bus) Subscribe(topics ...events.Topic) (<-chan events.Event, func()) {
	if len(topics) == 0 {
		panic("must subscribe to at least one topic")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		closedCh := make(chan events.Event)
		close(closedCh)
		return closedCh, func() {}
	}

	sub := &subscription{
		ch:     make(chan events.Event, b.bufferSize),
		topics: append([]events.Topic(nil), topics...),
	}
	for _, topic := range sub.topics {
		b.subscribers[topic] = append(b.subscribers[topic], sub)
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub.closed {
			return
		}
		for _, topic := range sub.topics {
			subs := b.subscribers[topic]
			for i, s := range subs {
				if s == sub {
					b.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subscribers[topic]) == 0 {
				delete(b.subscribers, topic)
			}
		}
		b.closeAndDrain(sub)
	}
	return sub.ch, unsubscribe
}

// Acknowledge signals that a delivered event has been handled.
func (b *Bus) Acknowledge(evt events.Event) {
	b.processingWg.Done()
}

// closeAndDrain must be called with b.mu held for writing.
func (b *Bus) closeAndDrain(sub *subscription) int {
	sub.closed = true
	close(sub.ch)
	drained := 0
	for range sub.ch {
		drained++
		b.processingWg.Done()
	}
	return drained
}

// Shutdown closes every subscription, discards buffered events and waits for
// events that consumers are still processing to be acknowledged.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.logger.Info("Shutting down event bus...")

		b.mu.Lock()
		b.closed = true
		unique := make(map[*subscription]struct{})
		for _, subs := range b.subscribers {
			for _, sub := range subs {
				unique[sub] = struct{}{}
			}
		}
		drained := 0
		for sub := range unique {
			drained += b.closeAndDrain(sub)
		}
		b.subscribers = make(map[events.Topic][]*subscription)
		b.mu.Unlock()

		if drained > 0 {
			b.logger.Debug("Drained buffered events during shutdown.", zap.Int("count", drained))
		}

		b.processingWg.Wait()
		b.logger.Info("Event bus shut down gracefully.")
	})
}
