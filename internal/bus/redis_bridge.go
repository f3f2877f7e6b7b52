package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/xkilldash9x/reug-runtime/internal/events"
	"go.uber.org/zap"
)

// Broker is the remote side of a Bridge.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Receive streams raw payloads from the given channels until ctx is done.
	Receive(ctx context.Context, channels []string) (<-chan []byte, error)
	Close() error
}

// Bridge mirrors local events on selected topics to a broker and republishes
// remote events locally. Events carry the origin id of the bus that first
// published them, which suppresses echo loops in both directions.
type Bridge struct {
	bus    *Bus
	broker Broker
	logger *zap.Logger
	prefix string
	topics []events.Topic

	local       <-chan events.Event
	unsubscribe func()
}

// NewBridge connects b to broker for the given topics. Channel names are
// "<prefix>:<topic>". The local subscription starts here, so events
// published before Run are buffered and mirrored once it starts.
func NewBridge(b *Bus, broker Broker, prefix string, topics []events.Topic, logger *zap.Logger) *Bridge {
	if prefix == "" {
		prefix = "reug"
	}
	local, unsubscribe := b.Subscribe(topics...)
	return &Bridge{
		bus:         b,
		broker:      broker,
		logger:      logger.Named("redis_bridge"),
		prefix:      prefix,
		topics:      topics,
		local:       local,
		unsubscribe: unsubscribe,
	}
}

func (br *Bridge) channel(topic events.Topic) string {
	return br.prefix + ":" + string(topic)
}

// Run pumps events in both directions until ctx is cancelled or the bus shuts
// down. The local subscription is released when Run returns.
func (br *Bridge) Run(ctx context.Context) error {
	defer br.unsubscribe()

	channels := make([]string, len(br.topics))
	for i, t := range br.topics {
		channels[i] = br.channel(t)
	}

	remote, err := br.broker.Receive(ctx, channels)
	if err != nil {
		return fmt.Errorf("failed to subscribe to broker channels: %w", err)
	}

	br.logger.Info("Bridge running", zap.Strings("channels", channels))
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-br.local:
			if !ok {
				return nil
			}
			br.forward(ctx, evt)
			br.bus.Acknowledge(evt)
		case payload, ok := <-remote:
			if !ok {
				return nil
			}
			br.receive(ctx, payload)
		}
	}
}

// forward mirrors an event that originated on this bus.
func (br *Bridge) forward(ctx context.Context, evt events.Event) {
	if evt.Origin != br.bus.Origin() {
		return
	}
	data, err := events.Marshal(evt)
	if err != nil {
		br.logger.Error("Failed to encode event for broker", zap.Error(err))
		return
	}
	if err := br.broker.Publish(ctx, br.channel(evt.Topic), data); err != nil {
		br.logger.Warn("Failed to publish event to broker",
			zap.String("topic", string(evt.Topic)), zap.String("id", evt.ID), zap.Error(err))
	}
}

// receive republishes a remote event locally unless it is our own echo.
func (br *Bridge) receive(ctx context.Context, payload []byte) {
	evt, err := events.Unmarshal(payload)
	if err != nil {
		br.logger.Warn("Discarding undecodable broker message", zap.Error(err))
		return
	}
	if evt.Origin == br.bus.Origin() {
		return
	}
	if _, ok := events.ParseTopic(string(evt.Topic)); !ok {
		br.logger.Warn("Discarding broker message for unknown topic", zap.String("topic", string(evt.Topic)))
		return
	}
	if _, err := br.bus.Inject(ctx, evt); err != nil {
		br.logger.Debug("Failed to inject remote event", zap.Error(err))
	}
}

// RedisBroker adapts a go-redis client to the Broker interface.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker dials addr and verifies connectivity.
func NewRedisBroker(ctx context.Context, addr, password string, db int) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisBroker{client: client}, nil
}

func (r *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *RedisBroker) Receive(ctx context.Context, channels []string) (<-chan []byte, error) {
	ps := r.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisBroker) Close() error {
	return r.client.Close()
}

// ParseTopics converts configured topic names, rejecting unknown ones.
func ParseTopics(names []string) ([]events.Topic, error) {
	topics := make([]events.Topic, 0, len(names))
	for _, name := range names {
		t, ok := events.ParseTopic(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unknown topic %q", name)
		}
		topics = append(topics, t)
	}
	return topics, nil
}
