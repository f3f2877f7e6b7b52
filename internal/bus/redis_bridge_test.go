package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/reug-runtime/internal/bus"
	"github.com/xkilldash9x/reug-runtime/internal/events"
	"go.uber.org/zap/zaptest"
)

type published struct {
	channel string
	payload []byte
}

type fakeBroker struct {
	mu        sync.Mutex
	published []published
	inbound   chan []byte
	channels  []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{inbound: make(chan []byte, 8)}
}

func (f *fakeBroker) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{channel: channel, payload: payload})
	return nil
}

func (f *fakeBroker) Receive(_ context.Context, channels []string) (<-chan []byte, error) {
	f.mu.Lock()
	f.channels = channels
	f.mu.Unlock()
	return f.inbound, nil
}

func (f *fakeBroker) Close() error { return nil }

func (f *fakeBroker) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

func TestBridge_MirrorsLocalAndInjectsRemote(t *testing.T) {
	eb := newTestBus(t, 16)
	defer eb.Shutdown()

	broker := newFakeBroker()
	bridge := bus.NewBridge(eb, broker, "reug", []events.Topic{events.TopicAtomGap}, zaptest.NewLogger(t))

	local, unsubscribe := eb.Subscribe(events.TopicAtomGap)
	defer unsubscribe()

	// Published before Run starts; the bridge is already subscribed.
	ctx, cancel := context.WithCancel(context.Background())
	_, err := eb.Publish(ctx, events.Event{
		Topic:   events.TopicAtomGap,
		Type:    events.TypeAtomGap,
		Payload: events.AtomGap{MissingTool: "local_tool", GapID: "g1"},
	})
	require.NoError(t, err)
	eb.Acknowledge(<-local)

	runDone := make(chan error, 1)
	go func() { runDone <- bridge.Run(ctx) }()

	require.Eventually(t, func() bool { return len(broker.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	broker.mu.Lock()
	assert.Equal(t, []string{"reug:atom_gap"}, broker.channels)
	broker.mu.Unlock()

	mirrored := broker.snapshot()[0]
	assert.Equal(t, "reug:atom_gap", mirrored.channel)
	decoded, err := events.Unmarshal(mirrored.payload)
	require.NoError(t, err)
	assert.Equal(t, "local_tool", decoded.Payload.(events.AtomGap).MissingTool)
	assert.Equal(t, eb.Origin(), decoded.Origin)

	// A remote event from another node is republished locally.
	remote, err := events.Marshal(events.Event{
		ID:      "remote-1",
		Topic:   events.TopicAtomGap,
		Type:    events.TypeAtomGap,
		Origin:  "other-node",
		Payload: events.AtomGap{MissingTool: "remote_tool", GapID: "g2"},
	})
	require.NoError(t, err)
	broker.inbound <- remote

	select {
	case evt := <-local:
		eb.Acknowledge(evt)
		assert.Equal(t, "remote-1", evt.ID)
		assert.Equal(t, "other-node", evt.Origin)
		gap, ok := evt.Payload.(events.AtomGap)
		require.True(t, ok)
		assert.Equal(t, "remote_tool", gap.MissingTool)
	case <-time.After(time.Second):
		t.Fatal("remote event was not injected")
	}

	// Our own echo coming back from the broker is ignored.
	broker.inbound <- mirrored.payload
	select {
	case evt := <-local:
		t.Fatalf("echoed event %s was re-injected", evt.ID)
	case <-time.After(50 * time.Millisecond):
	}

	// Remote events are not mirrored back out.
	before := len(broker.snapshot())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, len(broker.snapshot()))

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop on cancellation")
	}
}

func TestParseTopics(t *testing.T) {
	topics, err := bus.ParseTopics([]string{"atom_gap", " tool_call "})
	require.NoError(t, err)
	assert.Equal(t, []events.Topic{events.TopicAtomGap, events.TopicToolCall}, topics)

	_, err = bus.ParseTopics([]string{"gossip"})
	assert.Error(t, err)
}
