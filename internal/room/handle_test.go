package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricoschulte/opentalk-controller/internal/kvtest"
	pubsubport "github.com/ricoschulte/opentalk-controller/internal/pubsub/port"
	"github.com/ricoschulte/opentalk-controller/internal/pubsubtest"
)

type fakeSink struct {
	id         string
	moderator  bool
	mu         sync.Mutex
	deliveries []string
}

func (f *fakeSink) ParticipantID() string { return f.id }
func (f *fakeSink) IsModerator() bool     { return f.moderator }
func (f *fakeSink) Deliver(namespace, senderID string, payloadJSON []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, namespace)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deliveries)
}

func newTestHandle(t *testing.T) (*Handle, *pubsubtest.Bus) {
	t.Helper()
	bus := pubsubtest.New()
	coord := NewCoordinator(kvtest.New(), 0)
	h, err := NewHandle(context.Background(), "room-1", bus, coord)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h, bus
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "condition never became true")
}

func TestHandle_GlobalBroadcastReachesAllSinks(t *testing.T) {
	h, bus := newTestHandle(t)
	a := &fakeSink{id: "a"}
	b := &fakeSink{id: "b"}
	require.NoError(t, h.Attach(context.Background(), a))
	require.NoError(t, h.Attach(context.Background(), b))
	h.Ready("a")
	h.Ready("b")

	require.NoError(t, bus.Publish(context.Background(), GlobalTopic("room-1"), pubsubport.Message{
		Nonce: "n1", Namespace: "chat", PayloadJSON: []byte(`{}`),
	}))

	waitFor(t, func() bool { return a.count() == 1 && b.count() == 1 })
}

func TestHandle_ExcludeSenderSkipsSender(t *testing.T) {
	h, bus := newTestHandle(t)
	a := &fakeSink{id: "a"}
	b := &fakeSink{id: "b"}
	require.NoError(t, h.Attach(context.Background(), a))
	require.NoError(t, h.Attach(context.Background(), b))
	h.Ready("a")
	h.Ready("b")

	require.NoError(t, bus.Publish(context.Background(), GlobalTopic("room-1"), pubsubport.Message{
		Nonce: "n1", Namespace: "control", SenderID: "a", ExcludeSender: true, PayloadJSON: []byte(`{}`),
	}))

	waitFor(t, func() bool { return b.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, a.count())
}

func TestHandle_ModeratorsTopicFiltersNonModerators(t *testing.T) {
	h, bus := newTestHandle(t)
	mod := &fakeSink{id: "mod", moderator: true}
	guest := &fakeSink{id: "guest"}
	require.NoError(t, h.Attach(context.Background(), mod))
	require.NoError(t, h.Attach(context.Background(), guest))
	h.Ready("mod")
	h.Ready("guest")

	require.NoError(t, bus.Publish(context.Background(), ModeratorsTopic("room-1"), pubsubport.Message{
		Nonce: "n1", Namespace: "moderation", PayloadJSON: []byte(`{}`),
	}))

	waitFor(t, func() bool { return mod.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, guest.count())
}

func TestHandle_DedupesByNonceAcrossTopics(t *testing.T) {
	h, bus := newTestHandle(t)
	a := &fakeSink{id: "a"}
	require.NoError(t, h.Attach(context.Background(), a))
	h.Ready("a")

	msg := pubsubport.Message{Nonce: "dup", Namespace: "chat", PayloadJSON: []byte(`{}`)}
	require.NoError(t, bus.Publish(context.Background(), GlobalTopic("room-1"), msg))
	require.NoError(t, bus.Publish(context.Background(), DirectTopic("room-1", "a"), msg))

	waitFor(t, func() bool { return a.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, a.count())
}

func TestHandle_DirectTopicOnlyReachesTarget(t *testing.T) {
	h, bus := newTestHandle(t)
	a := &fakeSink{id: "a"}
	b := &fakeSink{id: "b"}
	require.NoError(t, h.Attach(context.Background(), a))
	require.NoError(t, h.Attach(context.Background(), b))

	require.NoError(t, bus.Publish(context.Background(), DirectTopic("room-1", "a"), pubsubport.Message{
		Nonce: "n1", Namespace: "waiting_room", PayloadJSON: []byte(`{}`),
	}))

	waitFor(t, func() bool { return a.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, b.count())
}

// TestHandle_AttachWithoutReadySuppressesBroadcast proves the join-ordering
// guarantee's mechanism at the Handle level: a sink registered via Attach but
// not yet marked Ready is not eligible for the shared global broadcast, so a
// runner can build and send join_success before any concurrent joined/update
// event can reach the new sink.
func TestHandle_AttachWithoutReadySuppressesBroadcast(t *testing.T) {
	h, bus := newTestHandle(t)
	a := &fakeSink{id: "a"}
	require.NoError(t, h.Attach(context.Background(), a))

	require.NoError(t, bus.Publish(context.Background(), GlobalTopic("room-1"), pubsubport.Message{
		Nonce: "n1", Namespace: "session", PayloadJSON: []byte(`{}`),
	}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, a.count())

	h.Ready("a")
	require.NoError(t, bus.Publish(context.Background(), GlobalTopic("room-1"), pubsubport.Message{
		Nonce: "n2", Namespace: "session", PayloadJSON: []byte(`{}`),
	}))
	waitFor(t, func() bool { return a.count() == 1 })
}

// TestHandle_GroupTopicOnlyReachesGroupMembers proves group messages (§4.6)
// reach only sinks that attached to that group's topic.
func TestHandle_GroupTopicOnlyReachesGroupMembers(t *testing.T) {
	h, bus := newTestHandle(t)
	a := &fakeSink{id: "a"}
	b := &fakeSink{id: "b"}
	require.NoError(t, h.Attach(context.Background(), a))
	require.NoError(t, h.Attach(context.Background(), b))
	require.NoError(t, h.AttachGroups(context.Background(), "a", []string{"team-1"}))

	require.NoError(t, bus.Publish(context.Background(), GroupTopic("room-1", "team-1"), pubsubport.Message{
		Nonce: "n1", Namespace: "chat", PayloadJSON: []byte(`{}`),
	}))

	waitFor(t, func() bool { return a.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, b.count())
}

func TestHandle_DetachStopsDelivery(t *testing.T) {
	h, bus := newTestHandle(t)
	a := &fakeSink{id: "a"}
	require.NoError(t, h.Attach(context.Background(), a))
	h.Detach("a")
	assert.Equal(t, 0, h.LocalSinkCount())

	require.NoError(t, bus.Publish(context.Background(), GlobalTopic("room-1"), pubsubport.Message{
		Nonce: "n1", Namespace: "chat", PayloadJSON: []byte(`{}`),
	}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, a.count())
}
