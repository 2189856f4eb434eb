package timer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ricoschulte/opentalk-controller/internal/kvtest"
	"github.com/ricoschulte/opentalk-controller/internal/module"
	"github.com/ricoschulte/opentalk-controller/internal/moduletest"
	"github.com/ricoschulte/opentalk-controller/internal/pubsubtest"
	"github.com/ricoschulte/opentalk-controller/internal/room"
)

// manualScheduler never fires automatically; tests invoke the recorded
// callback explicitly to simulate expiry deterministically.
type manualScheduler struct {
	fn func()
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) func() {
	s.fn = f
	return func() { s.fn = nil }
}

func newTestCtx(t *testing.T, self room.Participant) (*module.Context, *kvtest.MemoryStore, *room.Handle) {
	t.Helper()
	bus := pubsubtest.New()
	store := kvtest.New()
	coord := room.NewCoordinator(store, 0)
	h, err := room.NewHandle(context.Background(), "room-1", bus, coord)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return &module.Context{
		Context: context.Background(), RoomID: "room-1", ParticipantID: self.ParticipantID,
		Handle: h, Coord: coord, Self: self,
	}, store, h
}

func TestModule_StartRejectsSecondStart(t *testing.T) {
	mod := room.Participant{Role: room.RoleModerator}
	ctx, store, _ := newTestCtx(t, mod)
	m := New(store, DurationLimits{Min: 0, Max: 24 * time.Hour}, &manualScheduler{})

	payload, _ := json.Marshal(startPayload{Kind: KindStopwatch})
	require.Nil(t, m.HandleCommand(ctx, "start", payload).Err)

	res := m.HandleCommand(ctx, "start", payload)
	require.NotNil(t, res.Err)
	require.Equal(t, "timer_already_running", res.Err.Code)
}

func TestModule_StartCountdownRejectsInvalidDuration(t *testing.T) {
	mod := room.Participant{Role: room.RoleModerator}
	ctx, store, _ := newTestCtx(t, mod)
	m := New(store, DurationLimits{Min: time.Second, Max: time.Hour}, &manualScheduler{})

	payload, _ := json.Marshal(startPayload{Kind: KindCountdown, DurationSeconds: 0})
	res := m.HandleCommand(ctx, "start", payload)
	require.NotNil(t, res.Err)
	require.Equal(t, "invalid_duration", res.Err.Code)
}

func TestModule_CountdownExpiryPublishesStopped(t *testing.T) {
	mod := room.Participant{ParticipantID: "mod1", Role: room.RoleModerator}
	ctx, store, h := newTestCtx(t, mod)
	sink := moduletest.NewSink("watcher", false)
	require.NoError(t, h.Attach(context.Background(), sink))
	h.Ready("watcher")

	sched := &manualScheduler{}
	m := New(store, DurationLimits{Min: time.Second, Max: time.Hour}, sched)
	payload, _ := json.Marshal(startPayload{Kind: KindCountdown, DurationSeconds: 5})
	require.Nil(t, m.HandleCommand(ctx, "start", payload).Err)

	require.NotNil(t, sched.fn)
	sched.fn()

	require.Eventually(t, func() bool { return sink.Count() == 2 }, moduletest.WaitTimeout, moduletest.PollInterval)
	last := sink.Last()
	var ev stoppedEvent
	require.NoError(t, json.Unmarshal(last.Payload, &ev))
	require.Equal(t, StopExpired, ev.Kind)
}

func TestModule_CreatorLeavingStopsTimer(t *testing.T) {
	mod := room.Participant{ParticipantID: "mod1", Role: room.RoleModerator}
	ctx, store, h := newTestCtx(t, mod)
	sink := moduletest.NewSink("watcher", false)
	require.NoError(t, h.Attach(context.Background(), sink))
	h.Ready("watcher")

	m := New(store, DurationLimits{Min: 0, Max: 24 * time.Hour}, &manualScheduler{})
	payload, _ := json.Marshal(startPayload{Kind: KindStopwatch})
	require.Nil(t, m.HandleCommand(ctx, "start", payload).Err)

	require.NoError(t, m.OnParticipantLeft(ctx))

	require.Eventually(t, func() bool { return sink.Count() == 2 }, moduletest.WaitTimeout, moduletest.PollInterval)
	last := sink.Last()
	var ev stoppedEvent
	require.NoError(t, json.Unmarshal(last.Payload, &ev))
	require.Equal(t, StopCreatorLeft, ev.Kind)
}

func TestModule_UpdateReadyRequiresReadyCheckEnabled(t *testing.T) {
	mod := room.Participant{Role: room.RoleModerator}
	ctx, store, _ := newTestCtx(t, mod)
	m := New(store, DurationLimits{Min: 0, Max: 24 * time.Hour}, &manualScheduler{})
	payload, _ := json.Marshal(startPayload{Kind: KindStopwatch, EnableReadyCheck: false})
	require.Nil(t, m.HandleCommand(ctx, "start", payload).Err)

	readyPayload, _ := json.Marshal(updateReadyPayload{Ready: true})
	res := m.HandleCommand(ctx, "update_ready_status", readyPayload)
	require.NotNil(t, res.Err)
}
