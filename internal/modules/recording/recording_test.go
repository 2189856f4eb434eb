package recording

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ricoschulte/opentalk-controller/internal/kvtest"
	"github.com/ricoschulte/opentalk-controller/internal/module"
	"github.com/ricoschulte/opentalk-controller/internal/moduletest"
	"github.com/ricoschulte/opentalk-controller/internal/pubsubtest"
	"github.com/ricoschulte/opentalk-controller/internal/room"
)

type fakeBroker struct {
	startCalls int
	stopCalls  int
	failStart  bool
	failStop   bool
}

func (f *fakeBroker) EnqueueStartRecording(roomID, recordingID string) error {
	f.startCalls++
	if f.failStart {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *fakeBroker) EnqueueStopRecording(roomID, recordingID string) error {
	f.stopCalls++
	if f.failStop {
		return context.DeadlineExceeded
	}
	return nil
}

func newTestCtx(t *testing.T, self room.Participant) (*module.Context, *kvtest.MemoryStore) {
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
	}, store
}

func TestModule_StartRequiresModerator(t *testing.T) {
	guest := room.Participant{ParticipantID: "p1", Role: room.RoleUser}
	ctx, store := newTestCtx(t, guest)
	m := New(store, &fakeBroker{})

	res := m.HandleCommand(ctx, "start", nil)
	require.NotNil(t, res.Err)
	require.Equal(t, "insufficient_permissions", res.Err.Code)
}

func TestModule_StartRejectsIfAlreadyRecording(t *testing.T) {
	mod := room.Participant{ParticipantID: "p1", Role: room.RoleModerator}
	ctx, store := newTestCtx(t, mod)
	m := New(store, &fakeBroker{})

	res := m.HandleCommand(ctx, "start", nil)
	require.Nil(t, res.Err)

	res = m.HandleCommand(ctx, "start", nil)
	require.NotNil(t, res.Err)
	require.Equal(t, "already_recording", res.Err.Code)
}

func TestModule_StartBroadcastsStartedEvent(t *testing.T) {
	mod := room.Participant{ParticipantID: "p1", Role: room.RoleModerator}
	ctx, store := newTestCtx(t, mod)
	sink := moduletest.NewSink("p1", true)
	require.NoError(t, ctx.Handle.Attach(ctx.Context, sink))
	ctx.Handle.Ready("p1")

	m := New(store, &fakeBroker{})
	res := m.HandleCommand(ctx, "start", nil)
	require.Nil(t, res.Err)

	require.Eventually(t, func() bool { return sink.Count() >= 1 }, moduletest.WaitTimeout, moduletest.PollInterval)
	var evt startedEvent
	require.NoError(t, json.Unmarshal(sink.Last().Payload, &evt))
	require.NotEmpty(t, evt.RecordingID)

	status, recordingID, err := ctx.Coord.Recording(ctx.Context, ctx.RoomID)
	require.NoError(t, err)
	require.Equal(t, room.RecordingActive, status)
	require.Equal(t, evt.RecordingID, recordingID)
}

func TestModule_StopRejectsMismatchedID(t *testing.T) {
	mod := room.Participant{ParticipantID: "p1", Role: room.RoleModerator}
	ctx, store := newTestCtx(t, mod)
	m := New(store, &fakeBroker{})

	res := m.HandleCommand(ctx, "start", nil)
	require.Nil(t, res.Err)

	payload, _ := json.Marshal(stopPayload{RecordingID: "bogus"})
	res = m.HandleCommand(ctx, "stop", payload)
	require.NotNil(t, res.Err)
	require.Equal(t, "invalid_recording_id", res.Err.Code)
}

func TestModule_StopClearsRecordingAndBroadcasts(t *testing.T) {
	mod := room.Participant{ParticipantID: "p1", Role: room.RoleModerator}
	ctx, store := newTestCtx(t, mod)
	sink := moduletest.NewSink("p1", true)
	require.NoError(t, ctx.Handle.Attach(ctx.Context, sink))
	ctx.Handle.Ready("p1")

	m := New(store, &fakeBroker{})
	res := m.HandleCommand(ctx, "start", nil)
	require.Nil(t, res.Err)

	require.Eventually(t, func() bool { return sink.Count() >= 1 }, moduletest.WaitTimeout, moduletest.PollInterval)
	var started startedEvent
	require.NoError(t, json.Unmarshal(sink.Last().Payload, &started))

	payload, _ := json.Marshal(stopPayload{RecordingID: started.RecordingID})
	res = m.HandleCommand(ctx, "stop", payload)
	require.Nil(t, res.Err)

	require.Eventually(t, func() bool { return sink.Count() >= 2 }, moduletest.WaitTimeout, moduletest.PollInterval)

	status, _, err := ctx.Coord.Recording(ctx.Context, ctx.RoomID)
	require.NoError(t, err)
	require.Equal(t, room.RecordingNone, status)
}

func TestModule_SetConsentRoundTrips(t *testing.T) {
	guest := room.Participant{ParticipantID: "p1", Role: room.RoleUser}
	ctx, store := newTestCtx(t, guest)
	m := New(store, &fakeBroker{})

	frag, err := m.BuildJoinSuccessFragment(ctx)
	require.NoError(t, err)
	require.False(t, frag.(joinSuccessFragment).Consent)

	payload, _ := json.Marshal(setConsentPayload{Consent: true})
	res := m.HandleCommand(ctx, "set_consent", payload)
	require.Nil(t, res.Err)

	frag, err = m.BuildJoinSuccessFragment(ctx)
	require.NoError(t, err)
	require.True(t, frag.(joinSuccessFragment).Consent)
}
