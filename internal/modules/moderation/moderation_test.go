package moderation

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

func newTestCtx(t *testing.T, self room.Participant) (*module.Context, *room.Handle) {
	t.Helper()
	bus := pubsubtest.New()
	coord := room.NewCoordinator(kvtest.New(), 0)
	h, err := room.NewHandle(context.Background(), "room-1", bus, coord)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return &module.Context{
		Context: context.Background(), RoomID: "room-1", ParticipantID: self.ParticipantID,
		Handle: h, Coord: coord, Self: self,
	}, h
}

func TestModule_BanGuestRejected(t *testing.T) {
	mod := room.Participant{ParticipantID: "mod1", Role: room.RoleModerator}
	ctx, _ := newTestCtx(t, mod)
	require.NoError(t, ctx.Coord.SaveParticipantControl(ctx.Context, ctx.RoomID, room.Participant{
		ParticipantID: "guest1", ParticipationKind: room.ParticipationGuest,
	}))

	m := New()
	payload, _ := json.Marshal(targetPayload{Target: "guest1"})
	res := m.HandleCommand(ctx, "ban", payload)
	require.NotNil(t, res.Err)
	require.Equal(t, "cannot_ban_guest", res.Err.Code)
}

func TestModule_BanUserPersists(t *testing.T) {
	mod := room.Participant{ParticipantID: "mod1", Role: room.RoleModerator}
	ctx, h := newTestCtx(t, mod)
	sink := moduletest.NewSink("user1", false)
	require.NoError(t, h.Attach(context.Background(), sink))
	require.NoError(t, ctx.Coord.SaveParticipantControl(ctx.Context, ctx.RoomID, room.Participant{
		ParticipantID: "user1", UserID: "U1", ParticipationKind: room.ParticipationUser,
	}))

	m := New()
	payload, _ := json.Marshal(targetPayload{Target: "user1"})
	res := m.HandleCommand(ctx, "ban", payload)
	require.Nil(t, res.Err)

	banned, err := ctx.Coord.IsBanned(ctx.Context, ctx.RoomID, "U1")
	require.NoError(t, err)
	require.True(t, banned)

	require.Eventually(t, func() bool { return sink.Count() == 1 }, moduletest.WaitTimeout, moduletest.PollInterval)
}

func TestModule_DisableWaitingRoomKeepsWaiters(t *testing.T) {
	mod := room.Participant{ParticipantID: "mod1", Role: room.RoleModerator}
	ctx, _ := newTestCtx(t, mod)
	require.NoError(t, ctx.Coord.AddToWaitingRoster(ctx.Context, ctx.RoomID, "waiter1"))

	m := New()
	res := m.HandleCommand(ctx, "disable_waiting_room", nil)
	require.Nil(t, res.Err)

	waiters, err := ctx.Coord.WaitingRoster(ctx.Context, ctx.RoomID)
	require.NoError(t, err)
	require.Contains(t, waiters, "waiter1")
}

func TestModule_DisableRaiseHandsResetsHands(t *testing.T) {
	mod := room.Participant{ParticipantID: "mod1", Role: room.RoleModerator}
	ctx, _ := newTestCtx(t, mod)
	require.NoError(t, ctx.Coord.AddToRoster(ctx.Context, ctx.RoomID, "p1"))
	require.NoError(t, ctx.Coord.SaveParticipantControl(ctx.Context, ctx.RoomID, room.Participant{
		ParticipantID: "p1", HandIsUp: true,
	}))

	m := New()
	res := m.HandleCommand(ctx, "disable_raise_hands", nil)
	require.Nil(t, res.Err)

	p, err := ctx.Coord.LoadParticipantControl(ctx.Context, ctx.RoomID, "p1")
	require.NoError(t, err)
	require.False(t, p.HandIsUp)
}

func TestModule_AcceptMovesWaiterToRoster(t *testing.T) {
	mod := room.Participant{ParticipantID: "mod1", Role: room.RoleModerator}
	ctx, _ := newTestCtx(t, mod)
	require.NoError(t, ctx.Coord.AddToWaitingRoster(ctx.Context, ctx.RoomID, "waiter1"))

	m := New()
	payload, _ := json.Marshal(targetPayload{Target: "waiter1"})
	res := m.HandleCommand(ctx, "accept", payload)
	require.Nil(t, res.Err)

	inRoster, err := ctx.Coord.InRoster(ctx.Context, ctx.RoomID, "waiter1")
	require.NoError(t, err)
	require.True(t, inRoster)

	waiters, err := ctx.Coord.WaitingRoster(ctx.Context, ctx.RoomID)
	require.NoError(t, err)
	require.NotContains(t, waiters, "waiter1")
}

func TestModule_NonModeratorCommandsRejected(t *testing.T) {
	guest := room.Participant{ParticipantID: "g1", Role: room.RoleUser}
	ctx, _ := newTestCtx(t, guest)
	m := New()
	for _, action := range []string{"kick", "ban", "enable_waiting_room", "accept", "reset_raised_hands"} {
		res := m.HandleCommand(ctx, action, json.RawMessage(`{"target":"x"}`))
		require.NotNil(t, res.Err, action)
		require.Equal(t, "insufficient_permissions", res.Err.Code, action)
	}
}
