// Package moderation implements the moderation module (§4.5): kick/ban,
// waiting-room and raise-hands toggles, and waiting-room accept.
package moderation

import (
	"encoding/json"
	"fmt"

	"github.com/ricoschulte/opentalk-controller/internal/module"
	"github.com/ricoschulte/opentalk-controller/internal/room"
	"github.com/ricoschulte/opentalk-controller/internal/wire"
)

const Namespace = "moderation"

type Module struct{}

func New() *Module { return &Module{} }

var _ module.Module = (*Module)(nil)

func (m *Module) Namespace() string { return Namespace }

func (m *Module) InitRoom(ctx *module.Context) error { return nil }

func (m *Module) BuildJoinSuccessFragment(ctx *module.Context) (any, error) {
	flags, err := ctx.Coord.Flags(ctx.Context, ctx.RoomID, room.Flags{RaiseHandsEnabled: true, ChatEnabled: true})
	if err != nil {
		return nil, fmt.Errorf("moderation: load flags: %w", err)
	}
	return flags, nil
}

func (m *Module) OnParticipantJoined(ctx *module.Context) error { return nil }
func (m *Module) OnParticipantLeft(ctx *module.Context) error   { return nil }

type targetPayload struct {
	Target string `json:"target"`
}

// kickedEvent / bannedEvent are sent directly to the target before the
// runner closes their transport (§4.5: "each send their terminal event to
// the target, then schedule transport close after the event is flushed").
// Reason lets the runner, which only sees namespace + raw payload on
// delivery, tell the two terminal events apart without a separate
// out-of-band signal.
type kickedEvent struct {
	Reason string `json:"reason"`
}
type bannedEvent struct {
	Reason string `json:"reason"`
}

type waitingAcceptedEvent struct{}

type joinedWaitingRoomEvent struct {
	ParticipantID string `json:"participant_id"`
}

type leftWaitingRoomEvent struct {
	ParticipantID string `json:"participant_id"`
}

type raisedHandsResetEvent struct{}

func (m *Module) HandleCommand(ctx *module.Context, action string, payload json.RawMessage) module.Result {
	switch action {
	case "kick":
		return m.kick(ctx, payload)
	case "ban":
		return m.ban(ctx, payload)
	case "enable_waiting_room":
		return m.setWaitingRoom(ctx, true)
	case "disable_waiting_room":
		return m.setWaitingRoom(ctx, false)
	case "enable_raise_hands":
		return m.setRaiseHands(ctx, true)
	case "disable_raise_hands":
		return m.setRaiseHands(ctx, false)
	case "accept":
		return m.accept(ctx, payload)
	case "reset_raised_hands":
		return m.resetRaisedHands(ctx)
	default:
		return module.Fail("unknown_action", fmt.Sprintf("moderation: unknown action %q", action))
	}
}

func (m *Module) requireModerator(ctx *module.Context) *wire.ErrorMessage {
	if ctx.Self.Role != room.RoleModerator {
		err := wire.NewError("insufficient_permissions", "moderator role required")
		return &err
	}
	return nil
}

func (m *Module) kick(ctx *module.Context, payload json.RawMessage) module.Result {
	if err := m.requireModerator(ctx); err != nil {
		return module.Result{Err: err}
	}
	var in targetPayload
	if err := json.Unmarshal(payload, &in); err != nil || in.Target == "" {
		return module.Fail("bad_request", "target is required")
	}
	if err := ctx.Publish(room.DirectTopic(ctx.RoomID, in.Target), Namespace, kickedEvent{Reason: wire.CloseKicked}, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

func (m *Module) ban(ctx *module.Context, payload json.RawMessage) module.Result {
	if err := m.requireModerator(ctx); err != nil {
		return module.Result{Err: err}
	}
	var in targetPayload
	if err := json.Unmarshal(payload, &in); err != nil || in.Target == "" {
		return module.Fail("bad_request", "target is required")
	}
	target, err := ctx.Coord.LoadParticipantControl(ctx.Context, ctx.RoomID, in.Target)
	if err != nil {
		return module.Fail("bad_request", "unknown participant")
	}
	if target.ParticipationKind != room.ParticipationUser {
		return module.Fail("cannot_ban_guest", "only authenticated users may be banned")
	}
	if err := ctx.Coord.BanUser(ctx.Context, ctx.RoomID, target.UserID); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if err := ctx.Publish(room.DirectTopic(ctx.RoomID, in.Target), Namespace, bannedEvent{Reason: wire.CloseBanned}, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

func (m *Module) setWaitingRoom(ctx *module.Context, enabled bool) module.Result {
	if err := m.requireModerator(ctx); err != nil {
		return module.Result{Err: err}
	}
	// Disabling leaves existing waiters in waiting_roster untouched (§8
	// round-trip property): only the flag changes here.
	if err := ctx.Coord.SetFlag(ctx.Context, ctx.RoomID, "waiting_room_enabled", enabled); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

func (m *Module) setRaiseHands(ctx *module.Context, enabled bool) module.Result {
	if err := m.requireModerator(ctx); err != nil {
		return module.Result{Err: err}
	}
	if err := ctx.Coord.SetFlag(ctx.Context, ctx.RoomID, "raise_hands_enabled", enabled); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if !enabled {
		return m.resetRaisedHands(ctx)
	}
	return module.OK(nil)
}

func (m *Module) resetRaisedHands(ctx *module.Context) module.Result {
	if err := m.requireModerator(ctx); err != nil {
		return module.Result{Err: err}
	}
	ids, err := ctx.Coord.Roster(ctx.Context, ctx.RoomID)
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	for _, id := range ids {
		p, err := ctx.Coord.LoadParticipantControl(ctx.Context, ctx.RoomID, id)
		if err != nil || !p.HandIsUp {
			continue
		}
		p.HandIsUp = false
		if err := ctx.Coord.SaveParticipantControl(ctx.Context, ctx.RoomID, p); err != nil {
			return module.Fail("upstream_unavailable", err.Error())
		}
	}
	if err := ctx.Publish(room.GlobalTopic(ctx.RoomID), Namespace, raisedHandsResetEvent{}, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

// accept performs the waiting-room accept transition: moves the target
// from waiting_roster to roster. The caller (runner) is expected to wrap
// this HandleCommand call in ctx.Coord.WithRoomLock, since it mutates two
// roster sets and must not interleave with a concurrent join/leave.
func (m *Module) accept(ctx *module.Context, payload json.RawMessage) module.Result {
	if err := m.requireModerator(ctx); err != nil {
		return module.Result{Err: err}
	}
	var in targetPayload
	if err := json.Unmarshal(payload, &in); err != nil || in.Target == "" {
		return module.Fail("bad_request", "target is required")
	}
	if err := ctx.Coord.AcceptFromWaiting(ctx.Context, ctx.RoomID, in.Target); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if err := ctx.Publish(room.DirectTopic(ctx.RoomID, in.Target), Namespace, waitingAcceptedEvent{}, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if err := ctx.Publish(room.ModeratorsTopic(ctx.RoomID), Namespace, leftWaitingRoomEvent{ParticipantID: in.Target}, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

// NotifyWaiting publishes joined_waiting_room to moderators; called by the
// runner's join protocol (§4.1 step 4), not reachable as a wire command.
func NotifyWaiting(ctx *module.Context) error {
	return ctx.Publish(room.ModeratorsTopic(ctx.RoomID), Namespace, joinedWaitingRoomEvent{ParticipantID: ctx.ParticipantID}, false)
}

func (m *Module) OnEvent(ctx *module.Context, action string, payload json.RawMessage) error {
	return nil
}

func (m *Module) DestroyRoom(ctx *module.Context) error { return nil }
