// Package control implements the foundational module (§4.4): roster
// visibility, roles, hand-raise, and display-name updates that every other
// module relies on. It is always dispatched first, on join as well as on
// leave and room teardown (internal/module.Registry's fixed order).
package control

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ricoschulte/opentalk-controller/internal/module"
	"github.com/ricoschulte/opentalk-controller/internal/room"
)

const Namespace = "control"

// CreatorStore answers whether a user id is the room's creator, consulted
// before honoring revoke_moderator_role. Implemented by internal/roomconfig.
type CreatorStore interface {
	IsCreator(roomID, userID string) (bool, error)
}

type Module struct {
	Creator CreatorStore
}

func New(creator CreatorStore) *Module {
	return &Module{Creator: creator}
}

var _ module.Module = (*Module)(nil)

func (m *Module) Namespace() string { return Namespace }

func (m *Module) InitRoom(ctx *module.Context) error { return nil }

// joinSuccessFragment is control's contribution to join_success: the
// current roster snapshot, each participant's public record.
type joinSuccessFragment struct {
	Participants []room.Participant `json:"participants"`
}

func (m *Module) BuildJoinSuccessFragment(ctx *module.Context) (any, error) {
	ids, err := ctx.Coord.Roster(ctx.Context, ctx.RoomID)
	if err != nil {
		return nil, fmt.Errorf("control: load roster: %w", err)
	}
	out := make([]room.Participant, 0, len(ids))
	for _, id := range ids {
		p, err := ctx.Coord.LoadParticipantControl(ctx.Context, ctx.RoomID, id)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return joinSuccessFragment{Participants: out}, nil
}

// joinedEvent/leftEvent are broadcast on the global topic (§4.1 step 5 /
// §4.1 terminate sequence).
type joinedEvent struct {
	Participant room.Participant `json:"participant"`
}

type leftEvent struct {
	ParticipantID string `json:"participant_id"`
}

func (m *Module) OnParticipantJoined(ctx *module.Context) error {
	return ctx.Publish(room.GlobalTopic(ctx.RoomID), Namespace, joinedEvent{Participant: ctx.Self}, true)
}

func (m *Module) OnParticipantLeft(ctx *module.Context) error {
	return ctx.Publish(room.GlobalTopic(ctx.RoomID), Namespace, leftEvent{ParticipantID: ctx.ParticipantID}, false)
}

// Inbound command payloads.

type raiseHandPayload struct{}

type roleChangePayload struct {
	Target string `json:"target"`
}

type updateDisplayNamePayload struct {
	DisplayName string `json:"display_name"`
}

// roleUpdatedEvent is sent directly to the target whose role changed.
type roleUpdatedEvent struct {
	Role room.Role `json:"role"`
}

// updateEvent is the generic "some participant's public record changed"
// broadcast other control-owned mutations (hand raise, display name, role)
// send to everyone else.
type updateEvent struct {
	Participant room.Participant `json:"participant"`
}

func (m *Module) HandleCommand(ctx *module.Context, action string, payload json.RawMessage) module.Result {
	switch action {
	case "raise_hand":
		return m.setHand(ctx, true)
	case "lower_hand":
		return m.setHand(ctx, false)
	case "grant_moderator_role":
		return m.changeRole(ctx, payload, room.RoleModerator)
	case "revoke_moderator_role":
		return m.changeRole(ctx, payload, room.RoleUser)
	case "update_display_name":
		return m.updateDisplayName(ctx, payload)
	case "enter_room":
		// No-op once already in-room; the join protocol itself handles the
		// Waiting -> InRoom transition before any module sees a command.
		return module.OK(nil)
	default:
		return module.Fail("unknown_action", fmt.Sprintf("control: unknown action %q", action))
	}
}

func (m *Module) setHand(ctx *module.Context, up bool) module.Result {
	flags, err := ctx.Coord.Flags(ctx.Context, ctx.RoomID, room.Flags{RaiseHandsEnabled: true})
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if !flags.RaiseHandsEnabled {
		return module.OK(nil)
	}

	now := time.Now().UTC()
	ctx.Self.HandIsUp = up
	ctx.Self.HandUpdatedAt = &now
	if err := ctx.Coord.SaveParticipantControl(ctx.Context, ctx.RoomID, ctx.Self); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if err := ctx.Publish(room.GlobalTopic(ctx.RoomID), Namespace, updateEvent{Participant: ctx.Self}, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

func (m *Module) changeRole(ctx *module.Context, payload json.RawMessage, newRole room.Role) module.Result {
	if ctx.Self.Role != room.RoleModerator {
		return module.Fail("insufficient_permissions", "only moderators may change roles")
	}
	var in roleChangePayload
	if err := json.Unmarshal(payload, &in); err != nil || in.Target == "" {
		return module.Fail("bad_request", "target is required")
	}

	target, err := ctx.Coord.LoadParticipantControl(ctx.Context, ctx.RoomID, in.Target)
	if err != nil {
		return module.Fail("bad_request", "unknown participant")
	}

	if newRole == room.RoleUser && m.Creator != nil && target.UserID != "" {
		if isCreator, err := m.Creator.IsCreator(ctx.RoomID, target.UserID); err == nil && isCreator {
			return module.Fail("insufficient_permissions", "cannot revoke moderator role from the room creator")
		}
	}

	target.Role = newRole
	if err := ctx.Coord.SaveParticipantControl(ctx.Context, ctx.RoomID, target); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}

	if err := ctx.Publish(room.DirectTopic(ctx.RoomID, in.Target), Namespace, roleUpdatedEvent{Role: newRole}, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if err := ctx.Publish(room.GlobalTopic(ctx.RoomID), Namespace, updateEvent{Participant: target}, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

func (m *Module) updateDisplayName(ctx *module.Context, payload json.RawMessage) module.Result {
	var in updateDisplayNamePayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return module.Fail("bad_request", "invalid payload")
	}
	name := strings.TrimSpace(in.DisplayName)
	if name == "" {
		return module.Fail("bad_request", "display_name must not be empty")
	}
	ctx.Self.DisplayName = name
	if err := ctx.Coord.SaveParticipantControl(ctx.Context, ctx.RoomID, ctx.Self); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if err := ctx.Publish(room.GlobalTopic(ctx.RoomID), Namespace, updateEvent{Participant: ctx.Self}, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

func (m *Module) OnEvent(ctx *module.Context, action string, payload json.RawMessage) error {
	return nil
}

func (m *Module) DestroyRoom(ctx *module.Context) error {
	return ctx.Coord.TeardownRoom(ctx.Context, ctx.RoomID)
}
