// Package module defines the contract every feature module (chat, poll,
// timer, protocol, whiteboard, recording, moderation, control, ...) must
// satisfy to be dispatched by the participant runner (§4.3): a registry of
// named modules, each reacting to room lifecycle events and namespaced
// commands, in place of a single hard-coded type switch.
package module

import (
	"context"
	"encoding/json"
	"fmt"

	pubsubport "github.com/ricoschulte/opentalk-controller/internal/pubsub/port"
	"github.com/ricoschulte/opentalk-controller/internal/room"
	"github.com/ricoschulte/opentalk-controller/internal/wire"
)

// Context is the per-call environment a Module is invoked with: the target
// room's handle and coordinator and the acting participant. Static config
// and external clients are not carried here; modules receive those when
// they are constructed.
// Built fresh by the runner for every dispatch; modules must not retain it
// past the call that received it.
type Context struct {
	context.Context

	RoomID        string
	ParticipantID string

	Handle *room.Handle
	Coord  *room.Coordinator

	// Self is the participant record for the acting participant, already
	// loaded by the runner so modules needn't fetch it themselves.
	Self room.Participant
}

// Publish is a convenience wrapper around Context.Handle.Publish that fills
// in the sender id.
func (c *Context) Publish(topic, namespace string, payload any, excludeSender bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("module: marshal %s payload: %w", namespace, err)
	}
	return c.Handle.Publish(c.Context, topic, pubsubport.Message{
		Namespace:     namespace,
		SenderID:      c.ParticipantID,
		PayloadJSON:   data,
		ExcludeSender: excludeSender,
	})
}

// Result is what handle_command and on_event return: at most one of Emit
// (a direct reply to the acting participant) or Err (a wire error to send
// instead).
type Result struct {
	Emit any
	Err  *wire.ErrorMessage
}

// OK wraps a successful direct reply.
func OK(emit any) Result { return Result{Emit: emit} }

// Fail wraps a wire error reply.
func Fail(code, text string) Result {
	err := wire.NewError(code, text)
	return Result{Err: &err}
}

// Module is the contract every feature module implements (§4.3-§4.11).
// Namespace identifies which dispatch bucket handle_command/on_event belong
// to; it doubles as the wire protocol's "namespace" field and as the key
// under which the module's per-room and per-participant state is stored
// (room.ModuleRoomKey, room.ModuleStateKey).
type Module interface {
	// Namespace is the module's wire/key identifier, e.g. "chat", "poll".
	Namespace() string

	// InitRoom runs on every room entry, just before
	// BuildJoinSuccessFragment (idempotent: it also runs when the module
	// state already exists, possibly concurrently on two controller
	// processes, so it must tolerate that).
	InitRoom(ctx *Context) error

	// BuildJoinSuccessFragment returns this module's contribution to the
	// join_success message (§4.1 step 4), or nil if it contributes none
	// for this participant (e.g. a disabled module).
	BuildJoinSuccessFragment(ctx *Context) (any, error)

	// OnParticipantJoined runs after roster admission and before the
	// join_success reply is sent, in module registration order.
	OnParticipantJoined(ctx *Context) error

	// OnParticipantLeft runs during the termination sequence, in module
	// registration order, before the participant is removed from the
	// roster.
	OnParticipantLeft(ctx *Context) error

	// HandleCommand processes one namespaced command payload from the
	// acting participant.
	HandleCommand(ctx *Context, action string, payload json.RawMessage) Result

	// OnEvent processes a fanned-out event this module previously
	// published, for modules that need to react to their own broadcasts
	// locally (e.g. updating derived per-connection state). Most modules
	// no-op here.
	OnEvent(ctx *Context, action string, payload json.RawMessage) error

	// DestroyRoom runs once, when the coordinator observes the room has
	// become empty (§4.3), to delete the module's room-scoped keys.
	DestroyRoom(ctx *Context) error
}
