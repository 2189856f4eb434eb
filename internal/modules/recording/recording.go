// Package recording implements the recording module (§4.11): moderator
// start/stop of a room recording plus per-participant consent tracking.
// Media capture itself is an external recorder worker's job; this module
// only exposes the state the recorder consumes.
package recording

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ricoschulte/opentalk-controller/internal/kv/port"
	"github.com/ricoschulte/opentalk-controller/internal/module"
	"github.com/ricoschulte/opentalk-controller/internal/room"
)

const Namespace = "recording"

// Broker dispatches the out-of-scope recorder worker's start/stop tasks.
// Implemented by internal/external/broker.
type Broker interface {
	EnqueueStartRecording(roomID, recordingID string) error
	EnqueueStopRecording(roomID, recordingID string) error
}

type Module struct {
	Store  port.Store
	Broker Broker
}

func New(store port.Store, broker Broker) *Module {
	return &Module{Store: store, Broker: broker}
}

var _ module.Module = (*Module)(nil)

func (m *Module) Namespace() string { return Namespace }

func (m *Module) InitRoom(ctx *module.Context) error { return nil }

func consentKey(roomID, participantID string) string {
	return room.ModuleStateKey(roomID, participantID, Namespace)
}

type joinSuccessFragment struct {
	Status      room.RecordingStatus `json:"status"`
	RecordingID string               `json:"recording_id,omitempty"`
	Consent     bool                 `json:"consent"`
}

func (m *Module) BuildJoinSuccessFragment(ctx *module.Context) (any, error) {
	status, recordingID, err := ctx.Coord.Recording(ctx.Context, ctx.RoomID)
	if err != nil {
		return nil, fmt.Errorf("recording: load status: %w", err)
	}
	consent, err := m.loadConsent(ctx)
	if err != nil {
		return nil, err
	}
	return joinSuccessFragment{Status: status, RecordingID: recordingID, Consent: consent}, nil
}

func (m *Module) loadConsent(ctx *module.Context) (bool, error) {
	raw, err := m.Store.Get(ctx.Context, consentKey(ctx.RoomID, ctx.ParticipantID))
	if err != nil {
		if err == port.ErrMiss {
			return false, nil
		}
		return false, err
	}
	return raw == "1", nil
}

func (m *Module) OnParticipantJoined(ctx *module.Context) error { return nil }
func (m *Module) OnParticipantLeft(ctx *module.Context) error   { return nil }

type stopPayload struct {
	RecordingID string `json:"recording_id"`
}

type setConsentPayload struct {
	Consent bool `json:"consent"`
}

type startedEvent struct {
	RecordingID string `json:"recording_id"`
}

type stoppedEvent struct {
	RecordingID string `json:"recording_id"`
}

func (m *Module) HandleCommand(ctx *module.Context, action string, payload json.RawMessage) module.Result {
	switch action {
	case "start":
		return m.start(ctx)
	case "stop":
		return m.stop(ctx, payload)
	case "set_consent":
		return m.setConsent(ctx, payload)
	default:
		return module.Fail("unknown_action", fmt.Sprintf("recording: unknown action %q", action))
	}
}

func (m *Module) start(ctx *module.Context) module.Result {
	if ctx.Self.Role != room.RoleModerator {
		return module.Fail("insufficient_permissions", "moderator role required")
	}
	status, _, err := ctx.Coord.Recording(ctx.Context, ctx.RoomID)
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if status != room.RecordingNone {
		return module.Fail("already_recording", "a recording is already active")
	}

	recordingID := uuid.NewString()
	if err := ctx.Coord.SetRecording(ctx.Context, ctx.RoomID, room.RecordingInitializing, recordingID); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if err := m.Broker.EnqueueStartRecording(ctx.RoomID, recordingID); err != nil {
		_ = ctx.Coord.ClearRecording(ctx.Context, ctx.RoomID)
		return module.Fail("upstream_unavailable", err.Error())
	}
	if err := ctx.Coord.SetRecording(ctx.Context, ctx.RoomID, room.RecordingActive, recordingID); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if err := ctx.Publish(room.GlobalTopic(ctx.RoomID), Namespace, startedEvent{RecordingID: recordingID}, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

func (m *Module) stop(ctx *module.Context, payload json.RawMessage) module.Result {
	if ctx.Self.Role != room.RoleModerator {
		return module.Fail("insufficient_permissions", "moderator role required")
	}
	var in stopPayload
	if err := json.Unmarshal(payload, &in); err != nil || in.RecordingID == "" {
		return module.Fail("invalid_recording_id", "recording_id is required")
	}
	status, recordingID, err := ctx.Coord.Recording(ctx.Context, ctx.RoomID)
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if status == room.RecordingNone || recordingID != in.RecordingID {
		return module.Fail("invalid_recording_id", "no such active recording")
	}

	if err := m.Broker.EnqueueStopRecording(ctx.RoomID, in.RecordingID); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if err := ctx.Coord.ClearRecording(ctx.Context, ctx.RoomID); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if err := ctx.Publish(room.GlobalTopic(ctx.RoomID), Namespace, stoppedEvent{RecordingID: in.RecordingID}, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

func (m *Module) setConsent(ctx *module.Context, payload json.RawMessage) module.Result {
	var in setConsentPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return module.Fail("bad_request", "invalid payload")
	}
	value := "0"
	if in.Consent {
		value = "1"
	}
	if err := m.Store.Set(ctx.Context, consentKey(ctx.RoomID, ctx.ParticipantID), value, 0); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

func (m *Module) OnEvent(ctx *module.Context, action string, payload json.RawMessage) error {
	return nil
}

func (m *Module) DestroyRoom(ctx *module.Context) error {
	return nil
}
