// Package protocol implements the collaborative-document module (§4.9),
// wire-named "protocol". It lazily provisions an Etherpad pad/group the
// first time a writer is selected: the claim and the result are recorded
// under the room lock, the Etherpad call itself runs outside it, and
// concurrent init attempts are serialized through a three-state machine
// (uninitialized -> initializing -> ready|failed).
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ricoschulte/opentalk-controller/internal/kv/port"
	"github.com/ricoschulte/opentalk-controller/internal/module"
	"github.com/ricoschulte/opentalk-controller/internal/room"
)

// PadService is the subset of *etherpad.Client the protocol module needs;
// an interface here lets tests substitute a fake instead of making real
// HTTP calls.
type PadService interface {
	CreateGroupPad(ctx context.Context, roomID string) (groupID, padID string, err error)
	CreateSession(ctx context.Context, groupID, authorID string, validUntil time.Time) (sessionID string, err error)
	ExportPDF(ctx context.Context, padID string) ([]byte, error)
}

// writerSessionTTL bounds how long a granted writer's Etherpad session
// token (pad.sessionID cookie) stays valid before it must be re-granted.
const writerSessionTTL = 24 * time.Hour

// AssetStore is the subset of *objectstore.Client the protocol module needs.
type AssetStore interface {
	PutAsset(ctx context.Context, key string, data []byte) (signedURL string, err error)
}

const Namespace = "protocol"

type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusInitializing  Status = "initializing"
	StatusReady         Status = "ready"
	StatusFailed        Status = "failed"
)

type State struct {
	Status  Status          `json:"status"`
	GroupID string          `json:"group_id,omitempty"`
	PadID   string          `json:"pad_id,omitempty"`
	Writers map[string]bool `json:"writers"`
}

type Module struct {
	Store       port.Store
	Pad         PadService
	ObjectStore AssetStore
	InitTimeout time.Duration
}

func New(store port.Store, pad PadService, objStore AssetStore) *Module {
	return &Module{Store: store, Pad: pad, ObjectStore: objStore, InitTimeout: 10 * time.Second}
}

var _ module.Module = (*Module)(nil)

func (m *Module) Namespace() string { return Namespace }

func (m *Module) InitRoom(ctx *module.Context) error { return nil }

func stateKey(roomID string) string { return room.ModuleRoomKey(roomID, Namespace, "state") }

func (m *Module) loadState(ctx context.Context, roomID string) (State, error) {
	raw, err := m.Store.Get(ctx, stateKey(roomID))
	if err != nil {
		if err == port.ErrMiss {
			return State{Status: StatusUninitialized, Writers: map[string]bool{}}, nil
		}
		return State{}, err
	}
	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return State{}, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	if s.Writers == nil {
		s.Writers = map[string]bool{}
	}
	return s, nil
}

func (m *Module) saveState(ctx context.Context, roomID string, s State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.Store.Set(ctx, stateKey(roomID), string(data), 0)
}

type joinSuccessFragment struct {
	Status Status `json:"status"`
	URL    string `json:"url,omitempty"`
}

func (m *Module) BuildJoinSuccessFragment(ctx *module.Context) (any, error) {
	s, err := m.loadState(ctx.Context, ctx.RoomID)
	if err != nil {
		return nil, err
	}
	url := ""
	if s.Status == StatusReady {
		url = m.urlFor(&s, ctx.ParticipantID)
	}
	return joinSuccessFragment{Status: s.Status, URL: url}, nil
}

func (m *Module) OnParticipantJoined(ctx *module.Context) error { return nil }
func (m *Module) OnParticipantLeft(ctx *module.Context) error   { return nil }

type selectWriterPayload struct {
	Target string `json:"target"`
}

type deselectWriterPayload struct {
	Target string `json:"target"`
}

type writeURLEvent struct {
	URL       string `json:"write_url"`
	SessionID string `json:"session_id"`
}

type readURLEvent struct {
	URL string `json:"read_url"`
}

type pdfAssetEvent struct {
	AssetURL string `json:"asset_url"`
}

func (m *Module) HandleCommand(ctx *module.Context, action string, payload json.RawMessage) module.Result {
	switch action {
	case "select_writer":
		return m.selectWriter(ctx, payload)
	case "deselect_writer":
		return m.deselectWriter(ctx, payload)
	case "generate_pdf":
		return m.generatePDF(ctx)
	default:
		return module.Fail("unknown_action", fmt.Sprintf("protocol: unknown action %q", action))
	}
}

func (m *Module) selectWriter(ctx *module.Context, payload json.RawMessage) module.Result {
	if ctx.Self.Role != room.RoleModerator {
		return module.Fail("insufficient_permissions", "moderator role required")
	}
	var in selectWriterPayload
	if err := json.Unmarshal(payload, &in); err != nil || in.Target == "" {
		return module.Fail("invalid_participant_selection", "target is required")
	}

	// Claim initialization (or short-circuit on ready/initializing) under
	// the lock, but never perform the Etherpad calls themselves while
	// holding it: the lock lease and InitTimeout are both tuned to 10s, so
	// unbounded I/O under the lock risks every holder exceeding its lease
	// (§5). State mutation stays under the lock; grantWriter (which makes
	// its own Etherpad round trip for the session token) always runs
	// after the lock is released.
	var result module.Result
	var needsInit bool
	var grantState *State
	err := ctx.Coord.WithRoomLock(ctx.Context, ctx.RoomID, func(lockCtx context.Context) error {
		s, err := m.loadState(lockCtx, ctx.RoomID)
		if err != nil {
			return err
		}
		switch s.Status {
		case StatusInitializing:
			result = module.Fail("currently_initializing", "collaborative document is still initializing")
			return nil
		case StatusReady:
			s.Writers[in.Target] = true
			if err := m.saveState(lockCtx, ctx.RoomID, s); err != nil {
				return err
			}
			grantState = &s
			return nil
		}
		// Uninitialized or failed: claim the initializing state so a
		// concurrent select_writer sees "currently_initializing" instead
		// of racing the same Etherpad call.
		s.Status = StatusInitializing
		needsInit = true
		return m.saveState(lockCtx, ctx.RoomID, s)
	})
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if grantState != nil {
		return m.grantWriter(ctx, grantState, in.Target)
	}
	if !needsInit {
		return result
	}

	initCtx, cancel := context.WithTimeout(ctx.Context, m.InitTimeout)
	defer cancel()
	groupID, padID, initErr := m.Pad.CreateGroupPad(initCtx, ctx.RoomID)

	err = ctx.Coord.WithRoomLock(ctx.Context, ctx.RoomID, func(lockCtx context.Context) error {
		s, err := m.loadState(lockCtx, ctx.RoomID)
		if err != nil {
			return err
		}
		if initErr != nil {
			s.Status = StatusFailed
			result = module.Fail("failed_initialization", initErr.Error())
			return m.saveState(lockCtx, ctx.RoomID, s)
		}
		s.Status = StatusReady
		s.GroupID = groupID
		s.PadID = padID
		s.Writers[in.Target] = true
		if err := m.saveState(lockCtx, ctx.RoomID, s); err != nil {
			return err
		}
		grantState = &s
		return nil
	})
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if grantState != nil {
		return m.grantWriter(ctx, grantState, in.Target)
	}
	return result
}

// grantWriter mints a fresh Etherpad writer session for target and
// publishes it to their direct topic. Called only after the room lock has
// been released, since CreateSession is itself an unbounded Etherpad round
// trip (§5).
func (m *Module) grantWriter(ctx *module.Context, s *State, target string) module.Result {
	url := m.urlFor(s, target)
	sessionID, err := m.Pad.CreateSession(ctx.Context, s.GroupID, target, time.Now().Add(writerSessionTTL))
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	evt := writeURLEvent{URL: url, SessionID: sessionID}
	if err := ctx.Publish(room.DirectTopic(ctx.RoomID, target), Namespace, evt, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(evt)
}

func (m *Module) deselectWriter(ctx *module.Context, payload json.RawMessage) module.Result {
	if ctx.Self.Role != room.RoleModerator {
		return module.Fail("insufficient_permissions", "moderator role required")
	}
	var in deselectWriterPayload
	if err := json.Unmarshal(payload, &in); err != nil || in.Target == "" {
		return module.Fail("invalid_participant_selection", "target is required")
	}

	s, err := m.loadState(ctx.Context, ctx.RoomID)
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if s.Status != StatusReady {
		return module.Fail("not_initialized", "collaborative document is not ready")
	}
	delete(s.Writers, in.Target)
	if err := m.saveState(ctx.Context, ctx.RoomID, s); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	url := m.urlFor(&s, in.Target)
	if err := ctx.Publish(room.DirectTopic(ctx.RoomID, in.Target), Namespace, readURLEvent{URL: url}, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

func (m *Module) generatePDF(ctx *module.Context) module.Result {
	s, err := m.loadState(ctx.Context, ctx.RoomID)
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if s.Status != StatusReady {
		return module.Fail("not_initialized", "collaborative document is not ready")
	}

	pdfCtx, cancel := context.WithTimeout(ctx.Context, m.InitTimeout)
	defer cancel()
	data, err := m.Pad.ExportPDF(pdfCtx, s.PadID)
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	assetURL, err := m.ObjectStore.PutAsset(pdfCtx, fmt.Sprintf("protocol/%s/%s.pdf", ctx.RoomID, uuid.NewString()), data)
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if err := ctx.Publish(room.GlobalTopic(ctx.RoomID), Namespace, pdfAssetEvent{AssetURL: assetURL}, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

func (m *Module) urlFor(s *State, participantID string) string {
	if s.Writers[participantID] {
		return fmt.Sprintf("%s/p/%s?writer", s.GroupID, s.PadID)
	}
	return fmt.Sprintf("%s/p/%s?reader", s.GroupID, s.PadID)
}

func (m *Module) OnEvent(ctx *module.Context, action string, payload json.RawMessage) error {
	return nil
}

func (m *Module) DestroyRoom(ctx *module.Context) error {
	_, err := m.Store.Del(ctx.Context, stateKey(ctx.RoomID))
	return err
}
