// Package whiteboard implements the whiteboard module (§4.10): the same
// three-state lazy-init machine as internal/modules/protocol, backed by a
// spacedeck-compatible HTTP service instead of Etherpad.
package whiteboard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ricoschulte/opentalk-controller/internal/kv/port"
	"github.com/ricoschulte/opentalk-controller/internal/module"
	"github.com/ricoschulte/opentalk-controller/internal/room"
)

const Namespace = "whiteboard"

type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusInitializing  Status = "initializing"
	StatusReady         Status = "ready"
	StatusFailed        Status = "failed"
)

type State struct {
	Status   Status `json:"status"`
	SpaceURL string `json:"space_url,omitempty"`
}

// SpaceService is the subset of the internal/external/whiteboard Client this
// module needs; an interface so tests can substitute a fake.
type SpaceService interface {
	CreateSpace(ctx context.Context, roomID string) (spaceURL string, err error)
	ExportPDF(ctx context.Context, spaceID string) (pdfURL string, err error)
}

type Module struct {
	Store       port.Store
	Space       SpaceService
	InitTimeout time.Duration
}

func New(store port.Store, space SpaceService) *Module {
	return &Module{Store: store, Space: space, InitTimeout: 10 * time.Second}
}

var _ module.Module = (*Module)(nil)

func (m *Module) Namespace() string { return Namespace }

func (m *Module) InitRoom(ctx *module.Context) error { return nil }

func stateKey(roomID string) string { return room.ModuleRoomKey(roomID, Namespace, "state") }

func (m *Module) loadState(ctx context.Context, roomID string) (State, error) {
	raw, err := m.Store.Get(ctx, stateKey(roomID))
	if err != nil {
		if err == port.ErrMiss {
			return State{Status: StatusUninitialized}, nil
		}
		return State{}, err
	}
	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return State{}, fmt.Errorf("whiteboard: unmarshal: %w", err)
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
	Status   Status `json:"status"`
	SpaceURL string `json:"space_url,omitempty"`
}

func (m *Module) BuildJoinSuccessFragment(ctx *module.Context) (any, error) {
	s, err := m.loadState(ctx.Context, ctx.RoomID)
	if err != nil {
		return nil, err
	}
	return joinSuccessFragment{Status: s.Status, SpaceURL: s.SpaceURL}, nil
}

func (m *Module) OnParticipantJoined(ctx *module.Context) error { return nil }
func (m *Module) OnParticipantLeft(ctx *module.Context) error   { return nil }

type spaceURLEvent struct {
	SpaceURL string `json:"space_url"`
}

type pdfURLEvent struct {
	PdfURL string `json:"pdf_url"`
}

func (m *Module) HandleCommand(ctx *module.Context, action string, payload json.RawMessage) module.Result {
	switch action {
	case "initialize":
		return m.initialize(ctx)
	case "generate_pdf":
		return m.generatePDF(ctx)
	default:
		return module.Fail("unknown_action", fmt.Sprintf("whiteboard: unknown action %q", action))
	}
}

func (m *Module) initialize(ctx *module.Context) module.Result {
	if ctx.Self.Role != room.RoleModerator {
		return module.Fail("insufficient_permissions", "moderator role required")
	}

	// Claim initialization under the lock, but perform the Spacedeck call
	// itself outside it: the lock lease and InitTimeout are both tuned to
	// 10s, so an unbounded call under the lock risks every holder
	// exceeding its lease (§5).
	var result module.Result
	var needsInit bool
	err := ctx.Coord.WithRoomLock(ctx.Context, ctx.RoomID, func(lockCtx context.Context) error {
		s, err := m.loadState(lockCtx, ctx.RoomID)
		if err != nil {
			return err
		}
		switch s.Status {
		case StatusInitializing:
			result = module.Fail("currently_initializing", "whiteboard is still initializing")
			return nil
		case StatusReady:
			result = module.Fail("already_initialized", "whiteboard already initialized")
			return nil
		}

		s.Status = StatusInitializing
		needsInit = true
		return m.saveState(lockCtx, ctx.RoomID, s)
	})
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if !needsInit {
		return result
	}

	initCtx, cancel := context.WithTimeout(ctx.Context, m.InitTimeout)
	defer cancel()
	spaceURL, initErr := m.Space.CreateSpace(initCtx, ctx.RoomID)

	err = ctx.Coord.WithRoomLock(ctx.Context, ctx.RoomID, func(lockCtx context.Context) error {
		s, err := m.loadState(lockCtx, ctx.RoomID)
		if err != nil {
			return err
		}
		if initErr != nil {
			s.Status = StatusFailed
			result = module.Fail("initialization_failed", initErr.Error())
			return m.saveState(lockCtx, ctx.RoomID, s)
		}

		s.Status = StatusReady
		s.SpaceURL = spaceURL
		if err := m.saveState(lockCtx, ctx.RoomID, s); err != nil {
			return err
		}
		if pubErr := ctx.Publish(room.GlobalTopic(ctx.RoomID), Namespace, spaceURLEvent{SpaceURL: spaceURL}, false); pubErr != nil {
			return pubErr
		}
		result = module.OK(spaceURLEvent{SpaceURL: spaceURL})
		return nil
	})
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return result
}

func (m *Module) generatePDF(ctx *module.Context) module.Result {
	s, err := m.loadState(ctx.Context, ctx.RoomID)
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if s.Status != StatusReady {
		return module.Fail("not_initialized", "whiteboard is not ready")
	}
	pdfCtx, cancel := context.WithTimeout(ctx.Context, m.InitTimeout)
	defer cancel()
	pdfURL, err := m.Space.ExportPDF(pdfCtx, s.SpaceURL)
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if err := ctx.Publish(room.GlobalTopic(ctx.RoomID), Namespace, pdfURLEvent{PdfURL: pdfURL}, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

func (m *Module) OnEvent(ctx *module.Context, action string, payload json.RawMessage) error {
	return nil
}

func (m *Module) DestroyRoom(ctx *module.Context) error {
	_, err := m.Store.Del(ctx.Context, stateKey(ctx.RoomID))
	return err
}
