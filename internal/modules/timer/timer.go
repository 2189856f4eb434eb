// Package timer implements the timer module (§4.8): a single
// countdown-or-stopwatch timer per room, anchored to absolute time so late
// joiners compute correct remaining duration, with an optional ready-check.
package timer

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

const Namespace = "timer"

type DurationLimits struct {
	Min, Max time.Duration
}

type Kind string

const (
	KindCountdown Kind = "countdown"
	KindStopwatch Kind = "stopwatch"
)

type StopReason string

const (
	StopByModerator StopReason = "by_moderator"
	StopExpired     StopReason = "expired"
	StopCreatorLeft StopReason = "creator_left"
)

// Scheduler schedules a one-shot callback; the runner's wiring passes a
// real time.AfterFunc-backed implementation, tests pass a no-op/manual one.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) (cancel func())
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

// RealScheduler is the production Scheduler, backed by time.AfterFunc.
var RealScheduler Scheduler = realScheduler{}

type Module struct {
	Store     port.Store
	Limits    DurationLimits
	Scheduler Scheduler
}

func New(store port.Store, limits DurationLimits, scheduler Scheduler) *Module {
	if scheduler == nil {
		scheduler = RealScheduler
	}
	return &Module{Store: store, Limits: limits, Scheduler: scheduler}
}

var _ module.Module = (*Module)(nil)

func (m *Module) Namespace() string { return Namespace }

func (m *Module) InitRoom(ctx *module.Context) error { return nil }

type Timer struct {
	TimerID           string          `json:"timer_id"`
	Kind              Kind            `json:"kind"`
	Title             string          `json:"title,omitempty"`
	Style             string          `json:"style,omitempty"`
	StartedAt         time.Time       `json:"started_at"`
	EndsAt            *time.Time      `json:"ends_at,omitempty"`
	ReadyCheckEnabled bool            `json:"ready_check_enabled"`
	Ready             map[string]bool `json:"ready"`
	CreatorID         string          `json:"creator_id"`
}

func timerKey(roomID string) string { return room.ModuleRoomKey(roomID, Namespace, "current_timer") }

func (m *Module) loadTimer(ctx context.Context, roomID string) (*Timer, error) {
	raw, err := m.Store.Get(ctx, timerKey(roomID))
	if err != nil {
		if err == port.ErrMiss {
			return nil, nil
		}
		return nil, err
	}
	var t Timer
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("timer: unmarshal: %w", err)
	}
	return &t, nil
}

func (m *Module) saveTimer(ctx context.Context, roomID string, t *Timer) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return m.Store.Set(ctx, timerKey(roomID), string(data), 0)
}

func (m *Module) clearTimer(ctx context.Context, roomID string) error {
	_, err := m.Store.Del(ctx, timerKey(roomID))
	return err
}

type joinSuccessFragment struct {
	CurrentTimer *Timer `json:"current_timer,omitempty"`
}

func (m *Module) BuildJoinSuccessFragment(ctx *module.Context) (any, error) {
	t, err := m.loadTimer(ctx.Context, ctx.RoomID)
	if err != nil {
		return nil, err
	}
	return joinSuccessFragment{CurrentTimer: t}, nil
}

func (m *Module) OnParticipantJoined(ctx *module.Context) error { return nil }

// OnParticipantLeft implements the "creator leaves" stop-reason (§8
// scenario 3): if the leaving participant created the running timer, stop
// it with StopCreatorLeft.
func (m *Module) OnParticipantLeft(ctx *module.Context) error {
	t, err := m.loadTimer(ctx.Context, ctx.RoomID)
	if err != nil || t == nil {
		return err
	}
	if t.CreatorID != ctx.ParticipantID {
		return nil
	}
	return m.stop(ctx, t, StopCreatorLeft)
}

type startPayload struct {
	Kind              Kind   `json:"kind"`
	DurationSeconds   int    `json:"duration_seconds"`
	Title             string `json:"title,omitempty"`
	Style             string `json:"style,omitempty"`
	EnableReadyCheck  bool   `json:"enable_ready_check"`
}

type updateReadyPayload struct {
	Ready bool `json:"ready"`
}

type startedEvent struct {
	Timer Timer `json:"timer"`
}

type stoppedEvent struct {
	TimerID string     `json:"timer_id"`
	Kind    StopReason `json:"kind"`
}

type readyUpdateEvent struct {
	ParticipantID string `json:"participant_id"`
	Ready         bool   `json:"ready"`
}

func (m *Module) HandleCommand(ctx *module.Context, action string, payload json.RawMessage) module.Result {
	switch action {
	case "start":
		return m.start(ctx, payload)
	case "stop":
		return m.stopByModerator(ctx)
	case "update_ready_status":
		return m.updateReady(ctx, payload)
	default:
		return module.Fail("unknown_action", fmt.Sprintf("timer: unknown action %q", action))
	}
}

func (m *Module) start(ctx *module.Context, payload json.RawMessage) module.Result {
	if ctx.Self.Role != room.RoleModerator {
		return module.Fail("insufficient_permissions", "moderator role required")
	}
	existing, err := m.loadTimer(ctx.Context, ctx.RoomID)
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if existing != nil {
		return module.Fail("timer_already_running", "a timer is already running")
	}

	var in startPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return module.Fail("bad_request", "invalid payload")
	}
	if in.Kind == "" {
		in.Kind = KindCountdown
	}

	now := time.Now().UTC()
	t := &Timer{
		TimerID:           uuid.NewString(),
		Kind:              in.Kind,
		Title:             in.Title,
		Style:             in.Style,
		StartedAt:         now,
		ReadyCheckEnabled: in.EnableReadyCheck,
		Ready:             map[string]bool{},
		CreatorID:         ctx.ParticipantID,
	}

	if in.Kind == KindCountdown {
		duration := time.Duration(in.DurationSeconds) * time.Second
		if duration < m.Limits.Min || duration > m.Limits.Max {
			return module.Fail("invalid_duration", "duration out of range")
		}
		ends := now.Add(duration)
		t.EndsAt = &ends
	}

	if err := m.saveTimer(ctx.Context, ctx.RoomID, t); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if err := ctx.Publish(room.GlobalTopic(ctx.RoomID), Namespace, startedEvent{Timer: *t}, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}

	if t.EndsAt != nil {
		remaining := time.Until(*t.EndsAt)
		m.Scheduler.AfterFunc(remaining, func() {
			expireCtx := *ctx
			_ = m.stop(&expireCtx, t, StopExpired)
		})
	}
	return module.OK(nil)
}

func (m *Module) stopByModerator(ctx *module.Context) module.Result {
	if ctx.Self.Role != room.RoleModerator {
		return module.Fail("insufficient_permissions", "moderator role required")
	}
	t, err := m.loadTimer(ctx.Context, ctx.RoomID)
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if t == nil {
		return module.Fail("not_initialized", "no timer running")
	}
	if err := m.stop(ctx, t, StopByModerator); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

func (m *Module) stop(ctx *module.Context, t *Timer, reason StopReason) error {
	if err := m.clearTimer(ctx.Context, ctx.RoomID); err != nil {
		return err
	}
	return ctx.Publish(room.GlobalTopic(ctx.RoomID), Namespace, stoppedEvent{TimerID: t.TimerID, Kind: reason}, false)
}

func (m *Module) updateReady(ctx *module.Context, payload json.RawMessage) module.Result {
	t, err := m.loadTimer(ctx.Context, ctx.RoomID)
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if t == nil || !t.ReadyCheckEnabled {
		return module.Fail("not_initialized", "no ready-check-enabled timer running")
	}
	var in updateReadyPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return module.Fail("bad_request", "invalid payload")
	}
	t.Ready[ctx.ParticipantID] = in.Ready
	if err := m.saveTimer(ctx.Context, ctx.RoomID, t); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if err := ctx.Publish(room.GlobalTopic(ctx.RoomID), "control", readyUpdateEvent{ParticipantID: ctx.ParticipantID, Ready: in.Ready}, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

func (m *Module) OnEvent(ctx *module.Context, action string, payload json.RawMessage) error {
	return nil
}

func (m *Module) DestroyRoom(ctx *module.Context) error {
	return m.clearTimer(ctx.Context, ctx.RoomID)
}
