// Package poll implements the poll module (§4.7): idle/running/finished
// voting with optional live updates and moderator-configurable choice and
// duration limits.
package poll

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ricoschulte/opentalk-controller/internal/kv/port"
	"github.com/ricoschulte/opentalk-controller/internal/module"
	"github.com/ricoschulte/opentalk-controller/internal/room"
)

const Namespace = "poll"

type ChoiceLimits struct {
	Min, Max         int
	DescMin, DescMax int
}

type DurationLimits struct {
	Min, Max time.Duration
}

// Scheduler schedules a one-shot callback; mirrors internal/modules/timer's
// injection pattern so poll's duration expiry (§4.7) is equally testable.
// The runner's wiring passes a real time.AfterFunc-backed implementation,
// tests pass a no-op/manual one.
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

// Module owns a bounded amount of additional raw KV state (the live
// tally/voted-by set) beyond what room.Coordinator's generic helpers
// cover, so it takes a direct port.Store like the chat module does.
type Module struct {
	Store     port.Store
	Choices   ChoiceLimits
	Duration  DurationLimits
	Scheduler Scheduler
}

func New(store port.Store, choices ChoiceLimits, duration DurationLimits, scheduler Scheduler) *Module {
	if scheduler == nil {
		scheduler = RealScheduler
	}
	return &Module{Store: store, Choices: choices, Duration: duration, Scheduler: scheduler}
}

var _ module.Module = (*Module)(nil)

func (m *Module) Namespace() string { return Namespace }

func (m *Module) InitRoom(ctx *module.Context) error { return nil }

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateFinished State = "finished"
)

// Poll is the room-shared current_poll record (§3).
type Poll struct {
	PollID   string         `json:"poll_id"`
	Topic    string         `json:"topic"`
	Choices  []string       `json:"choices"`
	Duration time.Duration  `json:"duration"`
	Live     bool           `json:"live"`
	State    State          `json:"state"`
	StartsAt time.Time      `json:"starts_at"`
	VotedBy  map[string]bool `json:"voted_by"`
	Tally    map[string]int `json:"tally"`
}

func pollKey(roomID string) string { return room.ModuleRoomKey(roomID, Namespace, "current_poll") }

func (m *Module) loadPoll(ctx *module.Context) (*Poll, error) {
	raw, err := m.Store.Get(ctx.Context, pollKey(ctx.RoomID))
	if err != nil {
		if err == port.ErrMiss {
			return nil, nil
		}
		return nil, err
	}
	var p Poll
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("poll: unmarshal: %w", err)
	}
	return &p, nil
}

func (m *Module) savePoll(ctx *module.Context, p *Poll) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return m.Store.Set(ctx.Context, pollKey(ctx.RoomID), string(data), 0)
}

type joinSuccessFragment struct {
	CurrentPoll *Poll `json:"current_poll,omitempty"`
}

func (m *Module) BuildJoinSuccessFragment(ctx *module.Context) (any, error) {
	p, err := m.loadPoll(ctx)
	if err != nil {
		return nil, err
	}
	return joinSuccessFragment{CurrentPoll: p}, nil
}

func (m *Module) OnParticipantJoined(ctx *module.Context) error { return nil }
func (m *Module) OnParticipantLeft(ctx *module.Context) error   { return nil }

type startPayload struct {
	Topic    string   `json:"topic"`
	Choices  []string `json:"choices"`
	Live     bool     `json:"live"`
	Duration int      `json:"duration_seconds"`
}

type votePayload struct {
	PollID   string `json:"poll_id"`
	ChoiceID int    `json:"choice_id"`
}

type startedEvent struct {
	Poll Poll `json:"poll"`
}

type liveUpdateEvent struct {
	PollID string         `json:"poll_id"`
	Tally  map[string]int `json:"tally"`
}

type doneEvent struct {
	PollID string         `json:"poll_id"`
	Tally  map[string]int `json:"tally"`
}

func (m *Module) HandleCommand(ctx *module.Context, action string, payload json.RawMessage) module.Result {
	switch action {
	case "start":
		return m.start(ctx, payload)
	case "vote":
		return m.vote(ctx, payload)
	case "finish":
		return m.finish(ctx)
	default:
		return module.Fail("unknown_action", fmt.Sprintf("poll: unknown action %q", action))
	}
}

func (m *Module) start(ctx *module.Context, payload json.RawMessage) module.Result {
	if ctx.Self.Role != room.RoleModerator {
		return module.Fail("insufficient_permissions", "moderator role required")
	}

	existing, err := m.loadPoll(ctx)
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if existing != nil && existing.State == StateRunning {
		return module.Fail("still_running", "a poll is already running")
	}

	var in startPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return module.Fail("bad_request", "invalid payload")
	}
	if len(in.Topic) == 0 || len(in.Topic) > 200 {
		return module.Fail("invalid_topic_length", "topic length out of range")
	}
	if len(in.Choices) < m.Choices.Min || len(in.Choices) > m.Choices.Max {
		return module.Fail("invalid_choice_count", "choice count out of range")
	}
	for _, c := range in.Choices {
		if len(c) < m.Choices.DescMin || len(c) > m.Choices.DescMax {
			return module.Fail("invalid_choice_description", "choice description length out of range")
		}
	}
	duration := time.Duration(in.Duration) * time.Second
	if duration < m.Duration.Min || duration > m.Duration.Max {
		return module.Fail("invalid_duration", "duration out of range")
	}

	p := &Poll{
		PollID:   uuid.NewString(),
		Topic:    in.Topic,
		Choices:  in.Choices,
		Duration: duration,
		Live:     in.Live,
		State:    StateRunning,
		StartsAt: time.Now().UTC(),
		VotedBy:  map[string]bool{},
		Tally:    map[string]int{},
	}
	if err := m.savePoll(ctx, p); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if err := ctx.Publish(room.GlobalTopic(ctx.RoomID), Namespace, startedEvent{Poll: *p}, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}

	pollID := p.PollID
	m.Scheduler.AfterFunc(duration, func() {
		expireCtx := *ctx
		if err := m.ExpirePoll(&expireCtx, pollID); err != nil {
			log.Printf("poll: expire %s in room %s: %v", pollID, ctx.RoomID, err)
		}
	})
	return module.OK(nil)
}

func (m *Module) vote(ctx *module.Context, payload json.RawMessage) module.Result {
	var in votePayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return module.Fail("bad_request", "invalid payload")
	}

	p, err := m.loadPoll(ctx)
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if p == nil || p.PollID != in.PollID || p.State != StateRunning {
		return module.Fail("invalid_poll_id", "no matching running poll")
	}
	if in.ChoiceID < 0 || in.ChoiceID >= len(p.Choices) {
		return module.Fail("invalid_choice_id", "choice id out of range")
	}
	if p.VotedBy[ctx.ParticipantID] {
		return module.Fail("voted_already", "participant already voted")
	}

	p.VotedBy[ctx.ParticipantID] = true
	choice := p.Choices[in.ChoiceID]
	p.Tally[choice]++
	if err := m.savePoll(ctx, p); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}

	if p.Live {
		if err := ctx.Publish(room.GlobalTopic(ctx.RoomID), Namespace, liveUpdateEvent{PollID: p.PollID, Tally: p.Tally}, false); err != nil {
			return module.Fail("upstream_unavailable", err.Error())
		}
	}
	return module.OK(nil)
}

func (m *Module) finish(ctx *module.Context) module.Result {
	if ctx.Self.Role != room.RoleModerator {
		return module.Fail("insufficient_permissions", "moderator role required")
	}
	return m.finishInternal(ctx, "")
}

// ExpirePoll is scheduled by start via m.Scheduler (mirroring
// internal/modules/timer) for StartsAt+Duration, and fires when a running
// poll's duration elapses without an explicit finish, completing the
// idle/running/finished cycle (§4.7). pollID pins the callback to the poll
// it was scheduled for, so a stale timer from an earlier poll cannot finish
// a later one that reused the same room.
func (m *Module) ExpirePoll(ctx *module.Context, pollID string) error {
	res := m.finishInternal(ctx, pollID)
	if res.Err != nil {
		// The poll was already finished (explicitly or by a prior expiry);
		// nothing left to do.
		if res.Err.Code == "invalid_poll_id" {
			return nil
		}
		return fmt.Errorf("poll: expire: %s", res.Err.Text)
	}
	return nil
}

func (m *Module) finishInternal(ctx *module.Context, pollID string) module.Result {
	p, err := m.loadPoll(ctx)
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if p == nil || p.State != StateRunning || (pollID != "" && p.PollID != pollID) {
		return module.Fail("invalid_poll_id", "no running poll to finish")
	}
	p.State = StateFinished
	if err := m.savePoll(ctx, p); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if err := ctx.Publish(room.GlobalTopic(ctx.RoomID), Namespace, doneEvent{PollID: p.PollID, Tally: p.Tally}, false); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	// Reset to idle per §4.7 ("On duration expiry OR finish ..., publish
	// done ... and reset to idle").
	if err := m.savePoll(ctx, &Poll{State: StateIdle}); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

func (m *Module) OnEvent(ctx *module.Context, action string, payload json.RawMessage) error {
	return nil
}

func (m *Module) DestroyRoom(ctx *module.Context) error {
	_, err := m.Store.Del(ctx.Context, pollKey(ctx.RoomID))
	return err
}
