// Package runner implements the participant runner (§4.1): the per-session
// state machine that validates a join, dispatches namespaced commands to
// internal/module.Registry, and drives the termination sequence. It is the
// generalization of a single read-loop-dispatching-on-a-type-switch into one
// that dispatches by namespace across N registered modules.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ricoschulte/opentalk-controller/internal/config"
	"github.com/ricoschulte/opentalk-controller/internal/module"
	"github.com/ricoschulte/opentalk-controller/internal/modules/control"
	"github.com/ricoschulte/opentalk-controller/internal/modules/moderation"
	"github.com/ricoschulte/opentalk-controller/internal/room"
	"github.com/ricoschulte/opentalk-controller/internal/transport"
	"github.com/ricoschulte/opentalk-controller/internal/wire"
)

// heartbeatInterval keeps the participant control record's TTL (§4.2) from
// lapsing under a live session; a third of the TTL leaves margin for one
// missed tick.
const heartbeatInterval = room.ParticipantControlTTL / 3

// terminalEventFlushDelay gives the connection's write loop a chance to
// flush a kicked/banned event before the runner forces the socket closed
// (§4.5: "send their terminal event to the target, then schedule transport
// close after the event is flushed").
const terminalEventFlushDelay = 200 * time.Millisecond

type runnerState int32

const (
	stateConnecting runnerState = iota
	stateWaiting
	stateInRoom
	stateTerminating
)

// RoomConfigResolver resolves a room's static configuration (§3A).
// Implemented by internal/roomconfig.Resolver.
type RoomConfigResolver interface {
	Resolve(ctx context.Context, roomID string) (room.StaticConfig, error)
}

// RoleResolver computes a joining participant's effective role from
// identity, room ACL, and tariff (§4.1 step 2).
type RoleResolver interface {
	ResolveRole(cfg room.StaticConfig, userID string, kind room.ParticipationKind) room.Role
}

// DefaultRoleResolver grants moderator to the room's creator and otherwise
// maps participation kind to the corresponding base role.
type DefaultRoleResolver struct{}

func (DefaultRoleResolver) ResolveRole(cfg room.StaticConfig, userID string, kind room.ParticipationKind) room.Role {
	if userID != "" && cfg.CreatorUserID != "" && userID == cfg.CreatorUserID {
		return room.RoleModerator
	}
	if kind == room.ParticipationGuest || kind == room.ParticipationSIP {
		return room.RoleGuest
	}
	return room.RoleUser
}

// roomLockedActions names the module namespace/action pairs that must run
// under the room lock because they mutate more than one roster set
// (moderation.go: "the caller (runner) is expected to wrap this
// HandleCommand call in ctx.Coord.WithRoomLock").
var roomLockedActions = map[string]map[string]bool{
	moderation.Namespace: {"accept": true},
}

func needsRoomLock(namespace, action string) bool {
	actions, ok := roomLockedActions[namespace]
	return ok && actions[action]
}

// Runner drives one participant's session (§4.1). It implements room.Sink
// so a Handle can fan events out to it directly.
type Runner struct {
	conn       *transport.Connection
	modules    *module.Registry
	rooms      *room.Registry
	coord      *room.Coordinator
	cfg        *config.Config
	roomConfig RoomConfigResolver
	roles      RoleResolver

	roomID        string
	participantID string
	handle        *room.Handle

	// state is touched only by Run's own goroutine (the runner is
	// cooperative single-task per session, §5); it needs no lock.
	state runnerState

	mu   sync.RWMutex
	self room.Participant

	stopHeartbeat chan struct{}
}

var _ room.Sink = (*Runner)(nil)

// New constructs a Runner. roles defaults to DefaultRoleResolver if nil.
func New(conn *transport.Connection, modules *module.Registry, rooms *room.Registry, coord *room.Coordinator, cfg *config.Config, roomConfig RoomConfigResolver, roles RoleResolver) *Runner {
	if roles == nil {
		roles = DefaultRoleResolver{}
	}
	return &Runner{
		conn:       conn,
		modules:    modules,
		rooms:      rooms,
		coord:      coord,
		cfg:        cfg,
		roomConfig: roomConfig,
		roles:      roles,
	}
}

func (r *Runner) ParticipantID() string { return r.participantID }

func (r *Runner) IsModerator() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self.Role == room.RoleModerator
}

// Deliver forwards a fanned-out event to this participant's transport. It
// also watches for two side effects that are local to this process: a
// control-namespace delivery (the acting participant's role may have just
// changed) triggers a best-effort self-snapshot refresh, and a moderation
// kicked/banned delivery schedules the transport's own close.
func (r *Runner) Deliver(namespace, senderID string, payloadJSON []byte) {
	frame := wire.NewOutbound(namespace, json.RawMessage(payloadJSON))
	if err := r.conn.Send(frame); err != nil {
		return
	}

	switch namespace {
	case control.Namespace:
		go r.refreshSelf()
	case moderation.Namespace:
		var terminal struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(payloadJSON, &terminal); err == nil {
			if terminal.Reason == wire.CloseKicked || terminal.Reason == wire.CloseBanned {
				reason := terminal.Reason
				time.AfterFunc(terminalEventFlushDelay, func() {
					r.conn.Close(closeCodeFor(reason), reason)
				})
			}
		}
	}
}

func (r *Runner) refreshSelf() {
	p, err := r.coord.LoadParticipantControl(context.Background(), r.roomID, r.participantID)
	if err != nil {
		return
	}
	r.setSelf(p)
}

func (r *Runner) getSelf() room.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self
}

func (r *Runner) setSelf(p room.Participant) {
	r.mu.Lock()
	r.self = p
	r.mu.Unlock()
}

func closeCodeFor(reason string) int {
	switch reason {
	case wire.CloseBanned, wire.CloseKicked, wire.CloseParticipantCap:
		return websocket.ClosePolicyViolation
	case wire.CloseRoomDestroyed:
		return websocket.CloseGoingAway
	case wire.CloseProtocolError:
		return websocket.CloseProtocolError
	default:
		return websocket.CloseInternalServerErr
	}
}

// Run drives roomID's join protocol and then the command-dispatch loop
// until the transport closes. It returns once the session has fully
// terminated; a non-nil error means the join itself failed.
func (r *Runner) Run(ctx context.Context, roomID string) error {
	r.roomID = roomID
	r.state = stateConnecting

	frame, err := r.conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("runner: read join frame: %w", err)
	}
	if frame.Namespace != wire.SessionNamespace || frame.Action != "join" {
		r.conn.Close(websocket.CloseProtocolError, wire.CloseProtocolError)
		return errors.New("runner: first frame must be join")
	}

	var joinPayload wire.JoinPayload
	if err := json.Unmarshal(frame.Payload, &joinPayload); err != nil || strings.TrimSpace(joinPayload.DisplayName) == "" {
		r.conn.Close(websocket.CloseProtocolError, wire.CloseProtocolError)
		return fmt.Errorf("runner: invalid join payload: %w", err)
	}

	cfg, err := r.roomConfig.Resolve(ctx, roomID)
	if err != nil {
		r.conn.Close(websocket.CloseInternalServerErr, wire.CloseInternal)
		return fmt.Errorf("runner: resolve room config: %w", err)
	}

	kind := room.ParticipationKind(joinPayload.Kind)
	if kind == "" {
		kind = room.ParticipationUser
	}
	role := r.roles.ResolveRole(cfg, joinPayload.UserID, kind)

	limit := cfg.Tariff.ParticipantLimit
	if limit == 0 {
		limit = r.cfg.DefaultTariff.ParticipantLimit
	}
	if limit > 0 {
		roster, err := r.coord.Roster(ctx, roomID)
		if err != nil {
			r.conn.Close(websocket.CloseInternalServerErr, wire.CloseInternal)
			return fmt.Errorf("runner: load roster: %w", err)
		}
		if len(roster) >= limit {
			_ = r.conn.Send(wire.NewOutbound(wire.SessionNamespace, wire.JoinBlockedMessage{Reason: wire.CloseParticipantCap}))
			// Close drops any frame still queued, so give the write loop time
			// to flush join_blocked first (as for kicked/banned).
			time.Sleep(terminalEventFlushDelay)
			r.conn.Close(websocket.ClosePolicyViolation, wire.CloseParticipantCap)
			return nil
		}
	}

	if kind == room.ParticipationUser && joinPayload.UserID != "" {
		banned, err := r.coord.IsBanned(ctx, roomID, joinPayload.UserID)
		if err != nil {
			r.conn.Close(websocket.CloseInternalServerErr, wire.CloseInternal)
			return fmt.Errorf("runner: check ban: %w", err)
		}
		if banned {
			r.conn.Close(websocket.ClosePolicyViolation, wire.CloseBanned)
			return nil
		}
	}

	participantID := joinPayload.ParticipantID
	var previous room.Participant
	var hadPrevious bool
	if participantID != "" {
		if p, err := r.coord.LoadParticipantControl(ctx, roomID, participantID); err == nil {
			previous, hadPrevious = p, true
		}
	}
	if participantID == "" {
		participantID = uuid.NewString()
	}
	r.participantID = participantID

	self := room.Participant{
		ParticipantID:     participantID,
		UserID:            joinPayload.UserID,
		Role:              role,
		DisplayName:       strings.TrimSpace(joinPayload.DisplayName),
		ParticipationKind: kind,
		JoinedAt:          time.Now().UTC(),
		WaitingRoomState:  room.WaitingNone,
		Groups:            joinPayload.Groups,
	}

	handle, err := r.rooms.GetOrCreate(ctx, roomID)
	if err != nil {
		r.conn.Close(websocket.CloseInternalServerErr, wire.CloseInternal)
		return fmt.Errorf("runner: get room handle: %w", err)
	}
	r.handle = handle
	r.setSelf(self)
	if err := handle.Attach(ctx, r); err != nil {
		r.conn.Close(websocket.CloseInternalServerErr, wire.CloseInternal)
		return fmt.Errorf("runner: attach sink: %w", err)
	}

	flags, err := r.coord.Flags(ctx, roomID, room.Flags{
		WaitingRoomEnabled: cfg.WaitingRoomDefault,
		RaiseHandsEnabled:  r.cfg.RaiseHandsDefaultEnabled,
		ChatEnabled:        r.cfg.ChatDefaultEnabled,
	})
	if err != nil {
		handle.Detach(participantID)
		r.conn.Close(websocket.CloseInternalServerErr, wire.CloseInternal)
		return fmt.Errorf("runner: load flags: %w", err)
	}

	preAccepted := hadPrevious && previous.WaitingRoomState == room.WaitingAccepted

	if flags.WaitingRoomEnabled && role != room.RoleModerator && !preAccepted {
		if err := r.enterWaiting(ctx); err != nil {
			handle.Detach(participantID)
			r.conn.Close(websocket.CloseInternalServerErr, wire.CloseInternal)
			return fmt.Errorf("runner: enter waiting room: %w", err)
		}
	} else if err := r.enterRoomDirect(ctx); err != nil {
		handle.Detach(participantID)
		r.conn.Close(websocket.CloseInternalServerErr, wire.CloseInternal)
		return fmt.Errorf("runner: enter room: %w", err)
	}

	r.startHeartbeat()
	defer r.terminate()

	for {
		in, err := r.conn.ReadFrame()
		if err != nil {
			return nil
		}
		r.handleFrame(ctx, in)
	}
}

func (r *Runner) enterWaiting(ctx context.Context) error {
	p := r.getSelf()
	p.WaitingRoomState = room.WaitingWaiting
	if err := r.coord.SaveParticipantControl(ctx, r.roomID, p); err != nil {
		return err
	}
	if err := r.coord.AddToWaitingRoster(ctx, r.roomID, r.participantID); err != nil {
		return err
	}
	r.setSelf(p)

	mctx := r.moduleContext(ctx, p)
	if err := moderation.NotifyWaiting(mctx); err != nil {
		log.Printf("runner: notify waiting for %s: %v", r.participantID, err)
	}

	r.state = stateWaiting
	return r.conn.Send(wire.NewOutbound(wire.SessionNamespace, wire.InWaitingRoomMessage{}))
}

func (r *Runner) enterRoomDirect(ctx context.Context) error {
	return r.coord.WithRoomLock(ctx, r.roomID, func(lctx context.Context) error {
		if err := r.coord.AddToRoster(lctx, r.roomID, r.participantID); err != nil {
			return err
		}
		return r.completeEntry(lctx)
	})
}

func (r *Runner) enterRoomFromWaiting(ctx context.Context) error {
	return r.coord.WithRoomLock(ctx, r.roomID, func(lctx context.Context) error {
		return r.completeEntry(lctx)
	})
}

// completeEntry runs the shared tail of both entry paths (§4.1 step 5):
// init_room, collect each module's join_success fragment, announce the
// arrival (control.Module.OnParticipantJoined publishes `joined`), then
// reply join_success. Callers must already hold the room lock.
func (r *Runner) completeEntry(ctx context.Context) error {
	p := r.getSelf()
	p.WaitingRoomState = room.WaitingNone
	if err := r.coord.SaveParticipantControl(ctx, r.roomID, p); err != nil {
		return err
	}
	r.setSelf(p)

	mctx := r.moduleContext(ctx, p)
	fragments := make(map[string]any, r.modules.Len())
	for _, m := range r.modules.Ordered() {
		mctx.Self = p
		if err := m.InitRoom(mctx); err != nil {
			return fmt.Errorf("init_room %s: %w", m.Namespace(), err)
		}
		frag, err := m.BuildJoinSuccessFragment(mctx)
		if err != nil {
			return fmt.Errorf("build_join_success_fragment %s: %w", m.Namespace(), err)
		}
		if frag != nil {
			fragments[m.Namespace()] = frag
		}
	}

	for _, m := range r.modules.Ordered() {
		mctx.Self = p
		if err := m.OnParticipantJoined(mctx); err != nil {
			log.Printf("runner: on_participant_joined %s for %s: %v", m.Namespace(), r.participantID, err)
		}
	}

	r.state = stateInRoom
	if err := r.conn.Send(wire.NewOutbound(wire.SessionNamespace, wire.JoinSuccessMessage{
		ParticipantID: r.participantID,
		Role:          string(p.Role),
		Modules:       fragments,
	})); err != nil {
		return err
	}

	// Eligibility for the shared global/moderators fan-out starts only now,
	// after join_success is already on the wire, so this sink can never
	// observe another participant's joined/update/left ahead of its own
	// admission (§4.1, §4.2).
	r.handle.Ready(r.participantID)
	if len(p.Groups) > 0 {
		if err := r.handle.AttachGroups(ctx, r.participantID, p.Groups); err != nil {
			log.Printf("runner: attach groups for %s: %v", r.participantID, err)
		}
	}
	return nil
}

func (r *Runner) handleFrame(ctx context.Context, in wire.Inbound) {
	switch r.state {
	case stateWaiting:
		if in.Namespace == control.Namespace && in.Action == "enter_room" {
			if err := r.enterRoomFromWaiting(ctx); err != nil {
				log.Printf("runner: enter_room from waiting for %s: %v", r.participantID, err)
				r.sendError(in.Namespace, wire.ErrUpstreamUnavailable, err.Error())
			}
			return
		}
		r.sendError(in.Namespace, wire.ErrUnknownAction, "only enter_room is accepted while waiting")
	case stateInRoom:
		r.dispatchCommand(ctx, in)
	}
}

func (r *Runner) dispatchCommand(ctx context.Context, in wire.Inbound) {
	m, ok := r.modules.Lookup(in.Namespace)
	if !ok {
		r.sendError(in.Namespace, wire.ErrUnknownAction, fmt.Sprintf("unknown namespace %q", in.Namespace))
		return
	}

	mctx := r.moduleContext(ctx, r.getSelf())
	var result module.Result
	if needsRoomLock(in.Namespace, in.Action) {
		lockErr := r.coord.WithRoomLock(ctx, r.roomID, func(lctx context.Context) error {
			mctx.Context = lctx
			result = m.HandleCommand(mctx, in.Action, json.RawMessage(in.Payload))
			return nil
		})
		if lockErr != nil {
			r.sendError(in.Namespace, wire.ErrUpstreamUnavailable, lockErr.Error())
			return
		}
	} else {
		result = m.HandleCommand(mctx, in.Action, json.RawMessage(in.Payload))
	}

	r.setSelf(mctx.Self)
	switch {
	case result.Err != nil:
		_ = r.conn.Send(wire.NewOutbound(in.Namespace, result.Err))
	case result.Emit != nil:
		_ = r.conn.Send(wire.NewOutbound(in.Namespace, result.Emit))
	}
}

func (r *Runner) sendError(namespace, code, text string) {
	_ = r.conn.Send(wire.NewOutbound(namespace, wire.NewError(code, text)))
}

func (r *Runner) moduleContext(ctx context.Context, self room.Participant) *module.Context {
	return &module.Context{
		Context:       ctx,
		RoomID:        r.roomID,
		ParticipantID: r.participantID,
		Handle:        r.handle,
		Coord:         r.coord,
		Self:          self,
	}
}

func (r *Runner) startHeartbeat() {
	r.stopHeartbeat = make(chan struct{})
	stop := r.stopHeartbeat
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := r.coord.RefreshParticipantHeartbeat(context.Background(), r.roomID, r.participantID); err != nil {
					log.Printf("runner: refresh heartbeat for %s: %v", r.participantID, err)
				}
			}
		}
	}()
}

// terminate runs the termination sequence (§4.1 "Cancellation"): unsubscribe
// from the room topic, run every module's on_leave in registration order
// (control runs first, so its `left` broadcast reaches everyone else before
// any other module's cleanup), remove the participant from both rosters
// under the room lock, and destroy the room if it is now empty.
func (r *Runner) terminate() {
	r.state = stateTerminating
	if r.stopHeartbeat != nil {
		close(r.stopHeartbeat)
	}
	if r.handle == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r.handle.Detach(r.participantID)

	self := r.getSelf()
	mctx := r.moduleContext(ctx, self)
	for _, m := range r.modules.Ordered() {
		mctx.Self = self
		if err := m.OnParticipantLeft(mctx); err != nil {
			log.Printf("runner: on_participant_left %s for %s: %v", m.Namespace(), r.participantID, err)
		}
	}

	lockErr := r.coord.WithRoomLock(ctx, r.roomID, func(lctx context.Context) error {
		if err := r.coord.RemoveFromRoster(lctx, r.roomID, r.participantID); err != nil {
			return err
		}
		if err := r.coord.RemoveFromWaitingRoster(lctx, r.roomID, r.participantID); err != nil {
			return err
		}
		return r.coord.DeleteParticipantControl(lctx, r.roomID, r.participantID)
	})
	if lockErr != nil {
		log.Printf("runner: terminate cleanup for %s: %v", r.participantID, lockErr)
	}

	if empty, err := r.coord.Empty(ctx, r.roomID); err != nil {
		log.Printf("runner: check room empty %s: %v", r.roomID, err)
	} else if empty {
		for _, m := range r.modules.Ordered() {
			if err := m.DestroyRoom(mctx); err != nil {
				log.Printf("runner: destroy_room %s for room %s: %v", m.Namespace(), r.roomID, err)
			}
		}
	}

	r.rooms.ReleaseIfEmpty(r.roomID)
	r.conn.Close(websocket.CloseNormalClosure, "terminating")
}
