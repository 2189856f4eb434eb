package room

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	pubsubport "github.com/ricoschulte/opentalk-controller/internal/pubsub/port"
)

// Sink is how a locally-attached runner receives events fanned out by a
// Handle. Implemented by internal/runner.Runner.
type Sink interface {
	ParticipantID() string
	IsModerator() bool
	Deliver(namespace string, senderID string, payloadJSON []byte)
}

// maxSeenNonces bounds the per-publication dedup cache (§4.2) so a
// long-lived handle does not grow unbounded memory across a meeting with
// many reconnects.
const maxSeenNonces = 8192

// Handle owns the pub/sub subscriptions for one room and multiplexes
// delivered events to whichever locally-attached runners (Sinks) should see
// them. It is the in-process half of the room coordinator (§4.2); the
// cross-process half is Coordinator.
//
// A sink's own direct topic (room:{id}:to:{participant_id}) is live from
// Attach onward, since a waiting participant must still receive its
// "accepted" event. Eligibility for the shared global/moderators fan-out is
// a separate, later step (Ready): it must not start before the sink's own
// join_success has been sent, or it could see another participant's
// joined/update/left ahead of its own admission (§4.1, §4.2).
type Handle struct {
	RoomID string

	bus   pubsubport.Bus
	Coord *Coordinator

	mu    sync.RWMutex
	sinks map[string]Sink // participantID -> sink, populated by Attach
	ready map[string]bool // participantID -> eligible for global/moderators fan-out

	direct map[string]pubsubport.Subscription            // participantID -> direct-topic subscription
	groups map[string]map[string]pubsubport.Subscription // participantID -> group -> group-topic subscription

	global      pubsubport.Subscription
	moderators  pubsubport.Subscription
	cancel      context.CancelFunc
	closed      bool

	seenMu sync.Mutex
	seen   map[string]struct{}
	seenQ  []string
}

// NewHandle subscribes to the room's global and moderators topics and starts
// the fan-out pump. Callers obtain Handles through Registry, not directly.
func NewHandle(ctx context.Context, roomID string, bus pubsubport.Bus, coord *Coordinator) (*Handle, error) {
	hctx, cancel := context.WithCancel(ctx)

	global, err := bus.Subscribe(hctx, GlobalTopic(roomID))
	if err != nil {
		cancel()
		return nil, err
	}
	moderators, err := bus.Subscribe(hctx, ModeratorsTopic(roomID))
	if err != nil {
		_ = global.Close()
		cancel()
		return nil, err
	}

	h := &Handle{
		RoomID:     roomID,
		bus:        bus,
		Coord:      coord,
		sinks:      make(map[string]Sink),
		ready:      make(map[string]bool),
		direct:     make(map[string]pubsubport.Subscription),
		groups:     make(map[string]map[string]pubsubport.Subscription),
		global:     global,
		moderators: moderators,
		cancel:     cancel,
		seen:       make(map[string]struct{}),
	}

	go h.pump(global, false)
	go h.pump(moderators, true)

	return h, nil
}

// Attach registers a locally-connected runner and subscribes to its direct
// topic so room:{id}:to:{participant_id} deliveries reach it (this is what
// lets a waiting participant still receive its "accepted" event). The sink
// is not yet eligible for global/moderators fan-out; call Ready once its
// own join_success has been sent.
func (h *Handle) Attach(ctx context.Context, sink Sink) error {
	participantID := sink.ParticipantID()
	sub, err := h.bus.Subscribe(ctx, DirectTopic(h.RoomID, participantID))
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.sinks[participantID] = sink
	h.direct[participantID] = sub
	h.mu.Unlock()

	go h.pumpDirect(participantID, sub)
	return nil
}

// AttachGroups subscribes participantID's already-attached sink to each of
// its chat groups' topics (§4.6), so a group message reaches only
// participants who declared membership in that group at join. Safe to call
// only after Attach.
func (h *Handle) AttachGroups(ctx context.Context, participantID string, groupsList []string) error {
	subs := make(map[string]pubsubport.Subscription, len(groupsList))
	for _, g := range groupsList {
		sub, err := h.bus.Subscribe(ctx, GroupTopic(h.RoomID, g))
		if err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			return err
		}
		subs[g] = sub
	}

	h.mu.Lock()
	h.groups[participantID] = subs
	h.mu.Unlock()

	for _, sub := range subs {
		go h.pumpDirect(participantID, sub)
	}
	return nil
}

// Ready marks participantID eligible for the shared global/moderators
// fan-out. Callers (internal/runner.completeEntry) must call this only
// after the participant's own join_success has already been sent, so the
// sink never observes another participant's joined/update/left first.
func (h *Handle) Ready(participantID string) {
	h.mu.Lock()
	h.ready[participantID] = true
	h.mu.Unlock()
}

// Detach removes a locally-connected runner and closes its direct
// subscription.
func (h *Handle) Detach(participantID string) {
	h.mu.Lock()
	delete(h.sinks, participantID)
	delete(h.ready, participantID)
	sub, ok := h.direct[participantID]
	delete(h.direct, participantID)
	groupSubs := h.groups[participantID]
	delete(h.groups, participantID)
	h.mu.Unlock()

	if ok {
		_ = sub.Close()
	}
	for _, s := range groupSubs {
		_ = s.Close()
	}
}

// LocalSinkCount reports how many runners are currently attached to this
// process for this room, used by Registry to decide when a Handle can be
// torn down.
func (h *Handle) LocalSinkCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// Publish stamps msg with a dedup nonce (if unset) and publishes it on
// topic. Module packages call this (indirectly, through internal/module's
// dispatch context) rather than reaching into the bus directly.
func (h *Handle) Publish(ctx context.Context, topic string, msg pubsubport.Message) error {
	if msg.Nonce == "" {
		msg.Nonce = uuid.NewString()
	}
	return h.bus.Publish(ctx, topic, msg)
}

// pump handles the room-wide global and moderators subscriptions: every
// message is a candidate broadcast to every ready sink (§4.2).
func (h *Handle) pump(sub pubsubport.Subscription, moderatorsOnly bool) {
	for msg := range sub.Channel() {
		if h.alreadySeen(msg.Nonce) {
			continue
		}
		h.deliver(msg, moderatorsOnly)
	}
}

// pumpDirect handles one participant's own direct topic: unlike pump, a
// message here is addressed to exactly one sink, not broadcast to every
// attached sink, and it is delivered whether or not that sink is Ready yet
// (§4.5 "accepted" must reach a participant still in the waiting room).
func (h *Handle) pumpDirect(participantID string, sub pubsubport.Subscription) {
	for msg := range sub.Channel() {
		if h.alreadySeen(msg.Nonce) {
			continue
		}
		if msg.ExcludeSender && participantID == msg.SenderID {
			continue
		}
		h.mu.RLock()
		sink, ok := h.sinks[participantID]
		h.mu.RUnlock()
		if !ok {
			continue
		}
		sink.Deliver(msg.Namespace, msg.SenderID, msg.PayloadJSON)
	}
}

func (h *Handle) deliver(msg pubsubport.Message, moderatorsOnly bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id := range h.ready {
		if msg.ExcludeSender && id == msg.SenderID {
			continue
		}
		sink, ok := h.sinks[id]
		if !ok {
			continue
		}
		if moderatorsOnly && !sink.IsModerator() {
			continue
		}
		sink.Deliver(msg.Namespace, msg.SenderID, msg.PayloadJSON)
	}
}

func (h *Handle) alreadySeen(nonce string) bool {
	if nonce == "" {
		return false
	}
	h.seenMu.Lock()
	defer h.seenMu.Unlock()
	if _, ok := h.seen[nonce]; ok {
		return true
	}
	h.seen[nonce] = struct{}{}
	h.seenQ = append(h.seenQ, nonce)
	if len(h.seenQ) > maxSeenNonces {
		oldest := h.seenQ[0]
		h.seenQ = h.seenQ[1:]
		delete(h.seen, oldest)
	}
	return false
}

// Close tears down the room's subscriptions. Called by Registry once the
// last local sink detaches; it does not consult the coordinator's roster.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	direct := make([]pubsubport.Subscription, 0, len(h.direct))
	for _, sub := range h.direct {
		direct = append(direct, sub)
	}
	for _, subs := range h.groups {
		for _, sub := range subs {
			direct = append(direct, sub)
		}
	}
	h.mu.Unlock()

	h.cancel()
	if err := h.global.Close(); err != nil {
		log.Printf("room:%s: close global subscription: %v", h.RoomID, err)
	}
	if err := h.moderators.Close(); err != nil {
		log.Printf("room:%s: close moderators subscription: %v", h.RoomID, err)
	}
	for _, sub := range direct {
		_ = sub.Close()
	}
}
