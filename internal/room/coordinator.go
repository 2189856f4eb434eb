package room

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ricoschulte/opentalk-controller/internal/kv/port"
	"github.com/ricoschulte/opentalk-controller/internal/lock"
)

// Coordinator implements the KV-backed half of the room coordinator (§4.2):
// atomic roster/flags/recording mutations, guarded by the room's redlock
// wherever an operation touches more than one key.
type Coordinator struct {
	store port.Store
	lease time.Duration
}

// NewCoordinator constructs a Coordinator over store. lease bounds how long
// any single locked critical section may run (§5).
func NewCoordinator(store port.Store, lease time.Duration) *Coordinator {
	if lease <= 0 {
		lease = 10 * time.Second
	}
	return &Coordinator{store: store, lease: lease}
}

// WithRoomLock runs fn holding the room's lock.
func (c *Coordinator) WithRoomLock(ctx context.Context, roomID string, fn func(ctx context.Context) error) error {
	return lock.WithLock(ctx, c.store, lockKey(roomID), c.lease, func(ctx context.Context, _ *lock.Lease) error {
		return fn(ctx)
	})
}

// SaveParticipantControl writes (or refreshes) a participant's control
// record with the standard TTL.
func (c *Coordinator) SaveParticipantControl(ctx context.Context, roomID string, p Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("room: marshal participant: %w", err)
	}
	return c.store.Set(ctx, participantControlKey(roomID, p.ParticipantID), string(data), ParticipantControlTTL)
}

// LoadParticipantControl reads a participant's control record.
func (c *Coordinator) LoadParticipantControl(ctx context.Context, roomID, participantID string) (Participant, error) {
	var p Participant
	raw, err := c.store.Get(ctx, participantControlKey(roomID, participantID))
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("room: unmarshal participant: %w", err)
	}
	return p, nil
}

// RefreshParticipantHeartbeat extends the control record's TTL without
// rewriting its value (cheaper than SaveParticipantControl on every
// heartbeat).
func (c *Coordinator) RefreshParticipantHeartbeat(ctx context.Context, roomID, participantID string) error {
	return c.store.Expire(ctx, participantControlKey(roomID, participantID), ParticipantControlTTL)
}

func (c *Coordinator) DeleteParticipantControl(ctx context.Context, roomID, participantID string) error {
	_, err := c.store.Del(ctx, participantControlKey(roomID, participantID))
	return err
}

// AddToRoster admits participantID into the in-room roster. Callers must
// already hold the room lock (§4.1 step 5).
func (c *Coordinator) AddToRoster(ctx context.Context, roomID, participantID string) error {
	return c.store.SAdd(ctx, rosterKey(roomID), participantID)
}

func (c *Coordinator) RemoveFromRoster(ctx context.Context, roomID, participantID string) error {
	return c.store.SRem(ctx, rosterKey(roomID), participantID)
}

func (c *Coordinator) Roster(ctx context.Context, roomID string) ([]string, error) {
	return c.store.SMembers(ctx, rosterKey(roomID))
}

func (c *Coordinator) InRoster(ctx context.Context, roomID, participantID string) (bool, error) {
	return c.store.SIsMember(ctx, rosterKey(roomID), participantID)
}

func (c *Coordinator) AddToWaitingRoster(ctx context.Context, roomID, participantID string) error {
	return c.store.SAdd(ctx, waitingRosterKey(roomID), participantID)
}

func (c *Coordinator) RemoveFromWaitingRoster(ctx context.Context, roomID, participantID string) error {
	return c.store.SRem(ctx, waitingRosterKey(roomID), participantID)
}

func (c *Coordinator) WaitingRoster(ctx context.Context, roomID string) ([]string, error) {
	return c.store.SMembers(ctx, waitingRosterKey(roomID))
}

// AcceptFromWaiting performs the multi-key "accept" transition (§4.2): moves
// participantID from waiting_roster to roster. Callers must hold the room
// lock across this call and the subsequent publish of left_waiting_room /
// joined so the two events cannot interleave with a concurrent roster change.
func (c *Coordinator) AcceptFromWaiting(ctx context.Context, roomID, participantID string) error {
	if err := c.store.SRem(ctx, waitingRosterKey(roomID), participantID); err != nil {
		return err
	}
	return c.store.SAdd(ctx, rosterKey(roomID), participantID)
}

// BanUser records userID as banned for the life of this room instance.
func (c *Coordinator) BanUser(ctx context.Context, roomID, userID string) error {
	return c.store.SAdd(ctx, bannedUsersKey(roomID), userID)
}

func (c *Coordinator) IsBanned(ctx context.Context, roomID, userID string) (bool, error) {
	return c.store.SIsMember(ctx, bannedUsersKey(roomID), userID)
}

// Flags returns the room's current moderation flags, falling back to
// defaults if none have been written yet.
func (c *Coordinator) Flags(ctx context.Context, roomID string, defaults Flags) (Flags, error) {
	raw, err := c.store.HGetAll(ctx, flagsKey(roomID))
	if err != nil {
		return Flags{}, err
	}
	if len(raw) == 0 {
		return defaults, nil
	}
	f := defaults
	if v, ok := raw["waiting_room_enabled"]; ok {
		f.WaitingRoomEnabled = v == "1"
	}
	if v, ok := raw["raise_hands_enabled"]; ok {
		f.RaiseHandsEnabled = v == "1"
	}
	if v, ok := raw["chat_enabled"]; ok {
		f.ChatEnabled = v == "1"
	}
	return f, nil
}

func (c *Coordinator) SetFlag(ctx context.Context, roomID, field string, value bool) error {
	v := "0"
	if value {
		v = "1"
	}
	return c.store.HSet(ctx, flagsKey(roomID), map[string]string{field: v})
}

// Recording returns the room's recording status and, if recording, its id.
func (c *Coordinator) Recording(ctx context.Context, roomID string) (RecordingStatus, string, error) {
	raw, err := c.store.HGetAll(ctx, recordingKey(roomID))
	if err != nil {
		return RecordingNone, "", err
	}
	status, ok := raw["status"]
	if !ok {
		return RecordingNone, "", nil
	}
	return RecordingStatus(status), raw["recording_id"], nil
}

func (c *Coordinator) SetRecording(ctx context.Context, roomID string, status RecordingStatus, recordingID string) error {
	return c.store.HSet(ctx, recordingKey(roomID), map[string]string{
		"status":       string(status),
		"recording_id": recordingID,
	})
}

func (c *Coordinator) ClearRecording(ctx context.Context, roomID string) error {
	_, err := c.store.Del(ctx, recordingKey(roomID))
	return err
}

// Empty reports whether both roster and waiting_roster are empty, the
// trigger condition for each module's destroy_room hook (§4.3).
func (c *Coordinator) Empty(ctx context.Context, roomID string) (bool, error) {
	roster, err := c.Roster(ctx, roomID)
	if err != nil {
		return false, err
	}
	if len(roster) > 0 {
		return false, nil
	}
	waiting, err := c.WaitingRoster(ctx, roomID)
	if err != nil {
		return false, err
	}
	return len(waiting) == 0, nil
}

// TeardownRoom deletes all room-scoped keys that are not module-owned. Module
// packages are responsible for deleting their own `module:{m}:*` keys in
// destroy_room.
func (c *Coordinator) TeardownRoom(ctx context.Context, roomID string) error {
	_, err := c.store.Del(ctx,
		rosterKey(roomID),
		waitingRosterKey(roomID),
		bannedUsersKey(roomID),
		flagsKey(roomID),
		recordingKey(roomID),
	)
	return err
}
