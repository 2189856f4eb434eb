// Package room implements the room coordinator (§4.2): the cross-process
// state of one room (roster, roles, moderation flags, per-module state) and
// the pub/sub fabric that delivers events between runners.
package room

import "time"

// Role is a participant's permission level within a room (§3).
type Role string

const (
	RoleGuest     Role = "guest"
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
)

// ParticipationKind distinguishes how a participant is joining (§3, GLOSSARY).
type ParticipationKind string

const (
	ParticipationUser  ParticipationKind = "user"
	ParticipationGuest ParticipationKind = "guest"
	ParticipationSIP   ParticipationKind = "sip"
)

// WaitingRoomState tracks a participant's waiting-room lifecycle (§3).
type WaitingRoomState string

const (
	WaitingNone     WaitingRoomState = "none"
	WaitingWaiting  WaitingRoomState = "waiting"
	WaitingAccepted WaitingRoomState = "accepted"
)

// RecordingStatus is the room-wide recording state (§3).
type RecordingStatus string

const (
	RecordingNone         RecordingStatus = "none"
	RecordingInitializing RecordingStatus = "initializing"
	RecordingActive       RecordingStatus = "recording"
)

// Participant is the per-session identity and control state (§3). It is
// serialized into the `participant:{id}:control` KV record; module-specific
// state lives in separate `participant:{id}:module:{m}` records owned by
// each module package.
type Participant struct {
	ParticipantID     string            `json:"participant_id"`
	UserID            string            `json:"user_id"`
	Role              Role              `json:"role"`
	DisplayName       string            `json:"display_name"`
	ParticipationKind ParticipationKind `json:"participation_kind"`
	JoinedAt          time.Time         `json:"joined_at"`
	LeftAt            *time.Time        `json:"left_at,omitempty"`
	HandIsUp          bool              `json:"hand_is_up"`
	HandUpdatedAt     *time.Time        `json:"hand_updated_at,omitempty"`
	WaitingRoomState  WaitingRoomState  `json:"waiting_room_state"`

	// Groups are the chat groups (§4.6) this participant belongs to,
	// declared at join time.
	Groups []string `json:"groups,omitempty"`
}

// IsModerator reports whether the participant holds the moderator role.
func (p Participant) IsModerator() bool {
	return p.Role == RoleModerator
}

// Flags holds the moderator-settable room toggles (§3).
type Flags struct {
	WaitingRoomEnabled bool `json:"waiting_room_enabled"`
	RaiseHandsEnabled  bool `json:"raise_hands_enabled"`
	ChatEnabled        bool `json:"chat_enabled"`
}

// Tariff mirrors config.Tariff but lives in the room package so the
// coordinator doesn't need to import internal/config.
type Tariff struct {
	ParticipantLimit int
	TimeLimit        time.Duration
}

// StaticConfig is the room-level configuration resolved once, read-only,
// from the external scheduling database (§3A).
type StaticConfig struct {
	RoomID             string
	TenantID           string
	Tariff             Tariff
	ClosesAt           *time.Time
	WaitingRoomDefault bool
	CreatorUserID      string
}
