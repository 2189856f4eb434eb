// Package wire defines the JSON envelope exchanged between a participant
// runner and its client over the signaling transport, and the taxonomy of
// accepted/observable error codes a module may emit.
package wire

import "time"

// Inbound is a single frame read from the client. Every inbound frame names
// the module namespace it targets and the action it requests.
type Inbound struct {
	Namespace string `json:"namespace"`
	Action    string `json:"action"`
	Payload   []byte `json:"payload,omitempty"`
}

// Outbound is a single frame written to the client. Every outbound frame is
// stamped with a server-issued timestamp and names the module namespace that
// produced the message.
type Outbound struct {
	Namespace string    `json:"namespace"`
	Timestamp time.Time `json:"timestamp"`
	Message   any       `json:"message"`
}

// NewOutbound stamps message with the current time under namespace.
func NewOutbound(namespace string, message any) Outbound {
	return Outbound{
		Namespace: namespace,
		Timestamp: time.Now().UTC(),
		Message:   message,
	}
}

// ErrorMessage is the payload of a module-local "error" message (§6).
type ErrorMessage struct {
	Type string `json:"type"`
	Code string `json:"code"`
	Text string `json:"text,omitempty"`
}

// NewError builds the standard error message shape for a namespace.
func NewError(code string, text string) ErrorMessage {
	return ErrorMessage{Type: "error", Code: code, Text: text}
}

// SessionNamespace carries the join-protocol frames that precede any module
// dispatch (§4.1): the client's initial `join` and the runner's
// `join_success` / `join_blocked` / `in_waiting_room` replies. It is never
// registered in internal/module.Registry; the runner handles it directly.
const SessionNamespace = "session"

// JoinPayload is the required first inbound frame's payload.
type JoinPayload struct {
	DisplayName string `json:"display_name"`
	UserID      string `json:"user_id,omitempty"`
	Kind        string `json:"participation_kind,omitempty"`

	// ParticipantID lets a client resume a prior session (reconnect) under
	// the same participant identity rather than being issued a new one.
	ParticipantID string `json:"participant_id,omitempty"`

	// Groups are the chat groups (§4.6) this participant belongs to,
	// declared by the client at join time since this deployment has no
	// separate group-membership directory to resolve them from.
	Groups []string `json:"groups,omitempty"`
}

// JoinSuccessMessage is sent once a participant is admitted to the room
// roster, carrying every module's BuildJoinSuccessFragment keyed by
// namespace (§4.1 step 5).
type JoinSuccessMessage struct {
	ParticipantID string         `json:"participant_id"`
	Role          string         `json:"role"`
	Modules       map[string]any `json:"modules"`
}

// JoinBlockedMessage is sent and the transport closed when a room's tariff
// participant limit is already reached (§4.1 step 2).
type JoinBlockedMessage struct {
	Reason string `json:"reason"`
}

// InWaitingRoomMessage replies to a join that landed in the waiting room
// (§4.1 step 4).
type InWaitingRoomMessage struct{}

// Accepted/observable error codes (§6). These are the stable wire vocabulary;
// module packages use these constants rather than inventing their own strings
// so that clients can switch on a closed set.
const (
	ErrInsufficientPermissions = "insufficient_permissions"
	ErrChatDisabled            = "chat_disabled"
	ErrCannotBanGuest          = "cannot_ban_guest"
	ErrInvalidChoiceCount      = "invalid_choice_count"
	ErrInvalidChoiceDesc       = "invalid_choice_description"
	ErrInvalidTopicLength      = "invalid_topic_length"
	ErrInvalidDuration         = "invalid_duration"
	ErrStillRunning            = "still_running"
	ErrInvalidPollID           = "invalid_poll_id"
	ErrInvalidChoiceID         = "invalid_choice_id"
	ErrVotedAlready            = "voted_already"
	ErrTimerAlreadyRunning     = "timer_already_running"
	ErrAlreadyRecording        = "already_recording"
	ErrInvalidRecordingID      = "invalid_recording_id"
	ErrCurrentlyInitializing   = "currently_initializing"
	ErrFailedInitialization    = "failed_initialization"
	ErrNotInitialized          = "not_initialized"
	ErrAlreadyInitialized      = "already_initialized"
	ErrInitializationFailed    = "initialization_failed"
	ErrInvalidParticipantSel   = "invalid_participant_selection"
	ErrUpstreamUnavailable     = "upstream_unavailable"
	ErrUnknownAction           = "unknown_action"
	ErrBadRequest              = "bad_request"
)

// Protocol-level close reasons used by the runner when it must terminate the
// transport outright rather than emit a module error.
const (
	CloseProtocolError   = "protocol_error"
	CloseBanned          = "banned"
	CloseKicked          = "kicked"
	CloseRoomDestroyed   = "room_destroyed"
	CloseParticipantCap  = "participant_limit_reached"
	CloseInternal        = "internal_error"
)
