package room

import (
	"fmt"
	"time"
)

// Key layout (§4.2). Every key is namespaced by room id so one Redis
// instance can host many rooms' state concurrently.

func rosterKey(roomID string) string        { return fmt.Sprintf("room:%s:roster", roomID) }
func waitingRosterKey(roomID string) string { return fmt.Sprintf("room:%s:waiting_roster", roomID) }
func bannedUsersKey(roomID string) string   { return fmt.Sprintf("room:%s:banned_users", roomID) }
func flagsKey(roomID string) string         { return fmt.Sprintf("room:%s:flags", roomID) }
func recordingKey(roomID string) string     { return fmt.Sprintf("room:%s:recording", roomID) }
func lockKey(roomID string) string          { return fmt.Sprintf("room:%s:lock", roomID) }

func participantControlKey(roomID, participantID string) string {
	return fmt.Sprintf("room:%s:participant:%s:control", roomID, participantID)
}

// ModuleStateKey namespaces a module's per-participant snapshot
// (`participant:{id}:module:{m}` in §4.2). Exported so module packages can
// build their own keys without reaching into unexported helpers.
func ModuleStateKey(roomID, participantID, module string) string {
	return fmt.Sprintf("room:%s:participant:%s:module:%s", roomID, participantID, module)
}

// ModuleRoomKey namespaces a module's room-shared state (`module:{m}:*`).
func ModuleRoomKey(roomID, module, suffix string) string {
	return fmt.Sprintf("room:%s:module:%s:%s", roomID, module, suffix)
}

// Topic names (§4.2).

func GlobalTopic(roomID string) string     { return fmt.Sprintf("room:%s:global", roomID) }
func ModeratorsTopic(roomID string) string { return fmt.Sprintf("room:%s:moderators", roomID) }
func DirectTopic(roomID, participantID string) string {
	return fmt.Sprintf("room:%s:to:%s", roomID, participantID)
}

// GroupTopic scopes a chat group's broadcast (§4.6) to only the
// participants who have joined that group, mirroring GlobalTopic's naming.
func GroupTopic(roomID, group string) string {
	return fmt.Sprintf("room:%s:group:%s", roomID, group)
}

// ParticipantControlTTL bounds how long a participant's control record
// survives without a heartbeat refresh (§4.2).
const ParticipantControlTTL = 45 * time.Second
