// Package chat implements the chat module (§4.6): global/group/private
// scoped messaging with a bounded room history and per-participant
// last-seen-timestamp bookmarks surfaced on reconnect.
package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ricoschulte/opentalk-controller/internal/kv/port"
	"github.com/ricoschulte/opentalk-controller/internal/module"
	"github.com/ricoschulte/opentalk-controller/internal/room"
)

const Namespace = "chat"

// DefaultMaxMessageSize matches config.chat.max_message_size's default
// (§6); Module.MaxMessageSize overrides it from loaded config.
const DefaultMaxMessageSize = 4096

// maxHistory bounds the room_history list kept in KV (§3: "append-only
// room_history (bounded)").
const maxHistory = 200

// Module needs raw list/hash KV access beyond what room.Coordinator
// exposes (chat owns its own room_history list and per-participant
// last-seen hash), so it is constructed with a direct port.Store reference
// rather than relying on the Coordinator alone.
type Module struct {
	Store          port.Store
	MaxMessageSize int
}

func New(store port.Store, maxMessageSize int) *Module {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Module{Store: store, MaxMessageSize: maxMessageSize}
}

var _ module.Module = (*Module)(nil)

func (m *Module) Namespace() string { return Namespace }

func (m *Module) InitRoom(ctx *module.Context) error { return nil }

type Message struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"` // global | group | private
	Group     string    `json:"group,omitempty"`
	Target    string    `json:"target,omitempty"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type joinSuccessFragment struct {
	Enabled            bool                 `json:"enabled"`
	RoomHistory        []Message            `json:"room_history"`
	GroupHistory       map[string][]Message `json:"group_history,omitempty"`
	LastSeenTimestamps map[string]string    `json:"last_seen_timestamps,omitempty"`
}

func historyKey(roomID string) string       { return room.ModuleRoomKey(roomID, Namespace, "room_history") }
func lastSeenKey(roomID, pid string) string { return room.ModuleStateKey(roomID, pid, Namespace) }

// lastSeenParticipantsKey tracks which participants have a lastSeenKey
// record in this room, so DestroyRoom can find and delete them all; a plain
// key scan is not available on port.Store.
func lastSeenParticipantsKey(roomID string) string {
	return room.ModuleRoomKey(roomID, Namespace, "last_seen_participants")
}

func groupHistoryKey(roomID, group string) string {
	return room.ModuleRoomKey(roomID, Namespace, "group_history:"+group)
}

// groupsKey tracks every group that has ever received a message in this
// room, so DestroyRoom can find and delete each group's history.
func groupsKey(roomID string) string { return room.ModuleRoomKey(roomID, Namespace, "groups") }

func (m *Module) BuildJoinSuccessFragment(ctx *module.Context) (any, error) {
	flags, err := ctx.Coord.Flags(ctx.Context, ctx.RoomID, room.Flags{ChatEnabled: true})
	if err != nil {
		return nil, fmt.Errorf("chat: load flags: %w", err)
	}

	history, err := m.loadMessages(ctx, historyKey(ctx.RoomID))
	if err != nil {
		return nil, fmt.Errorf("chat: load history: %w", err)
	}

	var groupHistory map[string][]Message
	if len(ctx.Self.Groups) > 0 {
		groupHistory = make(map[string][]Message, len(ctx.Self.Groups))
		for _, g := range ctx.Self.Groups {
			gh, err := m.loadMessages(ctx, groupHistoryKey(ctx.RoomID, g))
			if err != nil {
				return nil, fmt.Errorf("chat: load group history %q: %w", g, err)
			}
			groupHistory[g] = gh
		}
	}

	if err := m.Store.SAdd(ctx.Context, lastSeenParticipantsKey(ctx.RoomID), ctx.ParticipantID); err != nil {
		return nil, fmt.Errorf("chat: track last seen participant: %w", err)
	}
	lastSeen, err := m.Store.HGetAll(ctx.Context, lastSeenKey(ctx.RoomID, ctx.ParticipantID))
	if err != nil {
		return nil, fmt.Errorf("chat: load last seen: %w", err)
	}

	return joinSuccessFragment{Enabled: flags.ChatEnabled, RoomHistory: history, GroupHistory: groupHistory, LastSeenTimestamps: lastSeen}, nil
}

func (m *Module) loadMessages(ctx *module.Context, key string) ([]Message, error) {
	raw, err := m.Store.LRange(ctx.Context, key, 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		var msg Message
		if json.Unmarshal([]byte(r), &msg) == nil {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *Module) OnParticipantJoined(ctx *module.Context) error { return nil }
func (m *Module) OnParticipantLeft(ctx *module.Context) error   { return nil }

type sendMessagePayload struct {
	Scope   string `json:"scope"`
	Group   string `json:"group,omitempty"`
	Target  string `json:"target,omitempty"`
	Content string `json:"content"`
}

type messageSentEvent struct {
	Message Message `json:"message"`
}

type setLastSeenPayload struct {
	Scope     string `json:"scope"`
	Timestamp string `json:"timestamp"`
}

func (m *Module) HandleCommand(ctx *module.Context, action string, payload json.RawMessage) module.Result {
	switch action {
	case "send_message":
		return m.sendMessage(ctx, payload)
	case "enable_chat":
		return m.setEnabled(ctx, true)
	case "disable_chat":
		return m.setEnabled(ctx, false)
	case "clear_history":
		return m.clearHistory(ctx)
	case "set_last_seen_timestamp":
		return m.setLastSeen(ctx, payload)
	default:
		return module.Fail("unknown_action", fmt.Sprintf("chat: unknown action %q", action))
	}
}

func (m *Module) sendMessage(ctx *module.Context, payload json.RawMessage) module.Result {
	flags, err := ctx.Coord.Flags(ctx.Context, ctx.RoomID, room.Flags{ChatEnabled: true})
	if err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if !flags.ChatEnabled {
		return module.Fail("chat_disabled", "chat is disabled in this room")
	}

	var in sendMessagePayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return module.Fail("bad_request", "invalid payload")
	}
	if len(in.Content) == 0 || len(in.Content) > m.MaxMessageSize {
		return module.Fail("bad_request", "message exceeds max size")
	}
	if in.Scope == "" {
		in.Scope = "global"
	}

	msg := Message{
		ID:        fmt.Sprintf("%s-%d", ctx.ParticipantID, time.Now().UnixNano()),
		Scope:     in.Scope,
		Group:     in.Group,
		Target:    in.Target,
		SenderID:  ctx.ParticipantID,
		Content:   in.Content,
		Timestamp: time.Now().UTC(),
	}

	switch in.Scope {
	case "private":
		if in.Target == "" {
			return module.Fail("bad_request", "target is required for private messages")
		}
		if err := ctx.Publish(room.DirectTopic(ctx.RoomID, in.Target), Namespace, messageSentEvent{Message: msg}, false); err != nil {
			return module.Fail("upstream_unavailable", err.Error())
		}
		return module.OK(messageSentEvent{Message: msg})
	case "group":
		if in.Group == "" {
			return module.Fail("bad_request", "group is required for group messages")
		}
		if !groupContains(ctx.Self.Groups, in.Group) {
			return module.Fail("insufficient_permissions", "not a member of the target group")
		}
		if err := m.appendGroupHistory(ctx, in.Group, msg); err != nil {
			return module.Fail("upstream_unavailable", err.Error())
		}
		// The group topic (room.GroupTopic) only has subscribers who joined
		// with this group declared, so delivery is scoped to that group
		// without the module needing to know the local sink roster.
		if err := ctx.Publish(room.GroupTopic(ctx.RoomID, in.Group), Namespace, messageSentEvent{Message: msg}, false); err != nil {
			return module.Fail("upstream_unavailable", err.Error())
		}
		return module.OK(nil)
	default: // global
		if err := m.appendHistory(ctx, msg); err != nil {
			return module.Fail("upstream_unavailable", err.Error())
		}
		if err := ctx.Publish(room.GlobalTopic(ctx.RoomID), Namespace, messageSentEvent{Message: msg}, false); err != nil {
			return module.Fail("upstream_unavailable", err.Error())
		}
		return module.OK(nil)
	}
}

func (m *Module) appendHistory(ctx *module.Context, msg Message) error {
	return m.appendMessages(ctx, historyKey(ctx.RoomID), msg)
}

func (m *Module) loadHistory(ctx *module.Context) ([]Message, error) {
	return m.loadMessages(ctx, historyKey(ctx.RoomID))
}

func (m *Module) appendGroupHistory(ctx *module.Context, group string, msg Message) error {
	if err := m.Store.SAdd(ctx.Context, groupsKey(ctx.RoomID), group); err != nil {
		return err
	}
	return m.appendMessages(ctx, groupHistoryKey(ctx.RoomID, group), msg)
}

func (m *Module) appendMessages(ctx *module.Context, key string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := m.Store.RPush(ctx.Context, key, string(data)); err != nil {
		return err
	}
	return m.Store.LTrim(ctx.Context, key, -int64(maxHistory), -1)
}

func groupContains(groups []string, target string) bool {
	for _, g := range groups {
		if g == target {
			return true
		}
	}
	return false
}

func (m *Module) setEnabled(ctx *module.Context, enabled bool) module.Result {
	if ctx.Self.Role != room.RoleModerator {
		return module.Fail("insufficient_permissions", "moderator role required")
	}
	if err := ctx.Coord.SetFlag(ctx.Context, ctx.RoomID, "chat_enabled", enabled); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

func (m *Module) clearHistory(ctx *module.Context) module.Result {
	if ctx.Self.Role != room.RoleModerator {
		return module.Fail("insufficient_permissions", "moderator role required")
	}
	if _, err := m.Store.Del(ctx.Context, historyKey(ctx.RoomID)); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

func (m *Module) setLastSeen(ctx *module.Context, payload json.RawMessage) module.Result {
	var in setLastSeenPayload
	if err := json.Unmarshal(payload, &in); err != nil || in.Scope == "" {
		return module.Fail("bad_request", "scope and timestamp are required")
	}
	if err := m.Store.SAdd(ctx.Context, lastSeenParticipantsKey(ctx.RoomID), ctx.ParticipantID); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	if err := m.Store.HSet(ctx.Context, lastSeenKey(ctx.RoomID, ctx.ParticipantID), map[string]string{in.Scope: in.Timestamp}); err != nil {
		return module.Fail("upstream_unavailable", err.Error())
	}
	return module.OK(nil)
}

func (m *Module) OnEvent(ctx *module.Context, action string, payload json.RawMessage) error {
	return nil
}

func (m *Module) DestroyRoom(ctx *module.Context) error {
	keys := []string{historyKey(ctx.RoomID)}

	participants, err := m.Store.SMembers(ctx.Context, lastSeenParticipantsKey(ctx.RoomID))
	if err != nil {
		return fmt.Errorf("chat: list last seen participants: %w", err)
	}
	for _, pid := range participants {
		keys = append(keys, lastSeenKey(ctx.RoomID, pid))
	}
	keys = append(keys, lastSeenParticipantsKey(ctx.RoomID))

	groups, err := m.Store.SMembers(ctx.Context, groupsKey(ctx.RoomID))
	if err != nil {
		return fmt.Errorf("chat: list groups: %w", err)
	}
	for _, g := range groups {
		keys = append(keys, groupHistoryKey(ctx.RoomID, g))
	}
	keys = append(keys, groupsKey(ctx.RoomID))

	_, err = m.Store.Del(ctx.Context, keys...)
	return err
}
