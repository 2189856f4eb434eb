// Package kvtest provides an in-memory port.Store used by unit tests across
// internal/lock, internal/room, and the module packages so they can exercise
// real KV-shaped logic without a live Redis instance.
//
// Eval only understands the small, fixed set of Lua scripts internal/lock
// issues (matched by exact source text); it is not a Lua interpreter.
package kvtest

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ricoschulte/opentalk-controller/internal/kv/port"
)

const acquireScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is a goroutine-safe, in-process port.Store.
type MemoryStore struct {
	mu        sync.Mutex
	strings   map[string]entry
	sets      map[string]map[string]struct{}
	hashes    map[string]map[string]string
	lists     map[string][]string
	published []Published
}

// Published records a call to Publish, for assertions in tests that don't
// wire a real pubsub.Bus.
type Published struct {
	Topic   string
	Payload string
}

// New constructs an empty MemoryStore.
func New() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]entry),
		sets:    make(map[string]map[string]struct{}),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
	}
}

var _ port.Store = (*MemoryStore)(nil)

func (m *MemoryStore) expired(e entry) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.strings[key]
	if !ok || m.expired(e) {
		return "", port.ErrMiss
	}
	return e.value, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.strings[key] = e
	return nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.strings[k]; ok {
			delete(m.strings, k)
			n++
		}
		if _, ok := m.sets[k]; ok {
			delete(m.sets, k)
			n++
		}
		if _, ok := m.hashes[k]; ok {
			delete(m.hashes, k)
			n++
		}
		if _, ok := m.lists[k]; ok {
			delete(m.lists, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.strings[key]
	if !ok {
		return nil
	}
	e.expiresAt = time.Now().Add(ttl)
	m.strings[key] = e
	return nil
}

func (m *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, mem := range members {
		set[mem] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(set, mem)
	}
	return nil
}

func (m *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for mem := range set {
		out = append(out, mem)
	}
	return out, nil
}

func (m *MemoryStore) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return false, nil
	}
	_, ok = set[member]
	return ok, nil
}

func (m *MemoryStore) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (m *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	return m.IncrBy(ctx, key, 1)
}

func (m *MemoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.strings[key]
	var cur int64
	if e.value != "" {
		cur, _ = strconv.ParseInt(e.value, 10, 64)
	}
	cur += delta
	m.strings[key] = entry{value: strconv.FormatInt(cur, 10)}
	return cur, nil
}

func (m *MemoryStore) RPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil, nil
	}
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (m *MemoryStore) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil
	}
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		m.lists[key] = nil
		return nil
	}
	trimmed := make([]string, stop-start+1)
	copy(trimmed, list[start:stop+1])
	m.lists[key] = trimmed
	return nil
}

// Eval recognizes internal/lock's three fixed scripts by exact text and
// emulates their semantics directly against the in-memory string map.
func (m *MemoryStore) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	script = strings.TrimSpace(script)
	switch script {
	case strings.TrimSpace(acquireScript):
		key := keys[0]
		nonce := args[0].(string)
		ms := toMillis(args[1])
		m.mu.Lock()
		defer m.mu.Unlock()
		if e, ok := m.strings[key]; ok && !m.expired(e) {
			return int64(0), nil
		}
		m.strings[key] = entry{value: nonce, expiresAt: time.Now().Add(time.Duration(ms) * time.Millisecond)}
		return int64(1), nil
	case strings.TrimSpace(releaseScript):
		key := keys[0]
		nonce := args[0].(string)
		m.mu.Lock()
		defer m.mu.Unlock()
		if e, ok := m.strings[key]; ok && !m.expired(e) && e.value == nonce {
			delete(m.strings, key)
			return int64(1), nil
		}
		return int64(0), nil
	case strings.TrimSpace(extendScript):
		key := keys[0]
		nonce := args[0].(string)
		ms := toMillis(args[1])
		m.mu.Lock()
		defer m.mu.Unlock()
		if e, ok := m.strings[key]; ok && !m.expired(e) && e.value == nonce {
			e.expiresAt = time.Now().Add(time.Duration(ms) * time.Millisecond)
			m.strings[key] = e
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, nil
	}
}

func toMillis(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func (m *MemoryStore) Publish(_ context.Context, topic string, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, Published{Topic: topic, Payload: payload})
	return nil
}

// PublishedMessages returns a snapshot of everything Publish has recorded.
func (m *MemoryStore) PublishedMessages() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Published, len(m.published))
	copy(out, m.published)
	return out
}

func (m *MemoryStore) Close() error { return nil }
