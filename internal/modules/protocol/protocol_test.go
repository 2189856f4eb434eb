package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ricoschulte/opentalk-controller/internal/kvtest"
	"github.com/ricoschulte/opentalk-controller/internal/module"
	"github.com/ricoschulte/opentalk-controller/internal/pubsubtest"
	"github.com/ricoschulte/opentalk-controller/internal/room"
)

type fakePad struct {
	mu    sync.Mutex
	calls int
	fail  bool
	block chan struct{}
}

func (f *fakePad) CreateGroupPad(ctx context.Context, roomID string) (string, string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.fail {
		return "", "", context.DeadlineExceeded
	}
	return "group-1", "pad-1", nil
}

func (f *fakePad) CreateSession(ctx context.Context, groupID, authorID string, validUntil time.Time) (string, error) {
	return "session-" + authorID, nil
}

func (f *fakePad) ExportPDF(ctx context.Context, padID string) ([]byte, error) {
	return []byte("%PDF-fake"), nil
}

type fakeAssetStore struct{}

func (fakeAssetStore) PutAsset(ctx context.Context, key string, data []byte) (string, error) {
	return "https://assets.example/" + key, nil
}

func newTestCtx(t *testing.T, self room.Participant) (*module.Context, *kvtest.MemoryStore) {
	t.Helper()
	bus := pubsubtest.New()
	store := kvtest.New()
	coord := room.NewCoordinator(store, 0)
	h, err := room.NewHandle(context.Background(), "room-1", bus, coord)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return &module.Context{
		Context: context.Background(), RoomID: "room-1", ParticipantID: self.ParticipantID,
		Handle: h, Coord: coord, Self: self,
	}, store
}

func TestModule_SelectWriterInitializesOnFirstCall(t *testing.T) {
	mod := room.Participant{Role: room.RoleModerator}
	ctx, store := newTestCtx(t, mod)
	pad := &fakePad{}
	m := New(store, pad, fakeAssetStore{})

	payload, _ := json.Marshal(selectWriterPayload{Target: "p1"})
	res := m.HandleCommand(ctx, "select_writer", payload)
	require.Nil(t, res.Err)
	require.Equal(t, 1, pad.calls)

	s, err := m.loadState(ctx.Context, ctx.RoomID)
	require.NoError(t, err)
	require.Equal(t, StatusReady, s.Status)
	require.True(t, s.Writers["p1"])
}

func TestModule_SelectWriterRequiresModerator(t *testing.T) {
	guest := room.Participant{Role: room.RoleUser}
	ctx, store := newTestCtx(t, guest)
	m := New(store, &fakePad{}, fakeAssetStore{})
	payload, _ := json.Marshal(selectWriterPayload{Target: "p1"})
	res := m.HandleCommand(ctx, "select_writer", payload)
	require.NotNil(t, res.Err)
	require.Equal(t, "insufficient_permissions", res.Err.Code)
}

func TestModule_FailedInitAllowsRetry(t *testing.T) {
	mod := room.Participant{Role: room.RoleModerator}
	ctx, store := newTestCtx(t, mod)
	pad := &fakePad{fail: true}
	m := New(store, pad, fakeAssetStore{})

	payload, _ := json.Marshal(selectWriterPayload{Target: "p1"})
	res := m.HandleCommand(ctx, "select_writer", payload)
	require.NotNil(t, res.Err)
	require.Equal(t, "failed_initialization", res.Err.Code)

	pad.fail = false
	res = m.HandleCommand(ctx, "select_writer", payload)
	require.Nil(t, res.Err)

	s, err := m.loadState(ctx.Context, ctx.RoomID)
	require.NoError(t, err)
	require.Equal(t, StatusReady, s.Status)
}

// TestModule_ConcurrentSelectWriterDuringInitSeesInitializing proves the
// room lock is released before the Etherpad call: a second select_writer
// arriving while the first is still blocked in CreateGroupPad must see
// currently_initializing immediately rather than blocking on the lock.
func TestModule_ConcurrentSelectWriterDuringInitSeesInitializing(t *testing.T) {
	mod := room.Participant{Role: room.RoleModerator}
	ctx, store := newTestCtx(t, mod)
	pad := &fakePad{block: make(chan struct{})}
	m := New(store, pad, fakeAssetStore{})

	payload, _ := json.Marshal(selectWriterPayload{Target: "p1"})
	done := make(chan module.Result, 1)
	go func() { done <- m.HandleCommand(ctx, "select_writer", payload) }()

	require.Eventually(t, func() bool {
		pad.mu.Lock()
		defer pad.mu.Unlock()
		return pad.calls == 1
	}, time.Second, time.Millisecond)

	ctx2, _ := newTestCtx(t, mod)
	ctx2.Coord = ctx.Coord
	res := m.HandleCommand(ctx2, "select_writer", payload)
	require.NotNil(t, res.Err)
	require.Equal(t, "currently_initializing", res.Err.Code)

	close(pad.block)
	first := <-done
	require.Nil(t, first.Err)
}

func TestModule_DeselectWriterRequiresReadyState(t *testing.T) {
	mod := room.Participant{Role: room.RoleModerator}
	ctx, store := newTestCtx(t, mod)
	m := New(store, &fakePad{}, fakeAssetStore{})
	payload, _ := json.Marshal(deselectWriterPayload{Target: "p1"})
	res := m.HandleCommand(ctx, "deselect_writer", payload)
	require.NotNil(t, res.Err)
	require.Equal(t, "not_initialized", res.Err.Code)
}
