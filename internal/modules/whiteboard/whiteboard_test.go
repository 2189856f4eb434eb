package whiteboard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ricoschulte/opentalk-controller/internal/kvtest"
	"github.com/ricoschulte/opentalk-controller/internal/module"
	"github.com/ricoschulte/opentalk-controller/internal/pubsubtest"
	"github.com/ricoschulte/opentalk-controller/internal/room"
)

type fakeSpace struct {
	mu    sync.Mutex
	calls int
	fail  bool
	block chan struct{}
}

func (f *fakeSpace) CreateSpace(ctx context.Context, roomID string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.fail {
		return "", context.DeadlineExceeded
	}
	return "https://whiteboard.example/space-1", nil
}

func (f *fakeSpace) ExportPDF(ctx context.Context, spaceID string) (string, error) {
	return "https://whiteboard.example/space-1.pdf", nil
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

func TestModule_InitializeIsIdempotent(t *testing.T) {
	mod := room.Participant{Role: room.RoleModerator}
	ctx, store := newTestCtx(t, mod)
	m := New(store, &fakeSpace{})

	res := m.HandleCommand(ctx, "initialize", nil)
	require.Nil(t, res.Err)

	res = m.HandleCommand(ctx, "initialize", nil)
	require.NotNil(t, res.Err)
	require.Equal(t, "already_initialized", res.Err.Code)
}

func TestModule_InitializeFailureAllowsRetry(t *testing.T) {
	mod := room.Participant{Role: room.RoleModerator}
	ctx, store := newTestCtx(t, mod)
	space := &fakeSpace{fail: true}
	m := New(store, space)

	res := m.HandleCommand(ctx, "initialize", nil)
	require.NotNil(t, res.Err)
	require.Equal(t, "initialization_failed", res.Err.Code)

	space.fail = false
	res = m.HandleCommand(ctx, "initialize", nil)
	require.Nil(t, res.Err)
}

func TestModule_GeneratePdfRequiresReady(t *testing.T) {
	mod := room.Participant{Role: room.RoleModerator}
	ctx, store := newTestCtx(t, mod)
	m := New(store, &fakeSpace{})
	res := m.HandleCommand(ctx, "generate_pdf", nil)
	require.NotNil(t, res.Err)
}

// TestModule_ConcurrentInitializeSeesInitializing proves the room lock is
// released before the Spacedeck call: a second initialize arriving while
// the first is still blocked in CreateSpace must see currently_initializing
// immediately rather than blocking on the lock.
func TestModule_ConcurrentInitializeSeesInitializing(t *testing.T) {
	mod := room.Participant{Role: room.RoleModerator}
	ctx, store := newTestCtx(t, mod)
	space := &fakeSpace{block: make(chan struct{})}
	m := New(store, space)

	done := make(chan module.Result, 1)
	go func() { done <- m.HandleCommand(ctx, "initialize", nil) }()

	require.Eventually(t, func() bool {
		space.mu.Lock()
		defer space.mu.Unlock()
		return space.calls == 1
	}, time.Second, time.Millisecond)

	ctx2, _ := newTestCtx(t, mod)
	ctx2.Coord = ctx.Coord
	res := m.HandleCommand(ctx2, "initialize", nil)
	require.NotNil(t, res.Err)
	require.Equal(t, "currently_initializing", res.Err.Code)

	close(space.block)
	first := <-done
	require.Nil(t, first.Err)
}

func TestModule_InitializeRequiresModerator(t *testing.T) {
	guest := room.Participant{Role: room.RoleUser}
	ctx, store := newTestCtx(t, guest)
	m := New(store, &fakeSpace{})
	res := m.HandleCommand(ctx, "initialize", nil)
	require.NotNil(t, res.Err)
	require.Equal(t, "insufficient_permissions", res.Err.Code)
}
