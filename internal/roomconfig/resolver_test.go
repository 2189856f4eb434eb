package roomconfig

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ricoschulte/opentalk-controller/internal/room"
)

func TestResolver_ResolveReturnsCachedConfigWithoutQuerying(t *testing.T) {
	r := NewResolver(nil)
	r.cache["room-1"] = room.StaticConfig{RoomID: "room-1", TenantID: "tenant-a"}

	cfg, err := r.Resolve(context.Background(), "room-1")
	require.NoError(t, err)
	require.Equal(t, "tenant-a", cfg.TenantID)
}

func TestResolver_InvalidateDropsCacheEntry(t *testing.T) {
	r := NewResolver(nil)
	r.cache["room-1"] = room.StaticConfig{RoomID: "room-1"}

	r.Invalidate("room-1")

	_, ok := r.cache["room-1"]
	require.False(t, ok)
}

func TestResolver_IsCreatorMatchesCachedCreator(t *testing.T) {
	r := NewResolver(nil)
	r.cache["room-1"] = room.StaticConfig{RoomID: "room-1", CreatorUserID: "user-a"}

	isCreator, err := r.IsCreator("room-1", "user-a")
	require.NoError(t, err)
	require.True(t, isCreator)

	isCreator, err = r.IsCreator("room-1", "user-b")
	require.NoError(t, err)
	require.False(t, isCreator)
}
