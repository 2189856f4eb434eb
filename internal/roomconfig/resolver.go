package roomconfig

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ricoschulte/opentalk-controller/internal/room"
)

// ErrNotFound is returned when a room has no row in the scheduling database.
var ErrNotFound = errors.New("roomconfig: room not found")

// Resolver performs the single read-through lookup described in §3A and
// caches the result in process until Invalidate drops it. It never writes
// to the scheduling database.
type Resolver struct {
	pool *pgxpool.Pool

	mu    sync.RWMutex
	cache map[string]room.StaticConfig
}

func NewResolver(pool *pgxpool.Pool) *Resolver {
	return &Resolver{pool: pool, cache: make(map[string]room.StaticConfig)}
}

// Resolve returns the cached StaticConfig for roomID, querying the database
// on first access only.
func (r *Resolver) Resolve(ctx context.Context, roomID string) (room.StaticConfig, error) {
	r.mu.RLock()
	if cfg, ok := r.cache[roomID]; ok {
		r.mu.RUnlock()
		return cfg, nil
	}
	r.mu.RUnlock()

	cfg, err := r.query(ctx, roomID)
	if err != nil {
		return room.StaticConfig{}, err
	}

	r.mu.Lock()
	r.cache[roomID] = cfg
	r.mu.Unlock()
	return cfg, nil
}

// Invalidate drops the cached entry for roomID, e.g. once the in-process
// room handle for it is released.
func (r *Resolver) Invalidate(roomID string) {
	r.mu.Lock()
	delete(r.cache, roomID)
	r.mu.Unlock()
}

func (r *Resolver) query(ctx context.Context, roomID string) (room.StaticConfig, error) {
	const q = `
		SELECT tenant_id, creator_user_id, participant_limit, time_limit_seconds,
		       closes_at, waiting_room_default
		FROM rooms
		WHERE id = $1
	`
	var (
		cfg              room.StaticConfig
		participantLimit *int
		timeLimitSeconds *int64
		closesAt         *time.Time
	)
	cfg.RoomID = roomID

	row := r.pool.QueryRow(ctx, q, roomID)
	err := row.Scan(&cfg.TenantID, &cfg.CreatorUserID, &participantLimit, &timeLimitSeconds, &closesAt, &cfg.WaitingRoomDefault)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return room.StaticConfig{}, ErrNotFound
		}
		return room.StaticConfig{}, fmt.Errorf("roomconfig: query room %s: %w", roomID, err)
	}

	if participantLimit != nil {
		cfg.Tariff.ParticipantLimit = *participantLimit
	}
	if timeLimitSeconds != nil {
		cfg.Tariff.TimeLimit = time.Duration(*timeLimitSeconds) * time.Second
	}
	cfg.ClosesAt = closesAt

	return cfg, nil
}

// IsCreator implements control.CreatorStore: whether userID created roomID,
// resolved from the same cached StaticConfig this resolver already holds.
func (r *Resolver) IsCreator(roomID, userID string) (bool, error) {
	cfg, err := r.Resolve(context.Background(), roomID)
	if err != nil {
		return false, err
	}
	return cfg.CreatorUserID != "" && cfg.CreatorUserID == userID, nil
}
