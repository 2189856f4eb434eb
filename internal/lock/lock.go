// Package lock implements a redlock-style single-instance lock over the KV
// store (§6 "Distributed lock"), built directly on the store's
// SetNX-equivalent and Lua scripting rather than a separate client library.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ricoschulte/opentalk-controller/internal/kv/port"
)

// ErrNotHeld means the lease's nonce no longer matches what is stored under
// key — either it expired and another holder acquired it, or it was already
// released.
var ErrNotHeld = errors.New("lock: not held")

// ErrAcquireTimeout is returned by Acquire when ctx permits no more waiting.
var ErrAcquireTimeout = errors.New("lock: acquire timeout")

// releaseScript deletes key only if its value still matches the caller's
// nonce, so a holder that outlived its lease can never delete a lock some
// other holder has since acquired.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// extendScript re-applies the TTL only if the nonce still matches.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// Lease represents one successful acquisition of a named lock.
type Lease struct {
	store    port.Store
	key      string
	nonce    string
	lease    time.Duration
	acquired time.Time
}

// Acquire blocks (honoring ctx) until it obtains the lock named key, or
// returns ErrAcquireTimeout if ctx is done first. lease bounds how long the
// caller may hold the critical section before another waiter can steal it;
// per §5, any holder that exceeds the lease must treat its write as aborted.
func Acquire(ctx context.Context, store port.Store, key string, lease time.Duration) (*Lease, error) {
	nonce := uuid.NewString()
	retry := 25 * time.Millisecond
	for {
		ok, err := trySet(ctx, store, key, nonce, lease)
		if err != nil {
			return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			return &Lease{store: store, key: key, nonce: nonce, lease: lease, acquired: time.Now()}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrAcquireTimeout
		case <-time.After(retry):
			if retry < 250*time.Millisecond {
				retry *= 2
			}
		}
	}
}

// trySet performs a SET-if-not-exists over the generic KV port. port.Store
// does not expose Redis's native SETNX, so this uses a small CAS script:
// set key to nonce with a PX expiry only if it is currently absent.
const acquireScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`

func trySet(ctx context.Context, store port.Store, key, nonce string, lease time.Duration) (bool, error) {
	res, err := store.Eval(ctx, acquireScript, []string{key}, nonce, lease.Milliseconds())
	if err != nil {
		return false, err
	}
	n, _ := toInt64(res)
	return n == 1, nil
}

// Extend refreshes the lease, failing with ErrNotHeld if another holder has
// since acquired the key (this lease expired under load).
func (l *Lease) Extend(ctx context.Context) error {
	res, err := l.store.Eval(ctx, extendScript, []string{l.key}, l.nonce, l.lease.Milliseconds())
	if err != nil {
		return fmt.Errorf("lock: extend %s: %w", l.key, err)
	}
	n, _ := toInt64(res)
	if n != 1 {
		return ErrNotHeld
	}
	return nil
}

// Release deletes the lock if this lease still owns it. It is always safe to
// call, including after the lease has expired.
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.store.Eval(ctx, releaseScript, []string{l.key}, l.nonce)
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", l.key, err)
	}
	return nil
}

// Expired reports whether the lease's nominal lease duration has elapsed.
// §5 requires any critical section that runs past its lease to abort its
// write rather than assume exclusivity.
func (l *Lease) Expired() bool {
	return time.Since(l.acquired) > l.lease
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// WithLock acquires key, runs fn, and releases the lock afterward regardless
// of fn's outcome. fn receives the Lease so it can check Expired() before any
// write it performs near the lease boundary.
func WithLock(ctx context.Context, store port.Store, key string, lease time.Duration, fn func(ctx context.Context, l *Lease) error) error {
	l, err := Acquire(ctx, store, key, lease)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Release(releaseCtx)
	}()
	return fn(ctx, l)
}
