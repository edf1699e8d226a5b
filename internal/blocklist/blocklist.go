// Package blocklist is the fast-reject path for keys that recently failed
// a balance check or were suspended. A present entry short-circuits the
// pre-request billing path with 402 until its TTL expires.
package blocklist

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "mr:blocked:"

// Reason says why a key was blocked and determines the TTL.
type Reason string

const (
	ReasonBalance   Reason = "balance"
	ReasonSuspended Reason = "suspended"
)

// TTL returns how long a block for this reason lasts.
func (r Reason) TTL() time.Duration {
	if r == ReasonSuspended {
		return 30 * time.Minute
	}
	return 5 * time.Minute
}

// List stores blocked memory keys in Redis so all replicas reject
// consistently. Without Redis it degrades to a per-process map.
type List struct {
	rdb *redis.Client

	mu    sync.RWMutex
	local map[string]localEntry
}

type localEntry struct {
	reason    Reason
	expiresAt time.Time
}

// New creates a blocklist. rdb may be nil.
func New(rdb *redis.Client) *List {
	return &List{rdb: rdb, local: make(map[string]localEntry)}
}

// Block marks a memory key as rejected for the reason's TTL. Best-effort:
// a Redis write failure falls back to the local map.
func (l *List) Block(ctx context.Context, memoryKey string, reason Reason) {
	if l.rdb != nil {
		if err := l.rdb.Set(ctx, keyPrefix+memoryKey, string(reason), reason.TTL()).Err(); err == nil {
			return
		}
	}
	l.mu.Lock()
	l.local[memoryKey] = localEntry{reason: reason, expiresAt: time.Now().Add(reason.TTL())}
	l.mu.Unlock()
}

// Check reports whether a key is currently blocked. Redis errors count as
// not blocked; availability wins over strict enforcement here.
func (l *List) Check(ctx context.Context, memoryKey string) (Reason, bool) {
	if l.rdb != nil {
		v, err := l.rdb.Get(ctx, keyPrefix+memoryKey).Result()
		if err == nil {
			return Reason(v), true
		}
		if err == redis.Nil {
			return "", false
		}
	}

	l.mu.RLock()
	e, ok := l.local[memoryKey]
	l.mu.RUnlock()
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		l.mu.Lock()
		delete(l.local, memoryKey)
		l.mu.Unlock()
		return "", false
	}
	return e.reason, true
}

// Unblock clears a key immediately, e.g. after a successful top-up.
func (l *List) Unblock(ctx context.Context, memoryKey string) {
	if l.rdb != nil {
		l.rdb.Del(ctx, keyPrefix+memoryKey)
	}
	l.mu.Lock()
	delete(l.local, memoryKey)
	l.mu.Unlock()
}
