package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	snapshotKeyPrefix = "vault:snap:"
	snapshotInterval  = 30 * time.Second
	snapshotTimeout   = 5 * time.Second
)

// Registry owns all live vaults, keyed "<memoryKey>/<scope>". It lazily
// creates vaults, reloads Redis snapshots on first access after a restart,
// and flushes dirty vaults back on a timer. Both Redis and the relational
// mirror are optional; without them the registry is purely in-memory.
type Registry struct {
	mu     sync.Mutex
	vaults map[string]*Vault

	dims   int
	rdb    *redis.Client
	mirror *Mirror
	logger *slog.Logger

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// NewRegistry creates a registry producing vaults of the given dimension.
// rdb and mirror may be nil.
func NewRegistry(dims int, rdb *redis.Client, mirror *Mirror, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		vaults: make(map[string]*Vault),
		dims:   dims,
		rdb:    rdb,
		mirror: mirror,
		logger: logger.With(slog.String("component", "vault_registry")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// VaultName builds the registry key for a memory key and scope.
func VaultName(memoryKey, scope string) string {
	return memoryKey + "/" + scope
}

// SessionScope builds the scope name for a session id.
func SessionScope(sessionID string) string {
	return SessionScopePrefix + sessionID
}

// Get returns the vault for (memoryKey, scope), creating it on first use.
// A Redis snapshot, when present, is loaded into the fresh vault.
func (r *Registry) Get(ctx context.Context, memoryKey, scope string) *Vault {
	name := VaultName(memoryKey, scope)

	r.mu.Lock()
	if v, ok := r.vaults[name]; ok {
		r.mu.Unlock()
		return v
	}
	v := New(name, r.dims)
	r.vaults[name] = v
	r.mu.Unlock()

	r.loadSnapshot(ctx, v)
	return v
}

// ResolveRead returns the vaults a query should search: core always, plus
// the session vault when a session id is present.
func (r *Registry) ResolveRead(ctx context.Context, memoryKey, sessionID string) []*Vault {
	out := []*Vault{r.Get(ctx, memoryKey, ScopeCore)}
	if sessionID != "" {
		out = append(out, r.Get(ctx, memoryKey, SessionScope(sessionID)))
	}
	return out
}

// ResolveWrite returns the vault a write should land in: the session vault
// when a session id is present, else core.
func (r *Registry) ResolveWrite(ctx context.Context, memoryKey, sessionID string) *Vault {
	if sessionID != "" {
		return r.Get(ctx, memoryKey, SessionScope(sessionID))
	}
	return r.Get(ctx, memoryKey, ScopeCore)
}

// Store appends a chunk to v and mirrors it to the relational store
// best-effort. The mirror never fails the write.
func (r *Registry) Store(ctx context.Context, v *Vault, embedding []float32, content, role, model, requestID string) (int64, error) {
	return r.StoreAt(ctx, v, embedding, content, role, model, requestID, time.Now().UnixMilli())
}

// StoreAt is Store with an explicit creation timestamp (Unix-ms) carried
// into both the chunk and its mirror row. createdMs <= 0 means now.
func (r *Registry) StoreAt(ctx context.Context, v *Vault, embedding []float32, content, role, model, requestID string, createdMs int64) (int64, error) {
	if createdMs <= 0 {
		createdMs = time.Now().UnixMilli()
	}
	id, err := v.StoreAt(embedding, content, role, model, requestID, createdMs)
	if err != nil {
		return 0, err
	}
	if r.mirror != nil {
		if merr := r.mirror.InsertChunk(ctx, v.Name(), Chunk{
			ID:          id,
			Role:        role,
			Content:     content,
			ContentHash: ContentHash(content),
			CreatedMs:   createdMs,
			Model:       model,
			RequestID:   requestID,
		}); merr != nil {
			r.logger.Warn("chunk_mirror_failed",
				slog.String("vault", v.Name()),
				slog.Int64("chunk_id", id),
				slog.String("error", merr.Error()))
		}
	}
	return id, nil
}

// All returns every live vault.
func (r *Registry) All() []*Vault {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Vault, 0, len(r.vaults))
	for _, v := range r.vaults {
		out = append(out, v)
	}
	return out
}

// Count returns the number of live vaults.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vaults)
}

// Delete resets and removes the named vault, and deletes its snapshot.
func (r *Registry) Delete(ctx context.Context, name string) bool {
	r.mu.Lock()
	v, ok := r.vaults[name]
	delete(r.vaults, name)
	r.mu.Unlock()

	if ok {
		v.Reset()
	}
	if r.rdb != nil {
		if err := r.rdb.Del(ctx, snapshotKeyPrefix+name).Err(); err != nil {
			r.logger.Warn("snapshot_delete_failed",
				slog.String("vault", name),
				slog.String("error", err.Error()))
		}
	}
	if r.mirror != nil {
		if err := r.mirror.DeleteVault(ctx, name); err != nil {
			r.logger.Warn("mirror_delete_failed",
				slog.String("vault", name),
				slog.String("error", err.Error()))
		}
	}
	return ok
}

// Run flushes dirty vaults to Redis on a timer until ctx is cancelled or
// Close is called, then performs a final flush.
func (r *Registry) Run(ctx context.Context) error {
	r.running.Store(true)
	defer close(r.done)

	if r.rdb == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		}
	}

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flushDirty()
		case <-ctx.Done():
			r.flushDirty()
			return ctx.Err()
		case <-r.stop:
			r.flushDirty()
			return nil
		}
	}
}

// Close stops the snapshot loop and waits for the final flush. Safe to
// call when Run was never started (the final flush happens inline).
func (r *Registry) Close() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	if r.running.Load() {
		<-r.done
		return
	}
	r.flushDirty()
}

// ── snapshots ──

// snapshot is the Redis-persisted form of a vault.
type snapshot struct {
	Dims   int     `json:"dims"`
	NextID int64   `json:"next_id"`
	Chunks []Chunk `json:"chunks"`
	Buffer string  `json:"buffer"`
}

func (r *Registry) flushDirty() {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	for _, v := range r.All() {
		v.mu.Lock()
		if !v.dirty {
			v.mu.Unlock()
			continue
		}
		snap := snapshot{Dims: v.dims, NextID: v.nextID, Buffer: v.buf.text}
		snap.Chunks = make([]Chunk, len(v.chunks))
		for i, c := range v.chunks {
			snap.Chunks[i] = *c
		}
		v.dirty = false
		v.mu.Unlock()

		data, err := json.Marshal(snap)
		if err != nil {
			r.logger.Error("snapshot_marshal_failed",
				slog.String("vault", v.Name()),
				slog.String("error", err.Error()))
			continue
		}
		if err := r.rdb.Set(ctx, snapshotKeyPrefix+v.Name(), data, 0).Err(); err != nil {
			r.logger.Warn("snapshot_write_failed",
				slog.String("vault", v.Name()),
				slog.String("error", err.Error()))
			v.mu.Lock()
			v.dirty = true
			v.mu.Unlock()
		}
	}
}

func (r *Registry) loadSnapshot(ctx context.Context, v *Vault) {
	if r.rdb == nil {
		return
	}

	data, err := r.rdb.Get(ctx, snapshotKeyPrefix+v.Name()).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("snapshot_read_failed",
				slog.String("vault", v.Name()),
				slog.String("error", err.Error()))
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		r.logger.Error("snapshot_corrupt",
			slog.String("vault", v.Name()),
			slog.String("error", err.Error()))
		return
	}
	if snap.Dims != v.dims {
		// A dimension change happened while this vault was only on disk.
		// The snapshot cannot be searched against the new embedder; start
		// empty and let the re-embed flow rebuild it from the mirror.
		r.logger.Warn("snapshot_dims_mismatch",
			slog.String("vault", v.Name()),
			slog.Int("snapshot_dims", snap.Dims),
			slog.Int("vault_dims", v.dims))
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.chunks) > 0 {
		return
	}
	v.chunks = make([]*Chunk, len(snap.Chunks))
	for i := range snap.Chunks {
		c := snap.Chunks[i]
		v.chunks[i] = &c
	}
	v.nextID = snap.NextID
	if v.nextID < 1 {
		v.nextID = 1
	}
	v.buf.text = snap.Buffer
}

// Lookup returns the named live vault without creating it.
func (r *Registry) Lookup(name string) (*Vault, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vaults[name]
	if !ok {
		return nil, fmt.Errorf("vault: %q not found", name)
	}
	return v, nil
}
