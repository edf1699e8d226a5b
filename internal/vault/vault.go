// Package vault implements the per-(memory-key, scope) chunk store.
//
// A vault owns an append-only array of embedded chunks plus one rolling text
// buffer. All vectors are kept in memory so search stays sub-millisecond at
// the scale of a single caller's history; durability comes from periodic
// snapshots (registry.go) and the best-effort relational mirror (mirror.go).
//
// Concurrency: a vault is a mutex-guarded actor. Writes are serialised; two
// racing inserts both succeed with distinct, strictly increasing ids.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/memory-router/internal/embedder"
)

// Scope names. A session scope is "session:" + sessionID.
const (
	ScopeCore          = "core"
	SessionScopePrefix = "session:"
)

// dedupWindow bounds the content-hash dedup to the most recent inserts.
// It exists to absorb client retries and double-submits, which land within
// seconds of each other.
const dedupWindow = 64

// ErrDimensionMismatch is returned by Store and Export when an embedding does
// not match the vault's declared dimension.
var ErrDimensionMismatch = errors.New("vault: embedding dimension mismatch")

// Chunk is the atomic stored unit.
type Chunk struct {
	ID          int64     `json:"id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	CreatedMs   int64     `json:"created_ms"`
	Model       string    `json:"model,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty"`
}

// Tokens estimates the chunk's token count (ceil of chars/4).
func (c *Chunk) Tokens() int { return EstimateTokens(c.Content) }

// SearchFilter bounds a search to an inclusive timestamp window (Unix-ms).
// Zero values mean unbounded on that side.
type SearchFilter struct {
	MinTimestamp int64
	MaxTimestamp int64
}

// Result is one search hit.
type Result struct {
	Chunk *Chunk
	Score float64
	// Source is the scope the chunk came from, filled in by the engine when
	// several vaults are searched together.
	Source string
}

// Stats is the snapshot returned by Stats().
type Stats struct {
	VectorCount int   `json:"vector_count"`
	Dims        int   `json:"dims"`
	OldestTs    int64 `json:"oldest_ts"`
	NewestTs    int64 `json:"newest_ts"`
	TotalTokens int   `json:"total_tokens"`
}

// Vault is a named bucket of chunks plus one rolling buffer.
type Vault struct {
	mu sync.Mutex

	name   string
	dims   int
	nextID int64
	chunks []*Chunk
	buf    buffer

	// dirty is set on every mutation and cleared by the snapshotter.
	dirty bool
}

// New creates an empty vault with the given declared dimension.
func New(name string, dims int) *Vault {
	return &Vault{name: name, dims: dims, nextID: 1}
}

// Name returns the vault's full name ("<memoryKey>/<scope>").
func (v *Vault) Name() string { return v.name }

// Dims returns the declared embedding dimension.
func (v *Vault) Dims() int { return v.dims }

// Store appends a chunk with a fresh monotonic id, stamped with the
// current time, and returns that id. A content-hash match within the dedup
// window returns the existing id without appending. Mismatched embedding
// dimensions fail with ErrDimensionMismatch.
func (v *Vault) Store(embedding []float32, content, role, model, requestID string) (int64, error) {
	return v.StoreAt(embedding, content, role, model, requestID, time.Now().UnixMilli())
}

// StoreAt is Store with an explicit creation timestamp (Unix-ms), used when
// importing historical records. createdMs <= 0 falls back to the current
// time.
func (v *Vault) StoreAt(embedding []float32, content, role, model, requestID string, createdMs int64) (int64, error) {
	if len(embedding) != v.dims {
		return 0, fmt.Errorf("%w: got %d, vault %q declares %d",
			ErrDimensionMismatch, len(embedding), v.name, v.dims)
	}

	if createdMs <= 0 {
		createdMs = time.Now().UnixMilli()
	}
	hash := ContentHash(content)

	v.mu.Lock()
	defer v.mu.Unlock()

	lo := len(v.chunks) - dedupWindow
	if lo < 0 {
		lo = 0
	}
	for i := len(v.chunks) - 1; i >= lo; i-- {
		if v.chunks[i].ContentHash == hash {
			return v.chunks[i].ID, nil
		}
	}

	c := &Chunk{
		ID:          v.nextID,
		Role:        role,
		Content:     content,
		ContentHash: hash,
		CreatedMs:   createdMs,
		Model:       model,
		RequestID:   requestID,
		Embedding:   embedding,
	}
	v.nextID++
	v.chunks = append(v.chunks, c)
	v.dirty = true

	return c.ID, nil
}

// Search scores all chunks inside the filter window by cosine similarity
// against queryVec and returns the top limit results. Ties break by
// descending timestamp.
func (v *Vault) Search(queryVec []float32, filter SearchFilter, limit int) []Result {
	if limit <= 0 {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	results := make([]Result, 0, limit)
	for _, c := range v.chunks {
		if filter.MinTimestamp != 0 && c.CreatedMs < filter.MinTimestamp {
			continue
		}
		if filter.MaxTimestamp != 0 && c.CreatedMs > filter.MaxTimestamp {
			continue
		}
		results = append(results, Result{
			Chunk: c,
			Score: embedder.Cosine(queryVec, c.Embedding),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.CreatedMs > results[j].Chunk.CreatedMs
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Reset drops all chunks and empties the buffer atomically.
func (v *Vault) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.chunks = nil
	v.nextID = 1
	v.buf = buffer{}
	v.dirty = true
}

// Export returns a deep snapshot of all chunks including embeddings.
// It fails with ErrDimensionMismatch if any stored embedding disagrees with
// the vault's declared dimension (a sign of a half-finished re-embed).
func (v *Vault) Export() ([]Chunk, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Chunk, len(v.chunks))
	for i, c := range v.chunks {
		if len(c.Embedding) != v.dims {
			return nil, fmt.Errorf("%w: chunk %d has %d dims, vault %q declares %d",
				ErrDimensionMismatch, c.ID, len(c.Embedding), v.name, v.dims)
		}
		out[i] = *c
		out[i].Embedding = append([]float32(nil), c.Embedding...)
	}
	return out, nil
}

// ExportRaw returns a snapshot of all chunks without embeddings and without
// dimension checks, so a dimension change can be executed as
// ExportRaw → Reset → re-embed → Store.
func (v *Vault) ExportRaw() []Chunk {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Chunk, len(v.chunks))
	for i, c := range v.chunks {
		out[i] = *c
		out[i].Embedding = nil
	}
	return out
}

// Restore replaces a chunk wholesale, preserving its original id, timestamp
// and hash. Used by the re-embed flow and snapshot load; normal writes go
// through Store.
func (v *Vault) Restore(c Chunk) error {
	if len(c.Embedding) != v.dims {
		return fmt.Errorf("%w: got %d, vault %q declares %d",
			ErrDimensionMismatch, len(c.Embedding), v.name, v.dims)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	cp := c
	v.chunks = append(v.chunks, &cp)
	if c.ID >= v.nextID {
		v.nextID = c.ID + 1
	}
	v.dirty = true
	return nil
}

// Stats returns the vault's size and time-range summary.
func (v *Vault) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := Stats{VectorCount: len(v.chunks), Dims: v.dims}
	for _, c := range v.chunks {
		if s.OldestTs == 0 || c.CreatedMs < s.OldestTs {
			s.OldestTs = c.CreatedMs
		}
		if c.CreatedMs > s.NewestTs {
			s.NewestTs = c.CreatedMs
		}
		s.TotalTokens += c.Tokens()
	}
	return s
}

// BufferText returns the current buffer content (the "[MOST RECENT]" block
// shown ahead of retrieved chunks).
func (v *Vault) BufferText() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.buf.text
}

// ContentHash returns the 16-hex-char hash of content (first 8 bytes of its
// SHA-256).
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}

// EstimateTokens is the rough chars/4 token estimate used everywhere a real
// tokenizer would be overkill.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
