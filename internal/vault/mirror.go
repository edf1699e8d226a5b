package vault

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Mirror writes chunks to the relational store as a recovery source for
// re-embedding after a dimension change. It is strictly best-effort; every
// caller treats an error as a log line, never a failure.
type Mirror struct {
	pool *pgxpool.Pool
}

// NewMirror wraps a connection pool. A nil pool yields a nil Mirror, which
// the registry treats as "no mirror".
func NewMirror(pool *pgxpool.Pool) *Mirror {
	if pool == nil {
		return nil
	}
	return &Mirror{pool: pool}
}

// InsertChunk upserts one chunk row. Replays after a snapshot restore hit
// the same (vault, chunk_id) and are absorbed by the conflict clause.
func (m *Mirror) InsertChunk(ctx context.Context, vaultName string, c Chunk) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO memory_chunks_mirror
			(vault, chunk_id, role, content, content_hash, created_ms, model, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (vault, chunk_id) DO NOTHING`,
		vaultName, c.ID, c.Role, c.Content, c.ContentHash, c.CreatedMs, c.Model, c.RequestID)
	if err != nil {
		return fmt.Errorf("vault: mirror insert: %w", err)
	}
	return nil
}

// DeleteVault removes all mirrored rows for a vault.
func (m *Mirror) DeleteVault(ctx context.Context, vaultName string) error {
	_, err := m.pool.Exec(ctx, `DELETE FROM memory_chunks_mirror WHERE vault = $1`, vaultName)
	if err != nil {
		return fmt.Errorf("vault: mirror delete: %w", err)
	}
	return nil
}

// LoadVault reads back all mirrored chunks for a vault in insertion order,
// without embeddings. Used by the re-embed flow when the in-memory copy is
// gone.
func (m *Mirror) LoadVault(ctx context.Context, vaultName string) ([]Chunk, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT chunk_id, role, content, content_hash, created_ms, model, request_id
		FROM memory_chunks_mirror
		WHERE vault = $1
		ORDER BY chunk_id`, vaultName)
	if err != nil {
		return nil, fmt.Errorf("vault: mirror load: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.Role, &c.Content, &c.ContentHash, &c.CreatedMs, &c.Model, &c.RequestID); err != nil {
			return nil, fmt.Errorf("vault: mirror scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
