package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	rollupCutover  = 24 * time.Hour
	rawRetention   = 90 * 24 * time.Hour
	rollupInterval = 24 * time.Hour
)

// RawSource reads back raw events for aggregation and reclaims old ones.
// ClickHouse implements it; tests substitute a slice-backed fake.
type RawSource interface {
	EventsBefore(ctx context.Context, cutoff time.Time) ([]Event, error)
	EventsBetween(ctx context.Context, memoryKey string, from, to time.Time) ([]Event, error)
	ReclaimBefore(ctx context.Context, cutoff time.Time) error
}

// DailyStore persists and reads the rollup rows. Postgres implements it.
type DailyStore interface {
	UpsertDaily(ctx context.Context, rows []DailyRow) error
	DailyRange(ctx context.Context, memoryKey string, from, to time.Time) ([]DailyRow, error)
	LastRolledDay(ctx context.Context, memoryKey string) (time.Time, bool, error)
}

// Rollup aggregates raw events into usage_daily and reclaims expired raw
// rows. The upsert makes reruns idempotent.
type Rollup struct {
	src RawSource
	dst DailyStore
	log *slog.Logger
}

func NewRollup(src RawSource, dst DailyStore, log *slog.Logger) *Rollup {
	if log == nil {
		log = slog.Default()
	}
	return &Rollup{src: src, dst: dst, log: log}
}

// Run executes the rollup daily until ctx is cancelled.
func (r *Rollup) Run(ctx context.Context) {
	ticker := time.NewTicker(rollupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Once(ctx, time.Now()); err != nil {
				r.log.Error("usage rollup failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Once rolls up events older than the 24h cut-over and reclaims raw rows
// past retention.
func (r *Rollup) Once(ctx context.Context, now time.Time) error {
	events, err := r.src.EventsBefore(ctx, now.Add(-rollupCutover))
	if err != nil {
		return fmt.Errorf("usage: read raw events: %w", err)
	}
	if rows := Aggregate(events); len(rows) > 0 {
		if err := r.dst.UpsertDaily(ctx, rows); err != nil {
			return fmt.Errorf("usage: upsert daily: %w", err)
		}
		r.log.Info("usage rollup complete",
			slog.Int("events", len(events)), slog.Int("daily_rows", len(rows)))
	}
	if err := r.src.ReclaimBefore(ctx, now.Add(-rawRetention)); err != nil {
		return fmt.Errorf("usage: reclaim raw events: %w", err)
	}
	return nil
}

// Query answers usage questions, preferring the rollup table and falling
// back to raw events for days not yet rolled up.
type Query struct {
	src RawSource
	dst DailyStore
}

func NewQuery(src RawSource, dst DailyStore) *Query {
	return &Query{src: src, dst: dst}
}

// Range returns daily totals for one key over [from, to].
func (q *Query) Range(ctx context.Context, memoryKey string, from, to time.Time) ([]DailyRow, error) {
	rolled, err := q.dst.DailyRange(ctx, memoryKey, from, to)
	if err != nil {
		return nil, err
	}

	last, ok, err := q.dst.LastRolledDay(ctx, memoryKey)
	if err != nil {
		return nil, err
	}

	rawFrom := from
	if ok {
		rawFrom = last.Add(24 * time.Hour)
	}
	if rawFrom.After(to) {
		return rolled, nil
	}

	raw, err := q.src.EventsBetween(ctx, memoryKey, rawFrom, to)
	if err != nil {
		return nil, err
	}
	return Merge(append(rolled, Aggregate(raw)...)), nil
}

// ── ClickHouse raw source ────────────────────────────────────────────────

// CHSource reads raw events from ClickHouse.
type CHSource struct {
	conn driver.Conn
}

func NewCHSource(conn driver.Conn) *CHSource {
	return &CHSource{conn: conn}
}

const eventColumns = `ts, memory_key, session_id, model, provider,
	input_tokens, output_tokens, memory_tokens_retrieved, memory_tokens_injected,
	mr_processing_ms, provider_response_ms`

func (s *CHSource) EventsBefore(ctx context.Context, cutoff time.Time) ([]Event, error) {
	rows, err := s.conn.Query(ctx,
		`SELECT `+eventColumns+` FROM usage_events WHERE ts < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *CHSource) EventsBetween(ctx context.Context, memoryKey string, from, to time.Time) ([]Event, error) {
	rows, err := s.conn.Query(ctx,
		`SELECT `+eventColumns+` FROM usage_events WHERE memory_key = ? AND ts >= ? AND ts <= ?`,
		memoryKey, from, to)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *CHSource) ReclaimBefore(ctx context.Context, cutoff time.Time) error {
	return s.conn.Exec(ctx,
		`ALTER TABLE usage_events DELETE WHERE ts < ?`, cutoff)
}

func scanEvents(rows driver.Rows) ([]Event, error) {
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.TS, &e.MemoryKey, &e.SessionID, &e.Model, &e.Provider,
			&e.InputTokens, &e.OutputTokens, &e.MemoryTokensRetrieved, &e.MemoryTokensInjected,
			&e.MRProcessingMs, &e.ProviderResponseMs,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Postgres daily store ─────────────────────────────────────────────────

// PGDailyStore persists rollup rows in usage_daily.
type PGDailyStore struct {
	db *pgxpool.Pool
}

func NewPGDailyStore(db *pgxpool.Pool) *PGDailyStore {
	return &PGDailyStore{db: db}
}

// UpsertDaily writes rows into usage_daily. Each row carries the complete
// aggregate for its day, so the upsert replaces rather than adds and a
// rerun over the same window converges instead of double-counting.
func (s *PGDailyStore) UpsertDaily(ctx context.Context, rows []DailyRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO usage_daily
			(day, memory_key, requests, input_tokens, output_tokens,
			 memory_tokens_retrieved, memory_tokens_injected, avg_mr_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (day, memory_key) DO UPDATE SET
				requests = EXCLUDED.requests,
				input_tokens = EXCLUDED.input_tokens,
				output_tokens = EXCLUDED.output_tokens,
				memory_tokens_retrieved = EXCLUDED.memory_tokens_retrieved,
				memory_tokens_injected = EXCLUDED.memory_tokens_injected,
				avg_mr_ms = EXCLUDED.avg_mr_ms`,
			r.Day, r.MemoryKey, r.Requests, r.InputTokens, r.OutputTokens,
			r.MemoryTokensRetrieved, r.MemoryTokensInjected, r.AvgMRMs)
	}
	return s.db.SendBatch(ctx, batch).Close()
}

func (s *PGDailyStore) DailyRange(ctx context.Context, memoryKey string, from, to time.Time) ([]DailyRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT day, memory_key, requests, input_tokens, output_tokens,
		       memory_tokens_retrieved, memory_tokens_injected, avg_mr_ms
		FROM usage_daily
		WHERE memory_key = $1 AND day >= $2 AND day <= $3
		ORDER BY day`, memoryKey, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyRow
	for rows.Next() {
		var r DailyRow
		if err := rows.Scan(&r.Day, &r.MemoryKey, &r.Requests, &r.InputTokens, &r.OutputTokens,
			&r.MemoryTokensRetrieved, &r.MemoryTokensInjected, &r.AvgMRMs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGDailyStore) LastRolledDay(ctx context.Context, memoryKey string) (time.Time, bool, error) {
	var day *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT max(day) FROM usage_daily WHERE memory_key = $1`, memoryKey,
	).Scan(&day)
	if err != nil {
		return time.Time{}, false, err
	}
	if day == nil {
		return time.Time{}, false, nil
	}
	return *day, true, nil
}

// TopKeys returns the k keys with the most requests in [from, to], from
// the rollup table.
func (s *PGDailyStore) TopKeys(ctx context.Context, from, to time.Time, k int) ([]DailyRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT min(day), memory_key, sum(requests), sum(input_tokens), sum(output_tokens),
		       sum(memory_tokens_retrieved), sum(memory_tokens_injected),
		       sum(avg_mr_ms * requests) / NULLIF(sum(requests), 0)
		FROM usage_daily
		WHERE day >= $1 AND day <= $2
		GROUP BY memory_key
		ORDER BY sum(requests) DESC
		LIMIT $3`, from, to, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyRow
	for rows.Next() {
		var r DailyRow
		if err := rows.Scan(&r.Day, &r.MemoryKey, &r.Requests, &r.InputTokens, &r.OutputTokens,
			&r.MemoryTokensRetrieved, &r.MemoryTokensInjected, &r.AvgMRMs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
