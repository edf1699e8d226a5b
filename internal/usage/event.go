// Package usage records per-request usage events into ClickHouse and rolls
// them up into daily Postgres rows.
//
// Events flow through a non-blocking buffered channel and are flushed in
// batches by a background goroutine, so recording never blocks the request
// path. A scheduled rollup aggregates raw events older than 24h into
// per-(day, memory-key) rows and reclaims raw rows older than 90 days.
package usage

import (
	"sort"
	"time"
)

// Event is one immutable usage record, mirroring the usage_events table.
type Event struct {
	TS                    time.Time
	MemoryKey             string
	SessionID             string
	Model                 string
	Provider              string
	InputTokens           uint32
	OutputTokens          uint32
	MemoryTokensRetrieved uint32
	MemoryTokensInjected  uint32
	MRProcessingMs        uint16
	ProviderResponseMs    uint32
}

// DailyRow is one usage_daily row: sums per (day, memory key) plus a
// request-weighted average of router processing latency.
type DailyRow struct {
	Day                   time.Time
	MemoryKey             string
	Requests              int64
	InputTokens           int64
	OutputTokens          int64
	MemoryTokensRetrieved int64
	MemoryTokensInjected  int64
	AvgMRMs               float64
}

// Aggregate folds raw events into daily rows, sorted by day then key. The
// rollup and the range-query fallback both use it so their totals agree.
func Aggregate(events []Event) []DailyRow {
	type bucket struct {
		row   DailyRow
		sumMs int64
	}
	buckets := make(map[string]*bucket)

	for _, e := range events {
		day := e.TS.UTC().Truncate(24 * time.Hour)
		k := day.Format("2006-01-02") + "\x00" + e.MemoryKey
		b, ok := buckets[k]
		if !ok {
			b = &bucket{row: DailyRow{Day: day, MemoryKey: e.MemoryKey}}
			buckets[k] = b
		}
		b.row.Requests++
		b.row.InputTokens += int64(e.InputTokens)
		b.row.OutputTokens += int64(e.OutputTokens)
		b.row.MemoryTokensRetrieved += int64(e.MemoryTokensRetrieved)
		b.row.MemoryTokensInjected += int64(e.MemoryTokensInjected)
		b.sumMs += int64(e.MRProcessingMs)
	}

	rows := make([]DailyRow, 0, len(buckets))
	for _, b := range buckets {
		if b.row.Requests > 0 {
			b.row.AvgMRMs = float64(b.sumMs) / float64(b.row.Requests)
		}
		rows = append(rows, b.row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Day.Equal(rows[j].Day) {
			return rows[i].Day.Before(rows[j].Day)
		}
		return rows[i].MemoryKey < rows[j].MemoryKey
	})
	return rows
}

// Merge combines daily rows covering disjoint event sets for the same
// (day, key), recomputing the weighted latency average.
func Merge(rows []DailyRow) []DailyRow {
	type bucket struct {
		row   DailyRow
		sumMs float64
	}
	buckets := make(map[string]*bucket)
	for _, r := range rows {
		k := r.Day.Format("2006-01-02") + "\x00" + r.MemoryKey
		b, ok := buckets[k]
		if !ok {
			b = &bucket{row: DailyRow{Day: r.Day, MemoryKey: r.MemoryKey}}
			buckets[k] = b
		}
		b.row.Requests += r.Requests
		b.row.InputTokens += r.InputTokens
		b.row.OutputTokens += r.OutputTokens
		b.row.MemoryTokensRetrieved += r.MemoryTokensRetrieved
		b.row.MemoryTokensInjected += r.MemoryTokensInjected
		b.sumMs += r.AvgMRMs * float64(r.Requests)
	}

	out := make([]DailyRow, 0, len(buckets))
	for _, b := range buckets {
		if b.row.Requests > 0 {
			b.row.AvgMRMs = b.sumMs / float64(b.row.Requests)
		}
		out = append(out, b.row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Day.Equal(out[j].Day) {
			return out[i].Day.Before(out[j].Day)
		}
		return out[i].MemoryKey < out[j].MemoryKey
	})
	return out
}
