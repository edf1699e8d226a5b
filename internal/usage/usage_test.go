package usage

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"
)

var day0 = time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)

func event(key string, at time.Time, in, out uint32, mrMs uint16) Event {
	return Event{
		TS:             at,
		MemoryKey:      key,
		Model:          "gpt-4o",
		Provider:       "openai",
		InputTokens:    in,
		OutputTokens:   out,
		MRProcessingMs: mrMs,
	}
}

func TestAggregate(t *testing.T) {
	events := []Event{
		event("mk_a", day0.Add(2*time.Hour), 100, 10, 4),
		event("mk_a", day0.Add(5*time.Hour), 200, 20, 8),
		event("mk_b", day0.Add(3*time.Hour), 50, 5, 2),
		event("mk_a", day0.Add(26*time.Hour), 300, 30, 6), // next day
	}

	rows := Aggregate(events)
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}

	// Sorted by day then key.
	first := rows[0]
	if first.MemoryKey != "mk_a" || !first.Day.Equal(day0) {
		t.Fatalf("first row = %+v", first)
	}
	if first.Requests != 2 || first.InputTokens != 300 || first.OutputTokens != 30 {
		t.Fatalf("sums = %+v", first)
	}
	if first.AvgMRMs != 6 {
		t.Fatalf("avg = %v, want 6", first.AvgMRMs)
	}

	if rows[1].MemoryKey != "mk_b" || rows[1].Requests != 1 {
		t.Fatalf("second row = %+v", rows[1])
	}
	if !rows[2].Day.Equal(day0.Add(24 * time.Hour)) {
		t.Fatalf("third row day = %v", rows[2].Day)
	}
}

// Rolling up and then merging the remainder must equal aggregating all raw
// events directly.
func TestRollupMatchesDirectAggregation(t *testing.T) {
	var all []Event
	for i := 0; i < 10; i++ {
		all = append(all, event("mk_a", day0.Add(time.Duration(i)*7*time.Hour), uint32(100+i), uint32(i), uint16(i+1)))
	}

	cut := day0.Add(48 * time.Hour)
	var old, recent []Event
	for _, e := range all {
		if e.TS.Before(cut) {
			old = append(old, e)
		} else {
			recent = append(recent, e)
		}
	}

	combined := Merge(append(Aggregate(old), Aggregate(recent)...))
	direct := Aggregate(all)

	if len(combined) != len(direct) {
		t.Fatalf("row counts differ: %d vs %d", len(combined), len(direct))
	}
	for i := range direct {
		d, c := direct[i], combined[i]
		if d.MemoryKey != c.MemoryKey || !d.Day.Equal(c.Day) ||
			d.Requests != c.Requests || d.InputTokens != c.InputTokens ||
			d.OutputTokens != c.OutputTokens {
			t.Fatalf("row %d differs:\n direct  %+v\n combined %+v", i, d, c)
		}
		if math.Abs(d.AvgMRMs-c.AvgMRMs) > 1e-9 {
			t.Fatalf("row %d avg differs: %v vs %v", i, d.AvgMRMs, c.AvgMRMs)
		}
	}
}

func TestMergeWeightsAverages(t *testing.T) {
	rows := Merge([]DailyRow{
		{Day: day0, MemoryKey: "mk_a", Requests: 1, AvgMRMs: 10},
		{Day: day0, MemoryKey: "mk_a", Requests: 3, AvgMRMs: 2},
	})
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0].Requests != 4 || rows[0].AvgMRMs != 4 {
		t.Fatalf("merged = %+v, want requests=4 avg=4", rows[0])
	}
}

type captureSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func (c *captureSink) WriteBatch(_ context.Context, events []Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := make([]Event, len(events))
	copy(batch, events)
	c.batches = append(c.batches, batch)
	return nil
}

func (c *captureSink) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func TestRecorderFlushesOnClose(t *testing.T) {
	sink := &captureSink{}
	r, err := NewRecorder(context.Background(), sink, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		r.Record(event("mk_a", day0, 1, 1, 1))
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	if got := sink.total(); got != 5 {
		t.Fatalf("flushed %d events, want 5", got)
	}
	if r.Dropped() != 0 {
		t.Fatalf("dropped = %d", r.Dropped())
	}
}

func TestRecorderFlushesFullBatches(t *testing.T) {
	sink := &captureSink{}
	r, err := NewRecorder(context.Background(), sink, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < batchSize*2; i++ {
		r.Record(event("mk_a", day0, 1, 1, 1))
	}
	r.Close()

	if got := sink.total(); got != batchSize*2 {
		t.Fatalf("flushed %d events, want %d", got, batchSize*2)
	}
}

func TestRecorderStampsMissingTimestamps(t *testing.T) {
	sink := &captureSink{}
	r, _ := NewRecorder(context.Background(), sink, nil)

	r.Record(Event{MemoryKey: "mk_a"})
	r.Close()

	if sink.total() != 1 {
		t.Fatalf("flushed %d events", sink.total())
	}
	if sink.batches[0][0].TS.IsZero() {
		t.Fatal("zero timestamp not stamped")
	}
}

type fakeSource struct {
	events []Event
	reaped time.Time
}

func (f *fakeSource) EventsBefore(_ context.Context, cutoff time.Time) ([]Event, error) {
	var out []Event
	for _, e := range f.events {
		if e.TS.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) EventsBetween(_ context.Context, key string, from, to time.Time) ([]Event, error) {
	var out []Event
	for _, e := range f.events {
		if e.MemoryKey == key && !e.TS.Before(from) && !e.TS.After(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) ReclaimBefore(_ context.Context, cutoff time.Time) error {
	f.reaped = cutoff
	return nil
}

type fakeDaily struct {
	rows map[string]DailyRow
}

func newFakeDaily() *fakeDaily { return &fakeDaily{rows: make(map[string]DailyRow)} }

func (f *fakeDaily) UpsertDaily(_ context.Context, rows []DailyRow) error {
	for _, r := range rows {
		f.rows[r.Day.Format("2006-01-02")+r.MemoryKey] = r
	}
	return nil
}

func (f *fakeDaily) DailyRange(_ context.Context, key string, from, to time.Time) ([]DailyRow, error) {
	var out []DailyRow
	for _, r := range f.rows {
		if r.MemoryKey == key && !r.Day.Before(from) && !r.Day.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeDaily) LastRolledDay(_ context.Context, key string) (time.Time, bool, error) {
	var last time.Time
	found := false
	for _, r := range f.rows {
		if r.MemoryKey == key && r.Day.After(last) {
			last, found = r.Day, true
		}
	}
	return last, found, nil
}

func TestRollupOnceAndQueryRange(t *testing.T) {
	now := day0.Add(72 * time.Hour)
	src := &fakeSource{events: []Event{
		event("mk_a", day0.Add(2*time.Hour), 100, 10, 4),   // rolled up
		event("mk_a", day0.Add(30*time.Hour), 200, 20, 6),  // rolled up
		event("mk_a", day0.Add(60*time.Hour), 300, 30, 8),  // still raw
	}}
	daily := newFakeDaily()

	if err := NewRollup(src, daily, nil).Once(context.Background(), now); err != nil {
		t.Fatal(err)
	}
	if len(daily.rows) != 2 {
		t.Fatalf("daily rows = %d, want 2", len(daily.rows))
	}
	if src.reaped.IsZero() {
		t.Fatal("raw reclamation not invoked")
	}

	rows, err := NewQuery(src, daily).Range(context.Background(), "mk_a", day0, now)
	if err != nil {
		t.Fatal(err)
	}

	var requests, input int64
	for _, r := range rows {
		requests += r.Requests
		input += r.InputTokens
	}
	if requests != 3 || input != 600 {
		t.Fatalf("range totals = requests %d input %d, want 3/600", requests, input)
	}
}
