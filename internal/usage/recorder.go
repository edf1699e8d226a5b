package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	writeTimeout  = 5 * time.Second
)

// Sink receives flushed event batches. The production sink is ClickHouse;
// tests substitute a capture.
type Sink interface {
	WriteBatch(ctx context.Context, events []Event) error
}

// Recorder buffers events and flushes them to the sink in batches. When
// the channel fills up, new events are dropped and counted rather than
// blocking the request path.
type Recorder struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
}

// NewRecorder starts the flush goroutine. ctx bounds the recorder's
// lifetime alongside Close.
func NewRecorder(ctx context.Context, sink Sink, log *slog.Logger) (*Recorder, error) {
	if ctx == nil {
		return nil, fmt.Errorf("usage: context must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("usage: sink must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	r := &Recorder{
		ch:      make(chan Event, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     log,
	}

	r.wg.Add(1)
	go r.run()
	return r, nil
}

// Record enqueues one event. Never blocks.
func (r *Recorder) Record(e Event) {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	select {
	case r.ch <- e:
	default:
		atomic.AddInt64(&r.dropped, 1)
	}
}

// Dropped returns how many events were discarded because the buffer was
// full.
func (r *Recorder) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

// Close drains the channel, flushes the final batch, and stops the
// goroutine.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
	return nil
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.sink.WriteBatch(ctx, batch); err != nil {
			r.log.Error("usage batch write failed",
				slog.Int("events", len(batch)), slog.String("error", err.Error()))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case e := <-r.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.baseCtx.Done():
			flush()
			return

		case <-r.done:
			for {
				select {
				case e := <-r.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// CHSink writes event batches into the usage_events ClickHouse table.
type CHSink struct {
	conn driver.Conn
}

// NewCHSink wraps an open ClickHouse connection.
func NewCHSink(conn driver.Conn) *CHSink {
	return &CHSink{conn: conn}
}

func (s *CHSink) WriteBatch(ctx context.Context, events []Event) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO usage_events
		(ts, memory_key, session_id, model, provider,
		 input_tokens, output_tokens, memory_tokens_retrieved, memory_tokens_injected,
		 mr_processing_ms, provider_response_ms)`)
	if err != nil {
		return fmt.Errorf("usage: prepare batch: %w", err)
	}
	for _, e := range events {
		if err := batch.Append(
			e.TS, e.MemoryKey, e.SessionID, e.Model, e.Provider,
			e.InputTokens, e.OutputTokens, e.MemoryTokensRetrieved, e.MemoryTokensInjected,
			e.MRProcessingMs, e.ProviderResponseMs,
		); err != nil {
			return fmt.Errorf("usage: append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("usage: send batch: %w", err)
	}
	return nil
}
