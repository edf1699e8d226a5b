package kronos

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/memory-router/internal/vault"
)

// maxParallelSearches caps the (vault x window) fan-out so a misconfigured
// flood of session ids cannot spawn unbounded goroutines.
const maxParallelSearches = 12

// Searcher is the slice of a vault the engine needs. *vault.Vault satisfies
// it; tests use in-memory fakes.
type Searcher interface {
	Name() string
	Search(queryVec []float32, f vault.SearchFilter, limit int) []vault.Result
}

// Result is a completed retrieval: ranked chunks, a rough token count
// (ceil of total chars / 4), and how many chunks each window contributed.
type Result struct {
	Chunks     []vault.Result
	TokenCount int
	Breakdown  Allocation
	Intent     Intent
}

// Engine plans and executes window-partitioned searches across vaults.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an engine with the given window cutoffs.
func New(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger.With(slog.String("component", "kronos"))}
}

// Config returns the engine's window cutoffs.
func (e *Engine) Config() Config { return e.cfg }

// Retrieve searches every vault for the query vector and merges the hits.
//
// Without temporal intent, the slot budget is split across HOT, WORKING and
// LONG_TERM per the bias and one search per (vault, window) runs in
// parallel. A temporal phrase with an explicit range collapses the plan to
// one full-budget search per vault over that range.
func (e *Engine) Retrieve(ctx context.Context, vaults []Searcher, queryVec []float32, query string, limit int, bias Bias, now time.Time) (*Result, error) {
	res := &Result{Intent: DetectIntent(query, now)}
	if limit <= 0 || len(vaults) == 0 || len(queryVec) == 0 {
		return res, nil
	}

	type task struct {
		v      Searcher
		filter vault.SearchFilter
		slots  int
	}
	var tasks []task

	if res.Intent.HasRange() {
		f := vault.SearchFilter{
			MinTimestamp: res.Intent.Start.UnixMilli(),
			MaxTimestamp: res.Intent.End.UnixMilli(),
		}
		for _, v := range vaults {
			tasks = append(tasks, task{v: v, filter: f, slots: limit})
		}
	} else {
		alloc := Allocate(limit, bias)
		for _, v := range vaults {
			for _, w := range []struct {
				win   Window
				slots int
			}{
				{Hot, alloc.Hot},
				{Working, alloc.Working},
				{LongTerm, alloc.LongTerm},
			} {
				if w.slots == 0 {
					continue
				}
				tasks = append(tasks, task{
					v:      v,
					filter: e.cfg.Bounds(w.win, now, v.Name()),
					slots:  w.slots,
				})
			}
		}
	}

	hits := make([][]vault.Result, len(tasks))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelSearches)
	for i, tk := range tasks {
		g.Go(func() error {
			out := tk.v.Search(queryVec, tk.filter, tk.slots)
			src := scopeOf(tk.v.Name())
			for j := range out {
				out[j].Source = src
			}
			hits[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []vault.Result
	for _, h := range hits {
		merged = append(merged, h...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Chunk.CreatedMs > merged[j].Chunk.CreatedMs
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}

	var chars int
	for _, r := range merged {
		chars += len(r.Chunk.Content)
		switch e.cfg.Classify(r.Chunk.CreatedMs, now, r.Source) {
		case Hot:
			res.Breakdown.Hot++
		case Working:
			res.Breakdown.Working++
		case LongTerm:
			res.Breakdown.LongTerm++
		}
	}
	res.Chunks = merged
	res.TokenCount = (chars + 3) / 4

	return res, nil
}

// scopeOf extracts the scope half of a vault name ("mk_x/core" -> "core").
func scopeOf(vaultName string) string {
	if i := strings.IndexByte(vaultName, '/'); i >= 0 {
		return vaultName[i+1:]
	}
	return vaultName
}
