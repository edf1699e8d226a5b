package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/memory-router/internal/kronos"
	"github.com/nulpointcorp/memory-router/internal/transform"
	"github.com/nulpointcorp/memory-router/internal/truncate"
	"github.com/nulpointcorp/memory-router/internal/vault"
)

// memoryInfo is what the memory pipeline did to one request, for response
// headers and the usage event.
type memoryInfo struct {
	mode            transform.Mode
	chunksRetrieved int
	tokensRetrieved int
	tokensInjected  int
	trunc           truncate.Result
}

// applyMemory runs the retrieval half of the pipeline: embed the query,
// search the vaults, fit everything under the model's context budget, and
// inject the formatted block into the body's system carrier.
//
// dropMessages controls whether truncation may delete conversation messages
// from the forwarded body. The native surfaces forward bodies unchanged
// apart from the injection, so they pass false and only the chunk list is
// trimmed.
//
// Retrieval failures never fail the request: the body is forwarded without
// memory and the failure is logged.
func (g *Gateway) applyMemory(ctx context.Context, memoryKey string, o transform.Options, body []byte, shape transform.Shape, model string, dropMessages bool, now time.Time) ([]byte, memoryInfo) {
	info := memoryInfo{mode: o.Mode}
	if !o.Mode.Retrieves() || o.ContextLimit <= 0 {
		return body, info
	}

	msgs := transform.ExtractMessages(body, shape)

	var chunks []vault.Result
	if query := transform.BuildQuery(body, shape); query != "" {
		if res := g.retrieve(ctx, memoryKey, o, query); res != nil {
			chunks = res.Chunks
			info.tokensRetrieved = res.TokenCount
		}
	}

	info.trunc = truncate.Truncate(model, msgs, chunks, now)
	info.chunksRetrieved = len(info.trunc.Chunks)
	if dropMessages && len(info.trunc.DroppedMessages) > 0 {
		body = dropFromCarrier(body, shape, info.trunc.DroppedMessages)
	}

	buffer := g.vaults.ResolveWrite(ctx, memoryKey, o.SessionID).BufferText()
	block := transform.FormatBlock(transform.StyleFor(model), buffer, info.trunc.Chunks, now)
	if block == "" {
		return body, info
	}

	injected, err := transform.Inject(body, shape, block)
	if err != nil {
		g.log.Warn("memory_injection_failed",
			slog.String("shape", shape.String()), slog.String("error", err.Error()))
		return body, info
	}

	info.tokensInjected = vault.EstimateTokens(block)
	g.metrics.AddMemoryTokens("retrieved", info.tokensRetrieved)
	g.metrics.AddMemoryTokens("injected", info.tokensInjected)
	return injected, info
}

func (g *Gateway) retrieve(ctx context.Context, memoryKey string, o transform.Options, query string) *kronos.Result {
	vec, err := g.embed.Embed(ctx, query)
	if err != nil {
		g.log.Warn("memory_retrieval_skipped", slog.String("error", err.Error()))
		return nil
	}

	vaults := g.vaults.ResolveRead(ctx, memoryKey, o.SessionID)
	searchers := make([]kronos.Searcher, len(vaults))
	for i, v := range vaults {
		searchers[i] = v
	}

	res, err := g.kronos.Retrieve(ctx, searchers, vec, query, o.ContextLimit, kronos.BiasMedium, time.Now())
	if err != nil {
		g.log.Warn("memory_retrieval_skipped", slog.String("error", err.Error()))
		return nil
	}
	return res
}

// dropFromCarrier deletes messages at the given original indices from the
// body's conversation array, highest index first so earlier deletions do
// not shift later ones.
func dropFromCarrier(body []byte, shape transform.Shape, indices []int) []byte {
	carrier := "messages"
	if shape == transform.ShapeGoogle {
		carrier = "contents"
	}

	sorted := make([]int, len(indices))
	copy(sorted, indices)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	out := body
	for _, idx := range sorted {
		next, err := sjson.DeleteBytes(out, fmt.Sprintf("%s.%d", carrier, idx))
		if err != nil {
			return body
		}
		out = next
	}
	return out
}

// storeExchange persists the request's last user message and the provider's
// response in the background. Content below the chunk target accumulates in
// the vault's rolling buffer; completed cuts are embedded and stored.
func (g *Gateway) storeExchange(o transform.Options, memoryKey, model, requestID string, input transform.Message, response string) {
	if !o.Mode.Stores() {
		return
	}
	storeInput := o.StoreInput && !input.NoStore && input.Content != ""
	storeResponse := o.StoreResponse && response != ""
	if !storeInput && !storeResponse {
		return
	}

	g.spawn(func(ctx context.Context) {
		wv := g.vaults.ResolveWrite(ctx, memoryKey, o.SessionID)

		store := func(content, role string) {
			pieces := wv.StoreChunked(content)
			if len(pieces) == 0 {
				g.metrics.RecordChunk("buffered")
				return
			}
			for _, piece := range pieces {
				vec, err := g.embed.Embed(ctx, piece)
				if err != nil {
					g.log.Warn("memory_store_embed_failed",
						slog.String("vault", wv.Name()), slog.String("error", err.Error()))
					return
				}
				if _, err := g.vaults.Store(ctx, wv, vec, piece, role, model, requestID); err != nil {
					g.log.Warn("memory_store_failed",
						slog.String("vault", wv.Name()), slog.String("error", err.Error()))
					return
				}
				g.metrics.RecordChunk("stored")
				g.metrics.AddMemoryTokens("stored", vault.EstimateTokens(piece))
			}
		}

		if storeInput {
			role := input.Role
			if role == "" {
				role = "user"
			}
			store(input.Content, role)
		}
		if storeResponse {
			store(response, "assistant")
		}
		g.metrics.SetVaultCount(g.vaults.Count())
	})
}
