package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/memory-router/internal/billing"
	"github.com/nulpointcorp/memory-router/internal/transform"
	"github.com/nulpointcorp/memory-router/internal/vault"
	"github.com/nulpointcorp/memory-router/pkg/apierr"
)

const (
	// maxUploadLines bounds one bulk import.
	maxUploadLines = 100_000

	// embedBatch is how many normalized records are embedded per API call.
	embedBatch = 64

	// maxUploadLineBytes bounds a single JSONL line.
	maxUploadLineBytes = 1 << 20
)

var errTooManyLines = fmt.Errorf("upload exceeds %d lines", maxUploadLines)

func errMalformedLine(n int, err error) error {
	return fmt.Errorf("malformed JSON on line %d: %w", n, err)
}

// handleMemoryUpload ingests a JSONL body of {content, role?, timestamp?}
// records, normalizes them toward the chunk target, embeds, and stores them
// in the caller's vault. Responds with counts once everything is written.
func (g *Gateway) handleMemoryUpload(fctx *fasthttp.RequestCtx) {
	uc, ok := g.authenticate(fctx)
	if !ok {
		return
	}
	if !g.checkRateLimit(fctx, uc.MemoryKey) {
		return
	}

	body := fctx.PostBody()
	if len(body) == 0 {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"empty upload", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if !g.checkBalance(fctx, uc, billing.EstimateTokens(len(body))) {
		return
	}
	// Bulk import requires a payment method on file, unlike chat which can
	// run on free-tier headroom alone.
	if !g.checkPaymentMethod(fctx, uc) {
		return
	}

	records, err := parseJSONL(body)
	if err != nil {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(records) == 0 {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"no records in upload", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	records = vault.Normalize(records)

	_, o, err := transform.Extract([]byte("{}"), headerGetter(fctx))
	if err != nil {
		o = transform.Options{}
	}
	ctx := requestCtx(fctx)
	wv := g.vaults.ResolveWrite(ctx, uc.MemoryKey, o.SessionID)

	stored, skipped, err := g.importRecords(ctx, wv, records, reqID(fctx))
	if err != nil {
		g.log.Error("memory_upload_failed",
			slog.String("vault", wv.Name()), slog.String("error", err.Error()))
		apierr.Write(fctx, fasthttp.StatusBadGateway,
			"embedding backend unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	g.metrics.SetVaultCount(g.vaults.Count())
	g.log.Info("memory_upload_complete",
		slog.String("vault", wv.Name()),
		slog.Int("stored", stored), slog.Int("skipped", skipped))

	writeJSON(fctx, map[string]any{
		"stored":  stored,
		"skipped": skipped,
		"vault":   wv.Name(),
	})
}

// importRecords embeds and stores normalized records in batches. A chunk
// whose content hash matches a recent one is counted as skipped.
func (g *Gateway) importRecords(ctx context.Context, wv *vault.Vault, records []vault.Record, requestID string) (stored, skipped int, err error) {
	for lo := 0; lo < len(records); lo += embedBatch {
		hi := lo + embedBatch
		if hi > len(records) {
			hi = len(records)
		}
		batch := records[lo:hi]

		texts := make([]string, len(batch))
		for i, r := range batch {
			texts[i] = r.Content
		}
		vecs, eerr := g.embed.EmbedBatch(ctx, texts)
		if eerr != nil {
			return stored, skipped, eerr
		}

		for i, r := range batch {
			before := wv.Stats().VectorCount
			role := r.Role
			if role == "" {
				role = "memory"
			}
			if _, serr := g.vaults.StoreAt(ctx, wv, vecs[i], r.Content, role, "", requestID, r.TimestampMs); serr != nil {
				return stored, skipped, serr
			}
			if wv.Stats().VectorCount == before {
				skipped++
			} else {
				stored++
				g.metrics.RecordChunk("imported")
				g.metrics.AddMemoryTokens("stored", vault.EstimateTokens(r.Content))
			}
		}
	}
	return stored, skipped, nil
}

// parseJSONL decodes up to maxUploadLines records, one JSON object per
// line. Blank lines are skipped; a malformed line fails the whole upload.
func parseJSONL(body []byte) ([]vault.Record, error) {
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), maxUploadLineBytes)

	var records []vault.Record
	lines := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		lines++
		if lines > maxUploadLines {
			return nil, errTooManyLines
		}
		var r vault.Record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, errMalformedLine(lines, err)
		}
		if r.Content != "" {
			records = append(records, r)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
