package proxy

import (
	"context"
	"log/slog"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/memory-router/internal/auth"
	"github.com/nulpointcorp/memory-router/internal/providers"
	"github.com/nulpointcorp/memory-router/internal/vault"
	"github.com/nulpointcorp/memory-router/pkg/apierr"
)

// requireAdmin guards the admin surface. Either the configured
// X-Admin-Secret header or an authenticated mk_admin key opens it. Returns
// the admin's user context when a key was used, nil for the secret path.
func (g *Gateway) requireAdmin(fctx *fasthttp.RequestCtx) (*auth.Context, bool) {
	if g.adminSecret != "" {
		if secret := string(fctx.Request.Header.Peek("X-Admin-Secret")); secret == g.adminSecret {
			return nil, true
		}
	}

	key, _, err := auth.ExtractKey(headerGetter(fctx))
	if err == nil && auth.IsAdmin(key) {
		if uc, aerr := g.auth.Authenticate(requestCtx(fctx), key); aerr == nil {
			return uc, true
		}
	}

	apierr.Write(fctx, fasthttp.StatusForbidden,
		"admin access denied", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
	return nil, false
}

// handleAdminVaults lists every live vault with its stats.
func (g *Gateway) handleAdminVaults(fctx *fasthttp.RequestCtx) {
	if _, ok := g.requireAdmin(fctx); !ok {
		return
	}

	type vaultRow struct {
		Name  string      `json:"name"`
		Stats vault.Stats `json:"stats"`
	}
	vaults := g.vaults.All()
	rows := make([]vaultRow, 0, len(vaults))
	for _, v := range vaults {
		rows = append(rows, vaultRow{Name: v.Name(), Stats: v.Stats()})
	}
	writeJSON(fctx, map[string]any{"vaults": rows, "count": len(rows)})
}

// handleAdminDeleteVault drops one vault by name, including its snapshot.
func (g *Gateway) handleAdminDeleteVault(fctx *fasthttp.RequestCtx) {
	if _, ok := g.requireAdmin(fctx); !ok {
		return
	}
	name, _ := fctx.UserValue("name").(string)
	if name == "" {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"vault name is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if !g.vaults.Delete(requestCtx(fctx), name) {
		apierr.Write(fctx, fasthttp.StatusNotFound,
			"unknown vault", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	g.metrics.SetVaultCount(g.vaults.Count())
	g.log.Info("vault_deleted", slog.String("vault", name))
	writeJSON(fctx, map[string]string{"deleted": name})
}

// handleAdminReembed re-embeds every stored chunk with the current
// embedding model. Runs in the background; responds 202 immediately.
func (g *Gateway) handleAdminReembed(fctx *fasthttp.RequestCtx) {
	if _, ok := g.requireAdmin(fctx); !ok {
		return
	}

	vaults := g.vaults.All()
	g.spawn(func(ctx context.Context) {
		for _, v := range vaults {
			if err := g.reembedVault(ctx, v); err != nil {
				g.log.Error("reembed_failed",
					slog.String("vault", v.Name()), slog.String("error", err.Error()))
				return
			}
		}
		g.log.Info("reembed_complete", slog.Int("vaults", len(vaults)))
	})

	fctx.SetStatusCode(fasthttp.StatusAccepted)
	writeJSON(fctx, map[string]any{"status": "reembedding", "vaults": len(vaults)})
}

func (g *Gateway) reembedVault(ctx context.Context, v *vault.Vault) error {
	chunks := v.ExportRaw()
	if len(chunks) == 0 {
		return nil
	}

	for lo := 0; lo < len(chunks); lo += embedBatch {
		hi := lo + embedBatch
		if hi > len(chunks) {
			hi = len(chunks)
		}
		texts := make([]string, hi-lo)
		for i, c := range chunks[lo:hi] {
			texts[i] = c.Content
		}
		vecs, err := g.embed.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		for i := range chunks[lo:hi] {
			chunks[lo+i].Embedding = vecs[i]
		}
	}

	v.Reset()
	for _, c := range chunks {
		if err := v.Restore(c); err != nil {
			return err
		}
	}
	return nil
}

// handleAdminProviderKeys serves the provider-key CRUD. GET lists previews,
// PUT upserts, DELETE removes. The target user is ?user_id=, defaulting to
// the admin's own account when authenticated by key.
func (g *Gateway) handleAdminListProviderKeys(fctx *fasthttp.RequestCtx) {
	uc, ok := g.requireAdmin(fctx)
	if !ok {
		return
	}
	userID, ok := adminUserID(fctx, uc)
	if !ok {
		return
	}
	previews, err := g.auth.ListProviderKeys(requestCtx(fctx), userID)
	if err != nil {
		g.log.Error("provider_key_list_failed", slog.String("error", err.Error()))
		apierr.Write(fctx, fasthttp.StatusInternalServerError,
			"provider key store unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(fctx, map[string]any{"keys": previews})
}

func (g *Gateway) handleAdminUpsertProviderKey(fctx *fasthttp.RequestCtx) {
	uc, ok := g.requireAdmin(fctx)
	if !ok {
		return
	}
	userID, ok := adminUserID(fctx, uc)
	if !ok {
		return
	}

	var req struct {
		Provider string `json:"provider"`
		APIKey   string `json:"api_key"`
		Endpoint string `json:"endpoint"`
	}
	if err := unmarshalBody(fctx, &req); err != nil {
		return
	}
	tag, known := providers.ParseTag(req.Provider)
	if !known || strings.TrimSpace(req.APIKey) == "" {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"provider and api_key are required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if err := g.auth.UpsertProviderKey(requestCtx(fctx), userID, tag, req.APIKey, req.Endpoint); err != nil {
		g.log.Error("provider_key_upsert_failed", slog.String("error", err.Error()))
		apierr.Write(fctx, fasthttp.StatusInternalServerError,
			"provider key store unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	if uc != nil {
		g.auth.Invalidate(uc.MemoryKey)
	}
	writeJSON(fctx, map[string]string{
		"provider": string(tag),
		"preview":  auth.Preview(req.APIKey),
	})
}

func (g *Gateway) handleAdminDeleteProviderKey(fctx *fasthttp.RequestCtx) {
	uc, ok := g.requireAdmin(fctx)
	if !ok {
		return
	}
	userID, ok := adminUserID(fctx, uc)
	if !ok {
		return
	}
	tag, known := providers.ParseTag(stringUserValue(fctx, "provider"))
	if !known {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"unknown provider", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := g.auth.DeleteProviderKey(requestCtx(fctx), userID, tag); err != nil {
		g.log.Error("provider_key_delete_failed", slog.String("error", err.Error()))
		apierr.Write(fctx, fasthttp.StatusInternalServerError,
			"provider key store unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	if uc != nil {
		g.auth.Invalidate(uc.MemoryKey)
	}
	writeJSON(fctx, map[string]string{"deleted": string(tag)})
}

// handleAdminDebugStorage exposes vault internals for operators.
func (g *Gateway) handleAdminDebugStorage(fctx *fasthttp.RequestCtx) {
	if _, ok := g.requireAdmin(fctx); !ok {
		return
	}

	var chunks, tokens int
	for _, v := range g.vaults.All() {
		st := v.Stats()
		chunks += st.VectorCount
		tokens += st.TotalTokens
	}
	writeJSON(fctx, map[string]any{
		"vaults":       g.vaults.Count(),
		"chunks":       chunks,
		"total_tokens": tokens,
		"dims":         g.embed.Dims(),
		"version":      g.version,
	})
}

func adminUserID(fctx *fasthttp.RequestCtx, uc *auth.Context) (string, bool) {
	if id := string(fctx.QueryArgs().Peek("user_id")); id != "" {
		return id, true
	}
	if uc != nil {
		return uc.UserID, true
	}
	apierr.Write(fctx, fasthttp.StatusBadRequest,
		"user_id query parameter is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	return "", false
}

func stringUserValue(fctx *fasthttp.RequestCtx, key string) string {
	v, _ := fctx.UserValue(key).(string)
	return v
}
