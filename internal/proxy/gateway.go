// Package proxy is the HTTP front of MemoryRouter: it authenticates memory
// keys, harvests memory options, runs retrieval and injection, dispatches to
// the resolved provider, and relays the response.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/memory-router/internal/auth"
	"github.com/nulpointcorp/memory-router/internal/billing"
	"github.com/nulpointcorp/memory-router/internal/config"
	"github.com/nulpointcorp/memory-router/internal/dispatch"
	"github.com/nulpointcorp/memory-router/internal/exclusions"
	"github.com/nulpointcorp/memory-router/internal/kronos"
	"github.com/nulpointcorp/memory-router/internal/metrics"
	"github.com/nulpointcorp/memory-router/internal/providers"
	"github.com/nulpointcorp/memory-router/internal/ratelimit"
	"github.com/nulpointcorp/memory-router/internal/usage"
	"github.com/nulpointcorp/memory-router/internal/vault"
	"github.com/nulpointcorp/memory-router/pkg/apierr"
)

const (
	// storeTimeout bounds one background storage task (embedding plus
	// vault writes for an exchange).
	storeTimeout = 30 * time.Second

	// maxBackground caps concurrent background tasks so a burst of
	// responses cannot spawn unbounded goroutines.
	maxBackground = 128
)

// Authenticator resolves memory keys to user contexts. *auth.Service
// implements it; tests substitute a stub.
type Authenticator interface {
	Authenticate(ctx context.Context, key string) (*auth.Context, error)
	Invalidate(key string)
	UpsertProviderKey(ctx context.Context, userID string, tag providers.Tag, apiKey, endpoint string) error
	DeleteProviderKey(ctx context.Context, userID string, tag providers.Tag) error
	ListProviderKeys(ctx context.Context, userID string) ([]auth.ProviderKeyPreview, error)
}

// Embedder is the slice of the embedding client the gateway needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dims() int
}

// Dispatcher posts raw bodies to built provider targets.
type Dispatcher interface {
	Do(ctx context.Context, target providers.Request, body []byte, stream bool) (*dispatch.Upstream, error)
}

// Translator converts normalized chat requests for providers whose native
// API is not OpenAI-shaped (Anthropic, Google).
type Translator interface {
	Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)
}

// UsageSink receives one event per completed request. *usage.Recorder
// implements it.
type UsageSink interface {
	Record(e usage.Event)
}

// Options wires the gateway's collaborators. Auth, Vaults, Kronos, Embed and
// Dispatch are required; everything else degrades gracefully when nil.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry

	Auth       Authenticator
	Billing    *billing.Service // nil disables the balance checkpoint
	Usage      UsageSink
	RPM        *ratelimit.RPMLimiter
	Exclusions *exclusions.List

	Embed  Embedder
	Vaults *vault.Registry
	Kronos *kronos.Engine

	Dispatch  Dispatcher
	Anthropic Translator
	Google    Translator

	Defaults    config.ProviderDefaults
	AdminSecret string
	TopUpURL    string
	CORSOrigins []string
	Version     string

	Health *HealthChecker
}

// Gateway handles every route: the OpenAI-shaped chat surface, the native
// Anthropic and Google surfaces, memoryless pass-throughs, bulk upload, and
// the admin API.
type Gateway struct {
	log     *slog.Logger
	metrics *metrics.Registry

	auth       Authenticator
	billing    *billing.Service
	usage      UsageSink
	rpm        *ratelimit.RPMLimiter
	exclusions *exclusions.List

	embed  Embedder
	vaults *vault.Registry
	kronos *kronos.Engine

	dispatch  Dispatcher
	anthropic Translator
	google    Translator
	cb        *CircuitBreaker

	defaults    config.ProviderDefaults
	adminSecret string
	topUpURL    string
	corsOrigins []string
	version     string

	health *HealthChecker

	baseCtx context.Context
	bgSem   chan struct{}
	bgWG    sync.WaitGroup
}

// New validates opts and assembles the gateway. ctx bounds every background
// task the gateway spawns.
func New(ctx context.Context, opts Options) (*Gateway, error) {
	if ctx == nil {
		return nil, errors.New("proxy: context must not be nil")
	}
	if opts.Auth == nil {
		return nil, errors.New("proxy: authenticator is required")
	}
	if opts.Vaults == nil || opts.Kronos == nil {
		return nil, errors.New("proxy: vault registry and retrieval engine are required")
	}
	if opts.Embed == nil {
		return nil, errors.New("proxy: embedder is required")
	}
	if opts.Dispatch == nil {
		return nil, errors.New("proxy: dispatcher is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.New()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	return &Gateway{
		log:         log.With(slog.String("component", "gateway")),
		metrics:     met,
		auth:        opts.Auth,
		billing:     opts.Billing,
		usage:       opts.Usage,
		rpm:         opts.RPM,
		exclusions:  opts.Exclusions,
		embed:       opts.Embed,
		vaults:      opts.Vaults,
		kronos:      opts.Kronos,
		dispatch:    opts.Dispatch,
		anthropic:   opts.Anthropic,
		google:      opts.Google,
		cb:          NewCircuitBreaker(),
		defaults:    opts.Defaults,
		adminSecret: opts.AdminSecret,
		topUpURL:    opts.TopUpURL,
		corsOrigins: opts.CORSOrigins,
		version:     version,
		health:      opts.Health,
		baseCtx:     ctx,
		bgSem:       make(chan struct{}, maxBackground),
	}, nil
}

// Close waits for in-flight background tasks (storage, billing deductions).
func (g *Gateway) Close() {
	g.bgWG.Wait()
}

// spawn runs fn on a bounded background goroutine with its own deadline.
// When the pool is saturated the task is dropped rather than blocking the
// response path.
func (g *Gateway) spawn(fn func(ctx context.Context)) {
	select {
	case g.bgSem <- struct{}{}:
	default:
		g.log.Warn("background_task_dropped")
		return
	}
	g.bgWG.Add(1)
	go func() {
		defer func() {
			<-g.bgSem
			g.bgWG.Done()
			if r := recover(); r != nil {
				g.log.Error("background_task_panic", slog.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(g.baseCtx, storeTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// headerGetter adapts fasthttp header lookup to the shared HeaderGetter
// shape used by auth and transform.
func headerGetter(fctx *fasthttp.RequestCtx) func(string) string {
	return func(key string) string {
		return string(fctx.Request.Header.Peek(key))
	}
}

// authenticate extracts and verifies the memory key. On failure it writes
// the 401 and returns false.
func (g *Gateway) authenticate(fctx *fasthttp.RequestCtx) (*auth.Context, bool) {
	key, passThrough, err := auth.ExtractKey(headerGetter(fctx))
	if err != nil {
		g.writeAuthError(fctx, err)
		return nil, false
	}
	uc, err := g.auth.Authenticate(requestCtx(fctx), key)
	if err != nil {
		g.writeAuthError(fctx, err)
		return nil, false
	}
	uc.PassThrough = passThrough
	return uc, true
}

func (g *Gateway) writeAuthError(fctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, auth.ErrKeyMissing):
		apierr.Write(fctx, fasthttp.StatusUnauthorized,
			"missing memory key", apierr.TypeAuthenticationErr, apierr.CodeMissingAPIKey)
	case errors.Is(err, auth.ErrKeyNotFound):
		apierr.Write(fctx, fasthttp.StatusUnauthorized,
			"invalid memory key", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
	case errors.Is(err, auth.ErrKeyInactive):
		apierr.Write(fctx, fasthttp.StatusUnauthorized,
			"memory key is inactive", apierr.TypeAuthenticationErr, apierr.CodeInactiveAPIKey)
	default:
		g.log.Error("authentication_failed", slog.String("error", err.Error()))
		apierr.Write(fctx, fasthttp.StatusInternalServerError,
			"authentication unavailable", apierr.TypeServerError, apierr.CodeInternalError)
	}
}

// checkRateLimit enforces the per-key RPM limit. Writes the 429 and returns
// false when the key is over its budget.
func (g *Gateway) checkRateLimit(fctx *fasthttp.RequestCtx, memoryKey string) bool {
	if g.rpm == nil || !g.rpm.Enabled() {
		return true
	}
	ok, err := g.rpm.Allow(requestCtx(fctx), memoryKey)
	if err != nil {
		g.log.Warn("rate_limit_check_failed", slog.String("error", err.Error()))
		return true
	}
	if !ok {
		g.metrics.RecordRateLimit("limited")
		apierr.WriteRateLimit(fctx)
		return false
	}
	g.metrics.RecordRateLimit("allowed")
	return true
}

// checkBalance runs the billing checkpoint. Writes the 402 and returns
// false when the request must be refused.
func (g *Gateway) checkBalance(fctx *fasthttp.RequestCtx, uc *auth.Context, estimatedTokens int64) bool {
	if g.billing == nil {
		return true
	}
	err := g.billing.EnsureBalance(requestCtx(fctx), uc.MemoryKey, uc.UserID, estimatedTokens)
	if err == nil {
		return true
	}
	var pe *billing.PaymentError
	if !errors.As(err, &pe) {
		// Anything that is not a payment refusal fails open inside the
		// billing service, so this branch is unexpected.
		g.log.Error("balance_check_failed", slog.String("error", err.Error()))
		return true
	}
	g.metrics.RecordBlockedRejection(pe.Kind())
	apierr.WritePaymentRequired(fctx, pe.Error(), pe.Kind(), apierr.PaymentDetails{
		BalanceCents:        pe.BalanceCents,
		FreeTokensRemaining: pe.FreeTokensRemaining,
		TopUpURL:            g.topUpURL,
	})
	return false
}

// checkPaymentMethod enforces the payment-method requirement on bulk
// import. Writes the 402 and returns false when no method is on file.
func (g *Gateway) checkPaymentMethod(fctx *fasthttp.RequestCtx, uc *auth.Context) bool {
	if g.billing == nil {
		return true
	}
	err := g.billing.RequirePaymentMethod(requestCtx(fctx), uc.UserID)
	if err == nil {
		return true
	}
	var pe *billing.PaymentError
	if !errors.As(err, &pe) {
		g.log.Error("payment_method_check_failed", slog.String("error", err.Error()))
		return true
	}
	g.metrics.RecordBlockedRejection(pe.Kind())
	apierr.WritePaymentRequired(fctx, pe.Error(), pe.Kind(), apierr.PaymentDetails{
		BalanceCents:        pe.BalanceCents,
		FreeTokensRemaining: pe.FreeTokensRemaining,
		TopUpURL:            g.topUpURL,
	})
	return false
}

// resolveProviderKey picks the upstream credential: the X-Provider-Key
// header wins, then the key stored for this user, then the router default.
// Ollama needs no credential so an empty key is fine there.
func (g *Gateway) resolveProviderKey(fctx *fasthttp.RequestCtx, uc *auth.Context, tag providers.Tag) (string, providers.Overrides, bool) {
	ov := providers.Overrides{
		AzureEndpoint: azureEndpointOf(g.defaults.Azure),
		OllamaBase:    g.defaults.OllamaBase,
	}

	if v := strings.TrimSpace(string(fctx.Request.Header.Peek("X-Provider-Key"))); v != "" {
		return v, ov, true
	}

	if uc != nil {
		if pk, ok := uc.Key(tag); ok {
			if pk.Endpoint != "" {
				switch tag {
				case providers.Azure:
					ov.AzureEndpoint = pk.Endpoint
				case providers.Ollama:
					ov.OllamaBase = pk.Endpoint
				}
			}
			return pk.APIKey, ov, true
		}
	}

	if key := g.defaultKey(tag); key != "" {
		return key, ov, true
	}
	if tag == providers.Ollama {
		return "", ov, true
	}
	return "", ov, false
}

func (g *Gateway) defaultKey(tag providers.Tag) string {
	switch tag {
	case providers.OpenAI:
		return g.defaults.OpenAI
	case providers.Anthropic:
		return g.defaults.Anthropic
	case providers.OpenRouter:
		return g.defaults.OpenRouter
	case providers.Google:
		return g.defaults.Google
	case providers.XAI:
		return g.defaults.XAI
	case providers.Cerebras:
		return g.defaults.Cerebras
	case providers.DeepSeek:
		return g.defaults.DeepSeek
	case providers.Mistral:
		return g.defaults.Mistral
	case providers.Azure:
		return g.defaults.Azure
	default:
		return ""
	}
}

// azureEndpointOf splits a stored "endpoint|key" default into its endpoint
// half.
func azureEndpointOf(stored string) string {
	if i := strings.IndexByte(stored, '|'); i >= 0 {
		return stored[:i]
	}
	return ""
}

// clientProviderKey pulls the caller's own upstream credential in
// pass-through mode: whichever provider auth header they sent alongside
// X-Memory-Key.
func clientProviderKey(fctx *fasthttp.RequestCtx) string {
	if raw := strings.TrimSpace(string(fctx.Request.Header.Peek("Authorization"))); raw != "" {
		parts := strings.SplitN(raw, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if tok := strings.TrimSpace(parts[1]); !strings.HasPrefix(tok, auth.KeyPrefix) {
				return tok
			}
		}
	}
	if v := strings.TrimSpace(string(fctx.Request.Header.Peek("x-api-key"))); v != "" && !strings.HasPrefix(v, auth.KeyPrefix) {
		return v
	}
	if v := strings.TrimSpace(string(fctx.Request.Header.Peek("x-goog-api-key"))); v != "" {
		return v
	}
	return ""
}

// handleProviderError maps an upstream dispatch failure to a response.
func (g *Gateway) handleProviderError(fctx *fasthttp.RequestCtx, tag providers.Tag, err error) {
	var sc providers.StatusCoder
	switch {
	case errors.As(err, &sc):
		apierr.WriteProviderError(fctx, sc.HTTPStatus(), err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(fctx)
	default:
		g.log.Error("provider_dispatch_failed",
			slog.String("provider", string(tag)), slog.String("error", err.Error()))
		apierr.WriteConnectError(fctx, "upstream provider unreachable")
	}
}

// requestCtx returns the per-request context. fasthttp.RequestCtx satisfies
// context.Context and is cancelled when the client goes away.
func requestCtx(fctx *fasthttp.RequestCtx) context.Context {
	return fctx
}

func reqID(fctx *fasthttp.RequestCtx) string {
	id, _ := fctx.UserValue("request_id").(string)
	return id
}
