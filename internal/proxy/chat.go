package proxy

import (
	"bufio"
	"context"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/memory-router/internal/auth"
	"github.com/nulpointcorp/memory-router/internal/billing"
	"github.com/nulpointcorp/memory-router/internal/dispatch"
	"github.com/nulpointcorp/memory-router/internal/providers"
	"github.com/nulpointcorp/memory-router/internal/transform"
	"github.com/nulpointcorp/memory-router/internal/usage"
	"github.com/nulpointcorp/memory-router/pkg/apierr"
)

// memoryChunkTokens is the per-chunk token estimate used when sizing the
// balance checkpoint before retrieval has run.
const memoryChunkTokens = 300

// handleChatCompletions is the main OpenAI-shaped surface. The steps run in
// a fixed order: authenticate, harvest options, balance checkpoint,
// retrieve and inject memory, dispatch, relay, then background storage and
// usage accounting.
func (g *Gateway) handleChatCompletions(fctx *fasthttp.RequestCtx) {
	start := time.Now()

	uc, ok := g.authenticate(fctx)
	if !ok {
		return
	}
	if !g.checkRateLimit(fctx, uc.MemoryKey) {
		return
	}

	clean, o, err := transform.Extract(fctx.PostBody(), headerGetter(fctx))
	if err != nil {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"malformed request body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	model := gjson.GetBytes(clean, "model").String()
	if model == "" {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"model is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	shape := transform.DetectShape(clean)
	tag, upstreamModel := providers.Resolve(model)

	if g.exclusions.Matches(model) {
		o.Mode = transform.ModeOff
	}

	est := billing.EstimateTokens(len(clean))
	if o.Mode.Retrieves() {
		est += int64(o.ContextLimit) * memoryChunkTokens
	}
	if !g.checkBalance(fctx, uc, est) {
		return
	}

	ctx := requestCtx(fctx)
	body, mem := g.applyMemory(ctx, uc.MemoryKey, o, clean, shape, model, true, start)
	mrMs := time.Since(start)
	g.metrics.ObserveMRProcessing("chat_completions", mrMs)

	if !g.cb.Allow(string(tag)) {
		apierr.Write(fctx, fasthttp.StatusServiceUnavailable,
			"provider temporarily unavailable", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	setMemoryHeaders(fctx, uc.MemoryKey, o, mem, mrMs)

	lastUser, _ := transform.LastUserMessage(transform.ExtractMessages(clean, shape))
	finish := func(st dispatch.Stats, provMs time.Duration, status int) {
		g.metrics.RecordRequest(string(tag), status)
		g.metrics.ObserveProvider(string(tag), "chat_completions", provMs)
		g.finishRequest(uc, o, model, tag, st, mem, mrMs, provMs)
		if status == fasthttp.StatusOK {
			g.storeExchange(o, uc.MemoryKey, model, reqID(fctx), lastUser, st.Content)
		}
	}

	switch tag {
	case providers.Anthropic, providers.Google:
		g.translateChat(fctx, uc, tag, model, upstreamModel, body, shape, o, finish)
	default:
		g.forwardChat(fctx, uc, tag, model, upstreamModel, body, o, finish)
	}
}

// forwardChat sends the (injected) body to an OpenAI-compatible provider
// verbatim, streaming or not.
func (g *Gateway) forwardChat(fctx *fasthttp.RequestCtx, uc *auth.Context, tag providers.Tag, model, upstreamModel string, body []byte, o transform.Options, finish finishFunc) {
	key, ov, ok := g.upstreamKey(fctx, uc, tag)
	if !ok {
		return
	}

	if upstreamModel != model {
		if out, err := sjson.SetBytes(body, "model", upstreamModel); err == nil {
			body = out
		}
	}

	target, err := providers.ChatEndpoint(tag, upstreamModel, key, ov)
	if err != nil {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	dispatchStart := time.Now()
	up, err := g.dispatch.Do(requestCtx(fctx), target, body, o.Stream)
	if err != nil {
		g.cb.RecordFailure(string(tag))
		g.handleProviderError(fctx, tag, err)
		return
	}
	if up.Status >= fasthttp.StatusInternalServerError {
		g.cb.RecordFailure(string(tag))
	} else {
		g.cb.RecordSuccess(string(tag))
	}
	g.relayUpstream(fctx, up, dispatchStart, finish)
}

// translateChat serves Anthropic and Google models on the OpenAI-shaped
// surface through the translation clients, rendering OpenAI-shaped output.
func (g *Gateway) translateChat(fctx *fasthttp.RequestCtx, uc *auth.Context, tag providers.Tag, model, upstreamModel string, body []byte, shape transform.Shape, o transform.Options, finish finishFunc) {
	tr := g.anthropic
	if tag == providers.Google {
		tr = g.google
	}
	if tr == nil {
		apierr.Write(fctx, fasthttp.StatusBadGateway,
			"translation for "+string(tag)+" is not configured", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	key, _, ok := g.upstreamKey(fctx, uc, tag)
	if !ok {
		return
	}

	req := &providers.ChatRequest{
		Model:       upstreamModel,
		Messages:    chatMessages(body, shape),
		Stream:      o.Stream,
		Temperature: gjson.GetBytes(body, "temperature").Float(),
		MaxTokens:   int(gjson.GetBytes(body, "max_tokens").Int()),
		APIKey:      key,
		RequestID:   reqID(fctx),
	}

	dispatchStart := time.Now()
	resp, err := tr.Chat(requestCtx(fctx), req)
	if err != nil {
		g.cb.RecordFailure(string(tag))
		g.handleProviderError(fctx, tag, err)
		return
	}
	g.cb.RecordSuccess(string(tag))

	if resp.Stream != nil {
		id := resp.ID
		if id == "" {
			id = "chatcmpl-" + reqID(fctx)
		}
		stream := resp.Stream
		fctx.SetStatusCode(fasthttp.StatusOK)
		fctx.SetContentType("text/event-stream")
		fctx.Response.Header.Set("Cache-Control", "no-cache")
		fctx.SetBodyStreamWriter(func(w *bufio.Writer) {
			st := dispatch.RenderStream(w, id, model, stream)
			finish(st, time.Since(dispatchStart), fasthttp.StatusOK)
		})
		return
	}

	out, err := dispatch.ChatCompletionJSON(resp)
	if err != nil {
		apierr.Write(fctx, fasthttp.StatusBadGateway,
			"failed to render provider response", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	provMs := time.Since(dispatchStart)
	fctx.Response.Header.Set("X-Provider-Response-Ms", strconv.FormatInt(provMs.Milliseconds(), 10))
	fctx.SetStatusCode(fasthttp.StatusOK)
	fctx.SetContentType("application/json")
	fctx.SetBody(out)
	finish(dispatch.Stats{Content: resp.Content, Usage: resp.Usage}, provMs, fasthttp.StatusOK)
}

// finishFunc closes out one dispatched request: metrics, the usage event,
// billing, and (on success) background storage.
type finishFunc func(st dispatch.Stats, provMs time.Duration, status int)

// relayUpstream writes a raw upstream result to the client. Streams are
// teed byte-for-byte; everything else is relayed with status and body
// intact, including provider error payloads.
func (g *Gateway) relayUpstream(fctx *fasthttp.RequestCtx, up *dispatch.Upstream, dispatchStart time.Time, finish finishFunc) {
	if up.Streaming() {
		stream := up.Stream
		fctx.SetStatusCode(fasthttp.StatusOK)
		fctx.SetContentType("text/event-stream")
		fctx.Response.Header.Set("Cache-Control", "no-cache")
		fctx.SetBodyStreamWriter(func(w *bufio.Writer) {
			st := dispatch.Tee(w, stream)
			stream.Close()
			finish(st, time.Since(dispatchStart), fasthttp.StatusOK)
		})
		return
	}

	provMs := time.Since(dispatchStart)
	fctx.Response.Header.Set("X-Provider-Response-Ms", strconv.FormatInt(provMs.Milliseconds(), 10))
	fctx.SetStatusCode(up.Status)
	ct := up.ContentType
	if ct == "" {
		ct = "application/json"
	}
	fctx.SetContentType(ct)
	fctx.SetBody(up.Body)

	var st dispatch.Stats
	if up.Status < fasthttp.StatusMultipleChoices {
		st = dispatch.ExtractCompletion(up.Body)
	}
	finish(st, provMs, up.Status)
}

// upstreamKey resolves the provider credential for this request. In
// pass-through mode the caller's own header is forwarded; otherwise the
// stored or default key applies. Writes the 401 and returns false when no
// credential can be found.
func (g *Gateway) upstreamKey(fctx *fasthttp.RequestCtx, uc *auth.Context, tag providers.Tag) (string, providers.Overrides, bool) {
	if uc.PassThrough {
		if key := clientProviderKey(fctx); key != "" {
			return key, providers.Overrides{OllamaBase: g.defaults.OllamaBase}, true
		}
		apierr.Write(fctx, fasthttp.StatusUnauthorized,
			"pass-through request carries no provider credential",
			apierr.TypeAuthenticationErr, apierr.CodeMissingAPIKey)
		return "", providers.Overrides{}, false
	}

	key, ov, ok := g.resolveProviderKey(fctx, uc, tag)
	if !ok {
		apierr.Write(fctx, fasthttp.StatusUnauthorized,
			"no API key configured for provider "+string(tag),
			apierr.TypeAuthenticationErr, apierr.CodeMissingAPIKey)
		return "", providers.Overrides{}, false
	}
	return key, ov, true
}

// chatMessages flattens the body into normalized turns for the translation
// clients. Anthropic and Google bodies carry the system instruction outside
// the messages array, so it is prepended as a system turn.
func chatMessages(body []byte, shape transform.Shape) []providers.ChatMessage {
	var out []providers.ChatMessage
	if shape != transform.ShapeOpenAI {
		if sys := transform.SystemText(body, shape); sys != "" {
			out = append(out, providers.ChatMessage{Role: "system", Content: sys})
		}
	}
	for _, m := range transform.ExtractMessages(body, shape) {
		out = append(out, providers.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// setMemoryHeaders reports what the memory pipeline did. For streams these
// reflect the state at dispatch time.
func setMemoryHeaders(fctx *fasthttp.RequestCtx, memoryKey string, o transform.Options, mem memoryInfo, mrMs time.Duration) {
	h := &fctx.Response.Header
	h.Set("X-MR-Processing-Ms", strconv.FormatInt(mrMs.Milliseconds(), 10))
	h.Set("X-Memory-Mode", string(mem.mode))
	h.Set("X-Memory-Key", auth.Preview(memoryKey))
	if o.SessionID != "" {
		h.Set("X-Session-ID", o.SessionID)
	}
	h.Set("X-Memory-Tokens-Retrieved", strconv.Itoa(mem.tokensRetrieved))
	h.Set("X-Memory-Chunks-Retrieved", strconv.Itoa(mem.chunksRetrieved))
	h.Set("X-Memory-Tokens-Injected", strconv.Itoa(mem.tokensInjected))
	if mem.trunc.Truncated {
		h.Set("X-MemoryRouter-Truncated", "true")
		if d := mem.trunc.Details.String(); d != "" {
			h.Set("X-MemoryRouter-Truncated-Details", d)
		}
	}
}

// finishRequest records the usage event and settles billing for one
// completed request. Output tokens fall back to a chars/4 estimate when the
// provider reported no usage.
func (g *Gateway) finishRequest(uc *auth.Context, o transform.Options, model string, tag providers.Tag, st dispatch.Stats, mem memoryInfo, mrMs, provMs time.Duration) {
	in, out := st.Usage.InputTokens, st.Usage.OutputTokens
	if out == 0 && st.Content != "" {
		out = len(st.Content) / 4
	}
	g.metrics.AddTokens(string(tag), in, out)

	if g.usage != nil {
		g.usage.Record(usage.Event{
			MemoryKey:             uc.MemoryKey,
			SessionID:             o.SessionID,
			Model:                 model,
			Provider:              string(tag),
			InputTokens:           uint32(in),
			OutputTokens:          uint32(out),
			MemoryTokensRetrieved: uint32(mem.tokensRetrieved),
			MemoryTokensInjected:  uint32(mem.tokensInjected),
			MRProcessingMs:        clampU16(mrMs.Milliseconds()),
			ProviderResponseMs:    uint32(provMs.Milliseconds()),
		})
	}

	if g.billing != nil {
		total := int64(in+out) + int64(mem.tokensInjected)
		userID := uc.UserID
		g.spawn(func(ctx context.Context) {
			g.billing.RecordUsageAndDeduct(ctx, userID, total)
		})
	}
}

func clampU16(ms int64) uint16 {
	if ms < 0 {
		return 0
	}
	if ms > 65535 {
		return 65535
	}
	return uint16(ms)
}
