package proxy

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/memory-router/internal/billing"
	"github.com/nulpointcorp/memory-router/internal/dispatch"
	"github.com/nulpointcorp/memory-router/internal/providers"
	"github.com/nulpointcorp/memory-router/internal/transform"
	"github.com/nulpointcorp/memory-router/pkg/apierr"
)

// handleMessages is the Anthropic-native surface. The body is forwarded
// byte-for-byte except for the memory injection into the top-level system
// carrier; conversation messages are never dropped here.
func (g *Gateway) handleMessages(fctx *fasthttp.RequestCtx) {
	g.handleNative(fctx, nativeSpec{
		route: "messages",
		tag:   providers.Anthropic,
		shape: transform.ShapeAnthropic,
		model: func(fctx *fasthttp.RequestCtx, body []byte) string {
			return gjson.GetBytes(body, "model").String()
		},
		target: func(fctx *fasthttp.RequestCtx, model, key string, stream bool) providers.Request {
			return providers.MessagesEndpoint(key)
		},
	})
}

// handleGenerateContent is the Google-native surface. The route captures
// one path segment of the form "<model>:<action>"; streams use
// :streamGenerateContent or ?alt=sse.
func (g *Gateway) handleGenerateContent(fctx *fasthttp.RequestCtx) {
	param, _ := fctx.UserValue("model").(string)
	model, action, ok := strings.Cut(param, ":")
	if !ok || model == "" {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			"expected /v1/models/{model}:{action}", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	stream := strings.HasPrefix(action, "streamGenerateContent") ||
		string(fctx.QueryArgs().Peek("alt")) == "sse"

	g.handleNative(fctx, nativeSpec{
		route:  "generate_content",
		tag:    providers.Google,
		shape:  transform.ShapeGoogle,
		stream: &stream,
		model: func(*fasthttp.RequestCtx, []byte) string {
			return model
		},
		target: func(fctx *fasthttp.RequestCtx, model, key string, stream bool) providers.Request {
			return providers.GenerateContentEndpoint(model, key, stream)
		},
	})
}

// nativeSpec parameterizes the shared native-surface flow.
type nativeSpec struct {
	route  string
	tag    providers.Tag
	shape  transform.Shape
	stream *bool // overrides the harvested stream flag when set
	model  func(fctx *fasthttp.RequestCtx, body []byte) string
	target func(fctx *fasthttp.RequestCtx, model, key string, stream bool) providers.Request
}

func (g *Gateway) handleNative(fctx *fasthttp.RequestCtx, spec nativeSpec) {
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
	if spec.stream != nil {
		o.Stream = *spec.stream
	}

	model := spec.model(fctx, clean)
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
	body, mem := g.applyMemory(ctx, uc.MemoryKey, o, clean, spec.shape, model, false, start)
	mrMs := time.Since(start)
	g.metrics.ObserveMRProcessing(spec.route, mrMs)

	if !g.cb.Allow(string(spec.tag)) {
		apierr.Write(fctx, fasthttp.StatusServiceUnavailable,
			"provider temporarily unavailable", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	key, _, ok := g.upstreamKey(fctx, uc, spec.tag)
	if !ok {
		return
	}
	target := spec.target(fctx, model, key, o.Stream)

	setMemoryHeaders(fctx, uc.MemoryKey, o, mem, mrMs)

	lastUser, _ := transform.LastUserMessage(transform.ExtractMessages(clean, spec.shape))
	finish := func(st dispatch.Stats, provMs time.Duration, status int) {
		g.metrics.RecordRequest(string(spec.tag), status)
		g.metrics.ObserveProvider(string(spec.tag), spec.route, provMs)
		g.finishRequest(uc, o, model, spec.tag, st, mem, mrMs, provMs)
		if status == fasthttp.StatusOK {
			g.storeExchange(o, uc.MemoryKey, model, reqID(fctx), lastUser, st.Content)
		}
	}

	dispatchStart := time.Now()
	up, err := g.dispatch.Do(ctx, target, body, o.Stream)
	if err != nil {
		g.cb.RecordFailure(string(spec.tag))
		g.handleProviderError(fctx, spec.tag, err)
		return
	}
	if up.Status >= fasthttp.StatusInternalServerError {
		g.cb.RecordFailure(string(spec.tag))
	} else {
		g.cb.RecordSuccess(string(spec.tag))
	}
	g.relayUpstream(fctx, up, dispatchStart, finish)
}

// handleCompletions, handleEmbeddings, handleAudio and handleImages are
// memoryless pass-throughs: authenticate, resolve the provider from the
// model, forward, relay. No retrieval, no storage.
func (g *Gateway) handleCompletions(fctx *fasthttp.RequestCtx) {
	g.handlePassthrough(fctx, "completions")
}

func (g *Gateway) handleEmbeddings(fctx *fasthttp.RequestCtx) {
	g.handlePassthrough(fctx, "embeddings")
}

func (g *Gateway) handleAudio(fctx *fasthttp.RequestCtx) {
	g.handlePassthrough(fctx, "audio")
}

func (g *Gateway) handleImages(fctx *fasthttp.RequestCtx) {
	g.handlePassthrough(fctx, "images")
}

func (g *Gateway) handlePassthrough(fctx *fasthttp.RequestCtx, route string) {
	uc, ok := g.authenticate(fctx)
	if !ok {
		return
	}
	if !g.checkRateLimit(fctx, uc.MemoryKey) {
		return
	}

	body := fctx.PostBody()
	model := gjson.GetBytes(body, "model").String()
	tag, upstreamModel := providers.Resolve(model)
	if model == "" {
		tag = providers.OpenAI
	}

	if !g.checkBalance(fctx, uc, billing.EstimateTokens(len(body))) {
		return
	}

	key, ov, ok := g.upstreamKey(fctx, uc, tag)
	if !ok {
		return
	}

	path := strings.TrimPrefix(string(fctx.Path()), "/v1")
	target, err := providers.PassthroughEndpoint(tag, path, key, ov)
	if err != nil {
		apierr.Write(fctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	// Multipart uploads (audio) must keep their original content type.
	if ct := string(fctx.Request.Header.ContentType()); ct != "" && !strings.Contains(ct, "application/json") {
		target.Headers = append(target.Headers, [2]string{"Content-Type", ct})
	}

	if model != "" && upstreamModel != model {
		if out, serr := sjson.SetBytes(body, "model", upstreamModel); serr == nil {
			body = out
		}
	}

	stream := gjson.GetBytes(body, "stream").Bool()
	dispatchStart := time.Now()
	up, err := g.dispatch.Do(requestCtx(fctx), target, body, stream)
	if err != nil {
		g.handleProviderError(fctx, tag, err)
		return
	}

	finish := func(st dispatch.Stats, provMs time.Duration, status int) {
		g.metrics.RecordRequest(string(tag), status)
		g.metrics.ObserveProvider(string(tag), route, provMs)
		g.finishRequest(uc, transform.Options{}, model, tag, st, memoryInfo{mode: transform.ModeOff}, 0, provMs)
	}
	g.relayUpstream(fctx, up, dispatchStart, finish)
}
