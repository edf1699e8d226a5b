package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/memory-router/internal/auth"
	"github.com/nulpointcorp/memory-router/internal/billing"
	"github.com/nulpointcorp/memory-router/internal/blocklist"
	"github.com/nulpointcorp/memory-router/internal/dispatch"
	"github.com/nulpointcorp/memory-router/internal/exclusions"
	"github.com/nulpointcorp/memory-router/internal/kronos"
	"github.com/nulpointcorp/memory-router/internal/providers"
	"github.com/nulpointcorp/memory-router/internal/ratelimit"
	"github.com/nulpointcorp/memory-router/internal/usage"
	"github.com/nulpointcorp/memory-router/internal/vault"
)

// --- stubs ------------------------------------------------------------------

type stubAuth struct {
	mu       sync.Mutex
	contexts map[string]*auth.Context
	upserts  []string
	deletes  []string
}

func (s *stubAuth) Authenticate(_ context.Context, key string) (*auth.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uc, ok := s.contexts[key]
	if !ok {
		return nil, auth.ErrKeyNotFound
	}
	cp := *uc
	return &cp, nil
}

func (s *stubAuth) Invalidate(string) {}

func (s *stubAuth) UpsertProviderKey(_ context.Context, userID string, tag providers.Tag, apiKey, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, userID+"/"+string(tag))
	return nil
}

func (s *stubAuth) DeleteProviderKey(_ context.Context, userID string, tag providers.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, userID+"/"+string(tag))
	return nil
}

func (s *stubAuth) ListProviderKeys(context.Context, string) ([]auth.ProviderKeyPreview, error) {
	return []auth.ProviderKeyPreview{{Provider: "openai", Preview: "sk-u…1234"}}, nil
}

type stubDispatcher struct {
	mu         sync.Mutex
	lastTarget providers.Request
	lastBody   []byte
	lastStream bool
	calls      int

	respond func() *dispatch.Upstream
	err     error
}

func (d *stubDispatcher) Do(_ context.Context, target providers.Request, body []byte, stream bool) (*dispatch.Upstream, error) {
	d.mu.Lock()
	d.lastTarget = target
	d.lastBody = append([]byte(nil), body...)
	d.lastStream = stream
	d.calls++
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.respond(), nil
}

func (d *stubDispatcher) snapshot() (providers.Request, []byte, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTarget, append([]byte(nil), d.lastBody...), d.calls
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) { return unitVec(), nil }

func (stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = unitVec()
	}
	return out, nil
}

func (stubEmbedder) Dims() int { return 4 }

func unitVec() []float32 { return []float32{1, 0, 0, 0} }

type eventSink struct{ ch chan usage.Event }

func (s *eventSink) Record(e usage.Event) {
	select {
	case s.ch <- e:
	default:
	}
}

// --- harness ----------------------------------------------------------------

func jsonUpstream(body string) *dispatch.Upstream {
	return &dispatch.Upstream{
		Status:      fasthttp.StatusOK,
		ContentType: "application/json",
		Body:        []byte(body),
	}
}

func completionJSON(content string, in, out int) string {
	return fmt.Sprintf(`{"id":"chatcmpl-x","choices":[{"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],"usage":{"prompt_tokens":%d,"completion_tokens":%d}}`,
		content, in, out)
}

type testEnv struct {
	gw     *Gateway
	auth   *stubAuth
	disp   *stubDispatcher
	sink   *eventSink
	vaults *vault.Registry
	client *http.Client
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := vault.NewRegistry(4, nil, nil, log)

	sa := &stubAuth{contexts: map[string]*auth.Context{
		"mk_live": {
			MemoryKey: "mk_live",
			UserID:    "user-1",
			ProviderKeys: map[providers.Tag]auth.ProviderKey{
				providers.OpenAI:    {APIKey: "sk-upstream"},
				providers.Anthropic: {APIKey: "sk-ant-upstream"},
				providers.Google:    {APIKey: "goog-upstream"},
			},
		},
		"mk_admin_root": {MemoryKey: "mk_admin_root", UserID: "admin-1"},
	}}
	disp := &stubDispatcher{respond: func() *dispatch.Upstream {
		return jsonUpstream(completionJSON("Hello!", 12, 7))
	}}
	sink := &eventSink{ch: make(chan usage.Event, 16)}

	opts := Options{
		Logger:      log,
		Auth:        sa,
		Usage:       sink,
		Embed:       stubEmbedder{},
		Vaults:      reg,
		Kronos:      kronos.New(kronos.DefaultConfig(), log),
		Dispatch:    disp,
		AdminSecret: "s3cret",
		TopUpURL:    "https://billing.memoryrouter.dev/top-up",
		Version:     "test",
	}
	if mutate != nil {
		mutate(&opts)
	}

	gw, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(gw.Close)

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()
	t.Cleanup(func() { ln.Close() })

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return &testEnv{gw: gw, auth: sa, disp: disp, sink: sink, vaults: reg, client: client}
}

func (e *testEnv) seedChunk(t *testing.T, content string) {
	t.Helper()
	v := e.vaults.Get(context.Background(), "mk_live", vault.ScopeCore)
	if _, err := v.Store(unitVec(), content, "user", "", ""); err != nil {
		t.Fatalf("seed chunk: %v", err)
	}
}

func (e *testEnv) do(t *testing.T, method, path string, headers map[string]string, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://memoryrouter"+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != "" && headers["Content-Type"] == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func bearer(key string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + key}
}

func openAIBody(model, content string) string {
	return fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":%q}]}`, model, content)
}

// --- chat completions -------------------------------------------------------

func TestChatCompletions_InjectsMemory(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedChunk(t, "User prefers Go for backend services")

	resp, body := env.do(t, "POST", "/v1/chat/completions", bearer("mk_live"),
		openAIBody("gpt-4o", "What language do I prefer?"))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "Hello!") {
		t.Errorf("upstream completion not relayed: %s", body)
	}
	if got := resp.Header.Get("X-Memory-Chunks-Retrieved"); got != "1" {
		t.Errorf("X-Memory-Chunks-Retrieved = %q, want 1", got)
	}
	if got := resp.Header.Get("X-Memory-Mode"); got != "default" {
		t.Errorf("X-Memory-Mode = %q, want default", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be set by the middleware chain")
	}

	target, sent, _ := env.disp.snapshot()
	if target.URL != "https://api.openai.com/v1/chat/completions" {
		t.Errorf("target URL = %q", target.URL)
	}
	if !strings.Contains(string(sent), "User prefers Go for backend services") {
		t.Errorf("memory block not injected into forwarded body: %s", sent)
	}
	if !strings.Contains(string(sent), "What language do I prefer?") {
		t.Error("user message must survive injection")
	}
	if !hasHeader(target.Headers, "Authorization", "Bearer sk-upstream") {
		t.Errorf("upstream credential missing: %v", target.Headers)
	}
}

func hasHeader(hs [][2]string, name, value string) bool {
	for _, h := range hs {
		if h[0] == name && h[1] == value {
			return true
		}
	}
	return false
}

func TestChatCompletions_AuthErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name    string
		headers map[string]string
		code    string
	}{
		{"no credentials", nil, "missing_api_key"},
		{"unknown key", bearer("mk_unknown"), "invalid_api_key"},
		{"provider key only", bearer("sk-not-a-memory-key"), "missing_api_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, "POST", "/v1/chat/completions", tt.headers,
				openAIBody("gpt-4o", "hi"))
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", resp.StatusCode)
			}
			var e struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			if err := json.Unmarshal(body, &e); err != nil {
				t.Fatalf("parse error body: %v", err)
			}
			if e.Error.Code != tt.code {
				t.Errorf("code = %q, want %q", e.Error.Code, tt.code)
			}
		})
	}
}

func TestChatCompletions_ModelRequired(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.do(t, "POST", "/v1/chat/completions", bearer("mk_live"),
		`{"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatCompletions_ModeOffSkipsRetrieval(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedChunk(t, "User prefers Go for backend services")

	headers := bearer("mk_live")
	headers["X-Memory-Mode"] = "off"
	resp, _ := env.do(t, "POST", "/v1/chat/completions", headers,
		openAIBody("gpt-4o", "What language do I prefer?"))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Memory-Mode"); got != "off" {
		t.Errorf("X-Memory-Mode = %q, want off", got)
	}
	if got := resp.Header.Get("X-Memory-Chunks-Retrieved"); got != "0" {
		t.Errorf("X-Memory-Chunks-Retrieved = %q, want 0", got)
	}
	_, sent, _ := env.disp.snapshot()
	if strings.Contains(string(sent), "User prefers Go") {
		t.Error("mode=off must not inject memory")
	}
}

func TestChatCompletions_ExcludedModelBypassesMemory(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		ex, err := exclusions.New([]string{"gpt-4o-audio"}, nil)
		if err != nil {
			t.Fatalf("exclusions: %v", err)
		}
		o.Exclusions = ex
	})
	env.seedChunk(t, "User prefers Go for backend services")

	resp, _ := env.do(t, "POST", "/v1/chat/completions", bearer("mk_live"),
		openAIBody("gpt-4o-audio", "hi"))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Memory-Mode"); got != "off" {
		t.Errorf("excluded model should force mode off, got %q", got)
	}
	_, sent, _ := env.disp.snapshot()
	if strings.Contains(string(sent), "User prefers Go") {
		t.Error("excluded model must not receive memory")
	}
}

func TestChatCompletions_StreamRelayedVerbatim(t *testing.T) {
	sse := "data: {\"id\":\"chatcmpl-1\",\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
		"data: [DONE]\n\n"
	env := newTestEnv(t, nil)
	env.disp.respond = func() *dispatch.Upstream {
		return &dispatch.Upstream{
			Status:      fasthttp.StatusOK,
			ContentType: "text/event-stream",
			Stream:      io.NopCloser(strings.NewReader(sse)),
		}
	}

	resp, body := env.do(t, "POST", "/v1/chat/completions", bearer("mk_live"),
		`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}
	if string(body) != sse {
		t.Errorf("stream not relayed verbatim:\ngot  %q\nwant %q", body, sse)
	}

	select {
	case e := <-env.sink.ch:
		if e.Provider != "openai" {
			t.Errorf("event provider = %q", e.Provider)
		}
	case <-time.After(2 * time.Second):
		t.Error("no usage event after stream completion")
	}
}

func TestChatCompletions_ProviderErrorRelayed(t *testing.T) {
	upstream429 := `{"error":{"message":"rate limited","type":"rate_limit_error"}}`
	env := newTestEnv(t, nil)
	env.disp.respond = func() *dispatch.Upstream {
		return &dispatch.Upstream{
			Status:      fasthttp.StatusTooManyRequests,
			ContentType: "application/json",
			Body:        []byte(upstream429),
		}
	}

	resp, body := env.do(t, "POST", "/v1/chat/completions", bearer("mk_live"),
		openAIBody("gpt-4o", "hi"))

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if string(body) != upstream429 {
		t.Errorf("provider error body must be relayed verbatim, got %s", body)
	}
}

func TestChatCompletions_CircuitBreakerOpens(t *testing.T) {
	env := newTestEnv(t, nil)
	env.disp.err = errors.New("connection refused")

	for i := 0; i < cbErrorThreshold; i++ {
		resp, _ := env.do(t, "POST", "/v1/chat/completions", bearer("mk_live"),
			openAIBody("gpt-4o", "hi"))
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("request %d: status = %d, want 502", i, resp.StatusCode)
		}
	}

	resp, _ := env.do(t, "POST", "/v1/chat/completions", bearer("mk_live"),
		openAIBody("gpt-4o", "hi"))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("open breaker should return 503, got %d", resp.StatusCode)
	}
	_, _, calls := env.disp.snapshot()
	if calls != cbErrorThreshold {
		t.Errorf("open breaker must not dispatch; calls = %d", calls)
	}
}

func TestChatCompletions_PassThroughForwardsClientKey(t *testing.T) {
	env := newTestEnv(t, nil)

	headers := map[string]string{
		"X-Memory-Key":  "mk_live",
		"Authorization": "Bearer sk-client-own-key",
	}
	resp, _ := env.do(t, "POST", "/v1/chat/completions", headers,
		openAIBody("gpt-4o", "hi"))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	target, _, _ := env.disp.snapshot()
	if !hasHeader(target.Headers, "Authorization", "Bearer sk-client-own-key") {
		t.Errorf("pass-through must forward the client's own credential, got %v", target.Headers)
	}
}

func TestChatCompletions_PassThroughWithoutProviderKey(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, "POST", "/v1/chat/completions",
		map[string]string{"X-Memory-Key": "mk_live"},
		openAIBody("gpt-4o", "hi"))

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("pass-through without a provider credential should 401, got %d", resp.StatusCode)
	}
}

func TestChatCompletions_RecordsUsageEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	headers := bearer("mk_live")
	headers["X-Session-ID"] = "sess-42"

	resp, _ := env.do(t, "POST", "/v1/chat/completions", headers,
		openAIBody("gpt-4o", "hi"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	select {
	case e := <-env.sink.ch:
		if e.MemoryKey != "mk_live" {
			t.Errorf("MemoryKey = %q", e.MemoryKey)
		}
		if e.SessionID != "sess-42" {
			t.Errorf("SessionID = %q", e.SessionID)
		}
		if e.Model != "gpt-4o" || e.Provider != "openai" {
			t.Errorf("model/provider = %q/%q", e.Model, e.Provider)
		}
		if e.InputTokens != 12 || e.OutputTokens != 7 {
			t.Errorf("tokens = %d/%d, want 12/7", e.InputTokens, e.OutputTokens)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no usage event recorded")
	}
}

func TestChatCompletions_StoresExchange(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, "POST", "/v1/chat/completions", bearer("mk_live"),
		openAIBody("gpt-4o", "Remember that my favorite city is Lisbon"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// Storage runs in the background; short content lands in the rolling
	// buffer rather than as a finished chunk.
	wv := env.vaults.Get(context.Background(), "mk_live", vault.ScopeCore)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(wv.BufferText(), "Lisbon") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("exchange not buffered; buffer = %q", wv.BufferText())
}

func TestChatCompletions_PaymentRequired(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		log := slog.New(slog.NewTextHandler(io.Discard, nil))
		o.Billing = billing.NewService(brokeStore{}, nil, blocklist.New(nil), log)
	})

	resp, body := env.do(t, "POST", "/v1/chat/completions", bearer("mk_live"),
		openAIBody("gpt-4o", "hi"))

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402; body = %s", resp.StatusCode, body)
	}
	var e struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
		Payment struct {
			TopUpURL string `json:"top_up_url"`
		} `json:"payment"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("parse 402 body: %v", err)
	}
	if e.Error.Code != "no_payment_method" {
		t.Errorf("code = %q, want no_payment_method", e.Error.Code)
	}
	if e.Payment.TopUpURL == "" {
		t.Error("402 body should carry the top-up URL")
	}
	if _, _, calls := env.disp.snapshot(); calls != 0 {
		t.Errorf("blocked request must not be dispatched; calls = %d", calls)
	}
}

// brokeStore is a billing store with an exhausted free tier, zero balance
// and no payment method on file.
type brokeStore struct{}

func (brokeStore) Account(context.Context, string) (*billing.Account, error) {
	return &billing.Account{
		UserID:         "user-1",
		BalanceCents:   0,
		FreeTokensUsed: billing.FreeTierTokens,
	}, nil
}

func (brokeStore) Credit(context.Context, string, int64, string) (int64, error) {
	return 0, nil
}

func (brokeStore) Deduct(context.Context, string, int64, int64, int64) (int64, error) {
	return 0, nil
}

// cardlessStore is a billing store with plenty of balance and free tier but
// no payment method on file.
type cardlessStore struct{}

func (cardlessStore) Account(context.Context, string) (*billing.Account, error) {
	return &billing.Account{UserID: "user-1", BalanceCents: 10_000}, nil
}

func (cardlessStore) Credit(context.Context, string, int64, string) (int64, error) {
	return 0, nil
}

func (cardlessStore) Deduct(context.Context, string, int64, int64, int64) (int64, error) {
	return 0, nil
}

func TestMemoryUpload_RequiresPaymentMethod(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := newTestEnv(t, func(o *Options) {
		o.Billing = billing.NewService(cardlessStore{}, nil, blocklist.New(nil), log)
	})

	resp, body := env.do(t, "POST", "/v1/memory/upload", bearer("mk_live"),
		`{"content":"imported without a card on file"}`)

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402; body = %s", resp.StatusCode, body)
	}
	var e struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("parse 402 body: %v", err)
	}
	if e.Error.Code != "no_payment_method" {
		t.Errorf("code = %q, want no_payment_method", e.Error.Code)
	}

	v := env.vaults.Get(context.Background(), "mk_live", vault.ScopeCore)
	if v.Stats().VectorCount != 0 {
		t.Errorf("refused upload still stored %d chunks", v.Stats().VectorCount)
	}
}

func TestChatCompletions_RateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	env := newTestEnv(t, func(o *Options) {
		o.RPM = ratelimit.NewRPMLimiter(rdb, 1)
	})

	resp, _ := env.do(t, "POST", "/v1/chat/completions", bearer("mk_live"),
		openAIBody("gpt-4o", "hi"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: status = %d", resp.StatusCode)
	}

	resp, _ = env.do(t, "POST", "/v1/chat/completions", bearer("mk_live"),
		openAIBody("gpt-4o", "hi"))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", resp.StatusCode)
	}
}

// --- native surfaces --------------------------------------------------------

func TestMessages_NativeInjection(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedChunk(t, "User prefers Go for backend services")
	env.disp.respond = func() *dispatch.Upstream {
		return jsonUpstream(`{"id":"msg_1","content":[{"type":"text","text":"Hi"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":2}}`)
	}

	body := `{"model":"claude-sonnet-4-5","max_tokens":100,"system":"Be brief.","messages":[{"role":"user","content":"What language do I prefer?"}]}`
	resp, _ := env.do(t, "POST", "/v1/messages",
		map[string]string{"x-api-key": "mk_live"}, body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	target, sent, _ := env.disp.snapshot()
	if target.URL != "https://api.anthropic.com/v1/messages" {
		t.Errorf("target URL = %q", target.URL)
	}
	if !hasHeader(target.Headers, "x-api-key", "sk-ant-upstream") {
		t.Errorf("anthropic credential missing: %v", target.Headers)
	}
	if !strings.Contains(string(sent), "User prefers Go for backend services") {
		t.Error("memory block not injected into system carrier")
	}
	if !strings.Contains(string(sent), "Be brief.") {
		t.Error("original system text must survive injection")
	}
	var parsed struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(sent, &parsed); err != nil {
		t.Fatalf("parse forwarded body: %v", err)
	}
	if len(parsed.Messages) != 1 {
		t.Errorf("native surface must never drop messages; got %d", len(parsed.Messages))
	}
}

func TestGenerateContent_RouteParsing(t *testing.T) {
	env := newTestEnv(t, nil)

	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	resp, _ := env.do(t, "POST", "/v1/models/gemini-2.0-flash:generateContent",
		bearer("mk_live"), body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	target, _, _ := env.disp.snapshot()
	if !strings.Contains(target.URL, "/models/gemini-2.0-flash:generateContent") {
		t.Errorf("target URL = %q", target.URL)
	}
	if !hasHeader(target.Headers, "x-goog-api-key", "goog-upstream") {
		t.Errorf("google credential missing: %v", target.Headers)
	}
}

func TestGenerateContent_MissingAction(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.do(t, "POST", "/v1/models/gemini-2.0-flash",
		bearer("mk_live"), `{"contents":[]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// --- pass-through surfaces --------------------------------------------------

func TestEmbeddings_Passthrough(t *testing.T) {
	env := newTestEnv(t, nil)
	env.disp.respond = func() *dispatch.Upstream {
		return jsonUpstream(`{"data":[{"embedding":[0.1,0.2]}],"usage":{"prompt_tokens":3}}`)
	}

	resp, _ := env.do(t, "POST", "/v1/embeddings", bearer("mk_live"),
		`{"model":"openai/text-embedding-3-small","input":"hello"}`)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	target, sent, _ := env.disp.snapshot()
	if target.URL != "https://api.openai.com/v1/embeddings" {
		t.Errorf("target URL = %q", target.URL)
	}
	if !hasHeader(target.Headers, "Authorization", "Bearer sk-upstream") {
		t.Errorf("credential missing: %v", target.Headers)
	}
	var parsed struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(sent, &parsed); err != nil {
		t.Fatalf("parse forwarded body: %v", err)
	}
	if parsed.Model != "text-embedding-3-small" {
		t.Errorf("tag prefix should be stripped before forwarding, model = %q", parsed.Model)
	}
}

// --- bulk upload ------------------------------------------------------------

func TestMemoryUpload(t *testing.T) {
	env := newTestEnv(t, nil)

	lines := strings.Join([]string{
		`{"content":"` + strings.Repeat("Favorite editor is vim. ", 60) + `"}`,
		`{"content":"` + strings.Repeat("Deploys happen on Fridays. ", 60) + `","role":"assistant"}`,
	}, "\n")

	resp, body := env.do(t, "POST", "/v1/memory/upload", bearer("mk_live"), lines)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	var out struct {
		Stored  int    `json:"stored"`
		Skipped int    `json:"skipped"`
		Vault   string `json:"vault"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if out.Stored == 0 {
		t.Error("upload should have stored at least one chunk")
	}
	if out.Vault != "mk_live/core" {
		t.Errorf("vault = %q, want mk_live/core", out.Vault)
	}

	v := env.vaults.Get(context.Background(), "mk_live", vault.ScopeCore)
	if v.Stats().VectorCount != out.Stored {
		t.Errorf("vault holds %d chunks, response said %d", v.Stats().VectorCount, out.Stored)
	}
}

func TestMemoryUpload_BackdatedTimestamp(t *testing.T) {
	env := newTestEnv(t, nil)

	ts := time.Now().Add(-30*24*time.Hour).UnixMilli() // 30 days ago
	line := fmt.Sprintf(`{"content":%q,"timestamp":%d}`,
		strings.Repeat("Migrated the billing service to Postgres. ", 40), ts)

	resp, body := env.do(t, "POST", "/v1/memory/upload", bearer("mk_live"), line)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	v := env.vaults.Get(context.Background(), "mk_live", vault.ScopeCore)
	stats := v.Stats()
	if stats.VectorCount == 0 {
		t.Fatal("upload stored nothing")
	}
	if stats.OldestTs != ts {
		t.Fatalf("OldestTs = %d, want the uploaded timestamp %d", stats.OldestTs, ts)
	}
	if w := kronos.DefaultConfig().Classify(stats.OldestTs, time.Now(), v.Name()); w != kronos.LongTerm {
		t.Errorf("imported chunk classifies as %s, want long_term", w)
	}
}

func TestMemoryUpload_MalformedLine(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, "POST", "/v1/memory/upload", bearer("mk_live"),
		`{"content":"ok"}`+"\n"+`{not json}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(string(body), "line 2") {
		t.Errorf("error should name the offending line: %s", body)
	}
}

func TestMemoryUpload_Empty(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.do(t, "POST", "/v1/memory/upload", bearer("mk_live"), "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// --- admin surface ----------------------------------------------------------

func TestAdmin_Forbidden(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"no credentials", nil},
		{"wrong secret", map[string]string{"X-Admin-Secret": "nope"}},
		{"regular key", bearer("mk_live")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := env.do(t, "GET", "/v1/admin/vaults", tt.headers, "")
			if resp.StatusCode != http.StatusForbidden {
				t.Errorf("status = %d, want 403", resp.StatusCode)
			}
		})
	}
}

func TestAdmin_SecretHeader(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedChunk(t, "something to count")

	resp, body := env.do(t, "GET", "/v1/admin/vaults",
		map[string]string{"X-Admin-Secret": "s3cret"}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if out.Count != 1 {
		t.Errorf("count = %d, want 1", out.Count)
	}
}

func TestAdmin_AdminKey(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.do(t, "GET", "/v1/admin/debug-storage", bearer("mk_admin_root"), "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 for mk_admin key", resp.StatusCode)
	}
}

func TestAdmin_UpsertProviderKey(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, "PUT", "/v1/admin/provider-keys?user_id=user-9",
		map[string]string{"X-Admin-Secret": "s3cret"},
		`{"provider":"openai","api_key":"sk-new-key-98765"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	var out struct {
		Provider string `json:"provider"`
		Preview  string `json:"preview"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if out.Provider != "openai" {
		t.Errorf("provider = %q", out.Provider)
	}
	if strings.Contains(out.Preview, "sk-new-key-98765") {
		t.Errorf("preview must not echo the full key: %q", out.Preview)
	}

	env.auth.mu.Lock()
	upserts := append([]string(nil), env.auth.upserts...)
	env.auth.mu.Unlock()
	if len(upserts) != 1 || upserts[0] != "user-9/openai" {
		t.Errorf("upserts = %v", upserts)
	}
}

func TestAdmin_DeleteVault(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedChunk(t, "to be deleted")

	resp, _ := env.do(t, "DELETE", "/v1/admin/vaults/mk_live/core",
		map[string]string{"X-Admin-Secret": "s3cret"}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp, _ = env.do(t, "DELETE", "/v1/admin/vaults/unknown",
		map[string]string{"X-Admin-Secret": "s3cret"}, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown vault: status = %d, want 404", resp.StatusCode)
	}
}

// --- health -----------------------------------------------------------------

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, "GET", "/health", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status = %d", resp.StatusCode)
	}
	var h struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &h); err != nil {
		t.Fatalf("parse health: %v", err)
	}
	if h.Status != "ok" || h.Version != "test" {
		t.Errorf("health = %+v", h)
	}

	resp, _ = env.do(t, "GET", "/readiness", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readiness: status = %d", resp.StatusCode)
	}

	resp, _ = env.do(t, "GET", "/no-such-route", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown route: status = %d, want 404", resp.StatusCode)
	}
}
