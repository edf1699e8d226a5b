package providers

import (
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		model    string
		wantTag  Tag
		wantName string
	}{
		{"claude-3.5-sonnet", Anthropic, "claude-3.5-sonnet"},
		{"meta-llama/llama-3-70b-instruct", OpenRouter, "meta-llama/llama-3-70b-instruct"},
		{"OpenAI/GPT-4", OpenAI, "GPT-4"},
		{"", OpenRouter, ""},
		{"gpt-4o", OpenAI, "gpt-4o"},
		{"o1-preview", OpenAI, "o1-preview"},
		{"gemini-2.0-flash", Google, "gemini-2.0-flash"},
		{"grok-3", XAI, "grok-3"},
		{"deepseek-chat", DeepSeek, "deepseek-chat"},
		{"mixtral-8x7b", Mistral, "mixtral-8x7b"},
		{"codestral-latest", Mistral, "codestral-latest"},
		{"llama-3.3-70b-cerebras", Cerebras, "llama-3.3-70b-cerebras"},
		{"anthropic/claude-3-haiku", Anthropic, "claude-3-haiku"},
		{"azure/my-deployment", Azure, "my-deployment"},
		{"totally-unknown-model", OpenRouter, "totally-unknown-model"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			tag, name := Resolve(tt.model)
			if tag != tt.wantTag || name != tt.wantName {
				t.Fatalf("Resolve(%q) = %s,%q want %s,%q", tt.model, tag, name, tt.wantTag, tt.wantName)
			}
		})
	}
}

func TestResolveRemapsRetiredGrokAliases(t *testing.T) {
	for _, model := range []string{"grok-2", "grok-2-1212", "grok-beta", "xai/grok-2-latest"} {
		tag, name := Resolve(model)
		if tag != XAI {
			t.Fatalf("Resolve(%q) tag = %s", model, tag)
		}
		if name != "grok-3-beta" {
			t.Fatalf("Resolve(%q) name = %q, want grok-3-beta", model, name)
		}
	}
	if _, name := Resolve("grok-3"); name != "grok-3" {
		t.Fatalf("grok-3 remapped to %q", name)
	}
}

func TestChatEndpointAuth(t *testing.T) {
	req, err := ChatEndpoint(OpenAI, "gpt-4o", "sk-test", Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if req.URL != "https://api.openai.com/v1/chat/completions" {
		t.Fatalf("url = %q", req.URL)
	}
	if len(req.Headers) != 1 || req.Headers[0][1] != "Bearer sk-test" {
		t.Fatalf("headers = %v", req.Headers)
	}
}

func TestChatEndpointOpenRouterAttribution(t *testing.T) {
	req, err := ChatEndpoint(OpenRouter, "meta-llama/llama-3-70b", "sk-or", Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	var hasReferer, hasTitle bool
	for _, h := range req.Headers {
		switch h[0] {
		case "HTTP-Referer":
			hasReferer = true
		case "X-Title":
			hasTitle = true
		}
	}
	if !hasReferer || !hasTitle {
		t.Fatalf("openrouter attribution headers missing: %v", req.Headers)
	}
}

func TestChatEndpointRejectsTranslatedProviders(t *testing.T) {
	for _, tag := range []Tag{Anthropic, Google} {
		if _, err := ChatEndpoint(tag, "m", "k", Overrides{}); err == nil {
			t.Fatalf("%s must not offer an openai-shaped chat endpoint", tag)
		}
	}
}

func TestMessagesEndpoint(t *testing.T) {
	req := MessagesEndpoint("sk-ant-api-key")
	if req.URL != "https://api.anthropic.com/v1/messages" {
		t.Fatalf("url = %q", req.URL)
	}
	if req.Headers[0][0] != "x-api-key" || req.Headers[1][1] != anthropicVersion {
		t.Fatalf("api-key auth headers = %v", req.Headers)
	}

	oauth := MessagesEndpoint("sk-ant-oat01-token")
	if oauth.Headers[0][0] != "Authorization" || !strings.HasPrefix(oauth.Headers[0][1], "Bearer ") {
		t.Fatalf("oauth token must use bearer auth: %v", oauth.Headers)
	}
	var beta bool
	for _, h := range oauth.Headers {
		if h[0] == "anthropic-beta" {
			beta = true
		}
	}
	if !beta {
		t.Fatal("oauth beta header missing")
	}
}

func TestGenerateContentEndpoint(t *testing.T) {
	req := GenerateContentEndpoint("gemini-2.0-flash", "g-key", false)
	if !strings.HasSuffix(req.URL, "/models/gemini-2.0-flash:generateContent") {
		t.Fatalf("url = %q", req.URL)
	}
	if req.Headers[0][0] != "x-goog-api-key" {
		t.Fatalf("headers = %v", req.Headers)
	}

	stream := GenerateContentEndpoint("gemini-2.0-flash", "g-key", true)
	if !strings.Contains(stream.URL, ":streamGenerateContent?alt=sse") {
		t.Fatalf("stream url = %q", stream.URL)
	}
}

func TestAzureEndpoint(t *testing.T) {
	req, err := ChatEndpoint(Azure, "my-deploy", "https://acct.openai.azure.com|real-key", Overrides{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(req.URL, "https://acct.openai.azure.com/openai/deployments/my-deploy/chat/completions") {
		t.Fatalf("url = %q", req.URL)
	}
	if !strings.Contains(req.URL, "api-version=") {
		t.Fatal("api-version query missing")
	}
	if req.Headers[0][0] != "api-key" || req.Headers[0][1] != "real-key" {
		t.Fatalf("headers = %v", req.Headers)
	}

	if _, err := ChatEndpoint(Azure, "d", "bare-key", Overrides{}); err == nil {
		t.Fatal("azure without endpoint must fail")
	}

	req, err = ChatEndpoint(Azure, "d", "bare-key", Overrides{AzureEndpoint: "https://fallback.azure.com/"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(req.URL, "https://fallback.azure.com/openai/") {
		t.Fatalf("fallback endpoint url = %q", req.URL)
	}
}

func TestOllamaBaseOverride(t *testing.T) {
	req, err := ChatEndpoint(Ollama, "llama3", "", Overrides{OllamaBase: "http://gpu-box:11434/v1/"})
	if err != nil {
		t.Fatal(err)
	}
	if req.URL != "http://gpu-box:11434/v1/chat/completions" {
		t.Fatalf("url = %q", req.URL)
	}
	if len(req.Headers) != 0 {
		t.Fatalf("ollama must not send auth headers: %v", req.Headers)
	}
}
