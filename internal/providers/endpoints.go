package providers

import (
	"fmt"
	"strings"
)

// Default API bases. Azure has none (the endpoint travels with the key) and
// ollama's is overridable per deployment.
var chatBases = map[Tag]string{
	OpenAI:     "https://api.openai.com/v1",
	OpenRouter: "https://openrouter.ai/api/v1",
	Cerebras:   "https://api.cerebras.ai/v1",
	DeepSeek:   "https://api.deepseek.com/v1",
	Mistral:    "https://api.mistral.ai/v1",
	XAI:        "https://api.x.ai/v1",
	Ollama:     "http://localhost:11434/v1",
}

const (
	anthropicBase    = "https://api.anthropic.com/v1"
	googleBase       = "https://generativelanguage.googleapis.com/v1beta"
	anthropicVersion = "2023-06-01"
	azureAPIVersion  = "2024-06-01"

	// OAuth tokens minted for Claude Code sessions use bearer auth and a
	// beta opt-in instead of x-api-key.
	oauthTokenPrefix = "sk-ant-oat01-"
	oauthBetaHeader  = "oauth-2025-04-20"
)

// Request is a built upstream target: URL plus the headers the provider's
// auth contract requires. Header order is preserved.
type Request struct {
	URL     string
	Headers [][2]string
}

// Overrides carries per-deployment endpoint settings.
type Overrides struct {
	AzureEndpoint string // used when the stored key has no "endpoint|" half
	OllamaBase    string
}

// ChatEndpoint builds the OpenAI-shaped chat completions target for a tag.
// Anthropic and Google are not chat-base providers; their OpenAI-shaped
// traffic goes through the translation layer instead.
func ChatEndpoint(tag Tag, model, key string, ov Overrides) (Request, error) {
	switch tag {
	case Anthropic, Google:
		return Request{}, fmt.Errorf("providers: %s has no openai-shaped chat endpoint", tag)
	case Azure:
		return azureEndpoint(model, key, ov)
	case Ollama:
		base := chatBases[Ollama]
		if ov.OllamaBase != "" {
			base = strings.TrimSuffix(ov.OllamaBase, "/")
		}
		return Request{URL: base + "/chat/completions"}, nil
	}

	base, ok := chatBases[tag]
	if !ok {
		return Request{}, fmt.Errorf("providers: unknown tag %q", tag)
	}
	req := Request{
		URL:     base + "/chat/completions",
		Headers: [][2]string{{"Authorization", "Bearer " + key}},
	}
	if tag == OpenRouter {
		req.Headers = append(req.Headers,
			[2]string{"HTTP-Referer", "https://memoryrouter.dev"},
			[2]string{"X-Title", "MemoryRouter"})
	}
	return req, nil
}

// PassthroughEndpoint builds a target for an OpenAI-compatible path other
// than chat completions (embeddings, completions, audio, images). path is
// the suffix under the provider's API base, e.g. "/embeddings".
func PassthroughEndpoint(tag Tag, path, key string, ov Overrides) (Request, error) {
	switch tag {
	case Anthropic, Google, Azure:
		return Request{}, fmt.Errorf("providers: %s has no openai-compatible %s endpoint", tag, path)
	case Ollama:
		base := chatBases[Ollama]
		if ov.OllamaBase != "" {
			base = strings.TrimSuffix(ov.OllamaBase, "/")
		}
		return Request{URL: base + path}, nil
	}

	base, ok := chatBases[tag]
	if !ok {
		return Request{}, fmt.Errorf("providers: unknown tag %q", tag)
	}
	return Request{
		URL:     base + path,
		Headers: [][2]string{{"Authorization", "Bearer " + key}},
	}, nil
}

// MessagesEndpoint builds the Anthropic-native /v1/messages target. OAuth
// tokens switch from x-api-key to bearer auth with the beta opt-in.
func MessagesEndpoint(key string) Request {
	req := Request{URL: anthropicBase + "/messages"}
	if strings.HasPrefix(key, oauthTokenPrefix) {
		req.Headers = [][2]string{
			{"Authorization", "Bearer " + key},
			{"anthropic-version", anthropicVersion},
			{"anthropic-beta", oauthBetaHeader},
		}
		return req
	}
	req.Headers = [][2]string{
		{"x-api-key", key},
		{"anthropic-version", anthropicVersion},
	}
	return req
}

// GenerateContentEndpoint builds the Google-native generateContent target.
// Streams use :streamGenerateContent with SSE framing.
func GenerateContentEndpoint(model, key string, stream bool) Request {
	action := "generateContent"
	if stream {
		action = "streamGenerateContent?alt=sse"
	}
	return Request{
		URL:     fmt.Sprintf("%s/models/%s:%s", googleBase, model, action),
		Headers: [][2]string{{"x-goog-api-key", key}},
	}
}

// azureEndpoint assembles the deployment URL. The stored key may carry its
// endpoint as "endpoint|key"; otherwise the configured default applies.
func azureEndpoint(model, key string, ov Overrides) (Request, error) {
	endpoint := ov.AzureEndpoint
	if i := strings.IndexByte(key, '|'); i >= 0 {
		endpoint = key[:i]
		key = key[i+1:]
	}
	if endpoint == "" {
		return Request{}, fmt.Errorf("providers: azure endpoint not configured")
	}
	endpoint = strings.TrimSuffix(endpoint, "/")
	return Request{
		URL: fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			endpoint, model, azureAPIVersion),
		Headers: [][2]string{{"api-key", key}},
	}, nil
}
