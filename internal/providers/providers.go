// Package providers resolves model names to provider tags and builds the
// per-provider endpoint and auth headers. The HTTP work itself lives in the
// dispatcher; this package is the routing table.
package providers

import "strings"

// Tag identifies a provider. The set is closed; unknown models route to
// openrouter, which fronts everything else.
type Tag string

const (
	OpenAI     Tag = "openai"
	Anthropic  Tag = "anthropic"
	OpenRouter Tag = "openrouter"
	Google     Tag = "google"
	XAI        Tag = "xai"
	Cerebras   Tag = "cerebras"
	DeepSeek   Tag = "deepseek"
	Azure      Tag = "azure"
	Ollama     Tag = "ollama"
	Mistral    Tag = "mistral"
)

var allTags = map[string]Tag{
	"openai": OpenAI, "anthropic": Anthropic, "openrouter": OpenRouter,
	"google": Google, "xai": XAI, "cerebras": Cerebras, "deepseek": DeepSeek,
	"azure": Azure, "ollama": Ollama, "mistral": Mistral,
}

// ParseTag maps a string to a known tag, case-insensitively.
func ParseTag(s string) (Tag, bool) {
	t, ok := allTags[strings.ToLower(s)]
	return t, ok
}

// Resolve maps a model string to its provider and the model name to send
// upstream.
//
// An explicit "<tag>/<name>" prefix wins and is stripped. Otherwise
// substring heuristics pick the provider and the name passes through
// unchanged; models nothing matches go to openrouter, which expects the
// full vendor-prefixed name.
func Resolve(model string) (Tag, string) {
	if i := strings.IndexByte(model, '/'); i > 0 {
		if tag, ok := ParseTag(model[:i]); ok {
			return tag, remapAlias(tag, model[i+1:])
		}
	}

	m := strings.ToLower(model)
	var tag Tag
	switch {
	case strings.Contains(m, "claude"):
		tag = Anthropic
	case strings.Contains(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"):
		tag = OpenAI
	case strings.Contains(m, "gemini"):
		tag = Google
	case strings.Contains(m, "grok"):
		tag = XAI
	case strings.Contains(m, "deepseek"):
		tag = DeepSeek
	case strings.Contains(m, "mistral"), strings.Contains(m, "mixtral"), strings.Contains(m, "codestral"):
		tag = Mistral
	case strings.Contains(m, "llama") && strings.Contains(m, "cerebras"):
		tag = Cerebras
	default:
		return OpenRouter, model
	}
	return tag, remapAlias(tag, model)
}

// remapAlias rewrites retired model aliases. xAI dropped the grok-2 line;
// requests for it land on grok-3-beta.
func remapAlias(tag Tag, model string) string {
	if tag != XAI {
		return model
	}
	m := strings.ToLower(model)
	if strings.HasPrefix(m, "grok-2") || m == "grok-beta" {
		return "grok-3-beta"
	}
	return model
}
