package providers

import "time"

// ProviderTimeout bounds a single upstream call, including streams between
// reads.
const ProviderTimeout = 120 * time.Second

type (
	// ChatMessage is one normalized conversation turn.
	ChatMessage struct {
		Role    string
		Content string
	}

	// ChatRequest is the normalized OpenAI-shaped request handed to a
	// translating provider.
	ChatRequest struct {
		Model       string
		Messages    []ChatMessage
		Stream      bool
		Temperature float64
		MaxTokens   int
		APIKey      string
		RequestID   string
	}

	// Usage carries token counts reported by the provider.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// StreamChunk is one delta of a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
		Usage        *Usage
	}

	// ChatResponse is the normalized provider answer. Stream is nil for
	// non-streaming calls.
	ChatResponse struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
		Stream  <-chan StreamChunk
	}
)

// StatusCoder is implemented by provider errors that carry an upstream HTTP
// status.
type StatusCoder interface {
	HTTPStatus() int
}
