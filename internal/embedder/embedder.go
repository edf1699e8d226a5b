// Package embedder turns text into unit-length float vectors of a fixed,
// per-deployment dimension.
//
// Embedding failures never fail a request: retrieval callers degrade to
// "no memory" and storage callers drop the write. The embedder is the only
// component allowed to talk to the embedding backend.
package embedder

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const requestTimeout = 15 * time.Second

// Embedder is a client for an OpenAI-compatible embeddings endpoint.
type Embedder struct {
	model  string
	dims   int
	client openaiSDK.Client
}

// Option configures an Embedder.
type Option func(*options)

type options struct {
	baseURL string
}

// WithBaseURL overrides the API base URL (useful for testing and self-hosted
// embedding servers).
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// New creates an Embedder producing vectors of exactly dims dimensions.
func New(apiKey, model string, dims int, opts ...Option) (*Embedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedder: api key must not be empty")
	}
	if dims < 1 {
		return nil, fmt.Errorf("embedder: dims must be ≥ 1, got %d", dims)
	}

	var o options
	for _, fn := range opts {
		fn(&o)
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: requestTimeout}),
	}
	if o.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(o.baseURL))
	}

	return &Embedder{
		model:  model,
		dims:   dims,
		client: openaiSDK.NewClient(sdkOpts...),
	}, nil
}

// Dims returns the fixed output dimension.
func (e *Embedder) Dims() int { return e.dims }

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Embed returns the unit-normalised embedding of text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds several texts in one backend call, preserving order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embedder: no input texts")
	}

	resp, err := e.client.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Input:      openaiSDK.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:      openaiSDK.EmbeddingModel(e.model),
		Dimensions: openaiSDK.Int(int64(e.dims)),
	})
	if err != nil {
		return nil, fmt.Errorf("embedder: %s: %w", e.model, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedder: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if int(d.Index) < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("embedder: vector index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		if len(vec) != e.dims {
			return nil, fmt.Errorf("embedder: backend returned %d dims, want %d", len(vec), e.dims)
		}
		Normalize(vec)
		out[d.Index] = vec
	}
	return out, nil
}

// Normalize scales vec to unit length in place. Zero vectors are left as-is.
func Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}

// Cosine returns the cosine similarity of two unit vectors (their dot
// product). Vectors of unequal length score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
