// Package dispatch performs the upstream HTTP exchange for pass-through
// providers and renders responses back to the client.
//
// Requests to chat-base providers are forwarded with the body bytes exactly
// as transformed; streaming responses are teed to the client verbatim while
// a background parse extracts the assistant text and token usage for
// storage and billing. Translated providers (Anthropic, Google) never come
// through Do; their SDK streams are rendered with RenderStream instead.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nulpointcorp/memory-router/internal/providers"
)

// Client forwards request bodies to provider endpoints.
type Client struct {
	http *http.Client
	log  *slog.Logger
}

// New creates a dispatch client. A nil logger falls back to slog.Default.
func New(log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		http: &http.Client{Timeout: providers.ProviderTimeout},
		log:  log,
	}
}

// Upstream is the provider's answer. Exactly one of Body and Stream is set:
// Stream carries the raw SSE byte stream for streaming responses and must be
// closed by the caller.
type Upstream struct {
	Status      int
	ContentType string
	Body        []byte
	Stream      io.ReadCloser
}

// Streaming reports whether the response arrived as an event stream.
func (u *Upstream) Streaming() bool { return u.Stream != nil }

// Do posts body to the built target. Provider error statuses are returned as
// an Upstream with the upstream body intact so the caller can relay them.
func (c *Client) Do(ctx context.Context, target providers.Request, body []byte, stream bool) (*Upstream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	for _, h := range target.Headers {
		req.Header.Set(h[0], h[1])
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	up := &Upstream{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}

	if stream && resp.StatusCode == http.StatusOK && strings.Contains(up.ContentType, "text/event-stream") {
		up.Stream = resp.Body
		return up, nil
	}

	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dispatch: read body: %w", err)
	}
	up.Body = b
	return up, nil
}
