package dispatch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/memory-router/internal/providers"
)

// Stats is what the background parse of a response yields: the assistant
// text for storage and the token counts for billing. Token counts are zero
// when the provider never reported usage.
type Stats struct {
	Content      string
	Usage        providers.Usage
	FinishReason string
}

// maxEventLine bounds a single SSE line. Providers ship whole JSON events
// per line; 1 MiB covers the largest observed deltas.
const maxEventLine = 1 << 20

// Tee copies the upstream SSE byte stream to dst verbatim, flushing at
// every event boundary, while parsing data lines on the side. The client
// sees exactly what the provider sent: CRLF framing and a missing final
// newline pass through unchanged.
func Tee(dst *bufio.Writer, src io.Reader) Stats {
	br := bufio.NewReaderSize(src, 64*1024)

	var (
		st       Stats
		line     []byte
		oversize bool
	)
	for {
		frag, rerr := br.ReadSlice('\n')
		if len(frag) > 0 {
			dst.Write(frag)
		}
		if rerr == bufio.ErrBufferFull {
			// Relay regardless; parse only lines within the event bound.
			if !oversize && len(line)+len(frag) <= maxEventLine {
				line = append(line, frag...)
			} else {
				oversize = true
			}
			continue
		}
		if !oversize {
			line = append(line, frag...)
			trimmed := bytes.TrimRight(line, "\r\n")
			if len(trimmed) == 0 {
				dst.Flush()
			} else if data, ok := bytes.CutPrefix(trimmed, []byte("data:")); ok {
				parseEvent(bytes.TrimSpace(data), &st)
			}
		}
		line = line[:0]
		oversize = false
		if rerr != nil {
			break
		}
	}
	dst.Flush()
	return st
}

// parseEvent folds one SSE data payload into st. It understands the three
// upstream framings: OpenAI chat chunks, Anthropic message events, and
// Google generateContent chunks.
func parseEvent(data []byte, st *Stats) {
	if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
		return
	}

	// OpenAI-shaped chunk.
	if delta := gjson.GetBytes(data, "choices.0.delta.content"); delta.Exists() {
		st.Content += delta.String()
	}
	if fr := gjson.GetBytes(data, "choices.0.finish_reason"); fr.Exists() && fr.Type == gjson.String {
		st.FinishReason = fr.String()
	}
	if u := gjson.GetBytes(data, "usage"); u.Exists() && u.IsObject() {
		if v := u.Get("prompt_tokens"); v.Exists() {
			st.Usage.InputTokens = int(v.Int())
		}
		if v := u.Get("completion_tokens"); v.Exists() {
			st.Usage.OutputTokens = int(v.Int())
		}
	}

	// Anthropic message events.
	switch gjson.GetBytes(data, "type").String() {
	case "message_start":
		if v := gjson.GetBytes(data, "message.usage.input_tokens"); v.Exists() {
			st.Usage.InputTokens = int(v.Int())
		}
	case "content_block_delta":
		st.Content += gjson.GetBytes(data, "delta.text").String()
	case "message_delta":
		if v := gjson.GetBytes(data, "usage.output_tokens"); v.Exists() {
			st.Usage.OutputTokens = int(v.Int())
		}
		if v := gjson.GetBytes(data, "delta.stop_reason"); v.Exists() {
			st.FinishReason = v.String()
		}
	}

	// Google generateContent chunks.
	if parts := gjson.GetBytes(data, "candidates.0.content.parts"); parts.IsArray() {
		for _, p := range parts.Array() {
			st.Content += p.Get("text").String()
		}
		if fr := gjson.GetBytes(data, "candidates.0.finishReason"); fr.String() != "" {
			st.FinishReason = fr.String()
		}
	}
	if um := gjson.GetBytes(data, "usageMetadata"); um.IsObject() {
		if v := um.Get("promptTokenCount"); v.Exists() {
			st.Usage.InputTokens = int(v.Int())
		}
		if v := um.Get("candidatesTokenCount"); v.Exists() {
			st.Usage.OutputTokens = int(v.Int())
		}
	}
}

// ExtractCompletion pulls the assistant text and usage from a complete
// non-streaming provider body, whichever of the three shapes it has.
func ExtractCompletion(body []byte) Stats {
	var st Stats

	switch {
	case gjson.GetBytes(body, "choices").IsArray():
		st.Content = gjson.GetBytes(body, "choices.0.message.content").String()
		st.FinishReason = gjson.GetBytes(body, "choices.0.finish_reason").String()
		st.Usage.InputTokens = int(gjson.GetBytes(body, "usage.prompt_tokens").Int())
		st.Usage.OutputTokens = int(gjson.GetBytes(body, "usage.completion_tokens").Int())

	case gjson.GetBytes(body, "content").IsArray():
		for _, b := range gjson.GetBytes(body, "content").Array() {
			if b.Get("type").String() == "text" {
				st.Content += b.Get("text").String()
			}
		}
		st.FinishReason = gjson.GetBytes(body, "stop_reason").String()
		st.Usage.InputTokens = int(gjson.GetBytes(body, "usage.input_tokens").Int())
		st.Usage.OutputTokens = int(gjson.GetBytes(body, "usage.output_tokens").Int())

	case gjson.GetBytes(body, "candidates").IsArray():
		for _, p := range gjson.GetBytes(body, "candidates.0.content.parts").Array() {
			st.Content += p.Get("text").String()
		}
		st.FinishReason = gjson.GetBytes(body, "candidates.0.finishReason").String()
		st.Usage.InputTokens = int(gjson.GetBytes(body, "usageMetadata.promptTokenCount").Int())
		st.Usage.OutputTokens = int(gjson.GetBytes(body, "usageMetadata.candidatesTokenCount").Int())
	}

	return st
}

// RenderStream writes a translated provider stream to the client as
// OpenAI-shaped chat completion chunks, terminated with [DONE].
func RenderStream(dst *bufio.Writer, id, model string, stream <-chan providers.StreamChunk) Stats {
	var st Stats
	created := time.Now().Unix()

	for chunk := range stream {
		st.Content += chunk.Content
		if chunk.Usage != nil {
			st.Usage = *chunk.Usage
		}
		if chunk.FinishReason != "" {
			st.FinishReason = chunk.FinishReason
		}

		delta := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{
				{
					"index": 0,
					"delta": map[string]string{"content": chunk.Content},
					"finish_reason": func() any {
						if chunk.FinishReason != "" {
							return chunk.FinishReason
						}
						return nil
					}(),
				},
			},
		}
		data, _ := json.Marshal(delta)
		fmt.Fprintf(dst, "data: %s\n\n", data)
		dst.Flush()
	}

	fmt.Fprint(dst, "data: [DONE]\n\n")
	dst.Flush()
	return st
}

type (
	completionUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	completionMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	completionChoice struct {
		Index        int               `json:"index"`
		Message      completionMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	}

	completionEnvelope struct {
		ID      string             `json:"id"`
		Object  string             `json:"object"`
		Created int64              `json:"created"`
		Model   string             `json:"model"`
		Choices []completionChoice `json:"choices"`
		Usage   completionUsage    `json:"usage"`
	}
)

// ChatCompletionJSON wraps a translated provider answer in an OpenAI-shaped
// chat completion envelope.
func ChatCompletionJSON(resp *providers.ChatResponse) ([]byte, error) {
	out := completionEnvelope{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []completionChoice{
			{
				Index:        0,
				Message:      completionMessage{Role: "assistant", Content: resp.Content},
				FinishReason: "stop",
			},
		},
		Usage: completionUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	return json.Marshal(out)
}
