// Package truncate enforces the model's context budget before dispatch.
// Conversation messages and retrieved memory chunks are dropped in a fixed
// priority order until the estimate fits under 95% of the model's window.
package truncate

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nulpointcorp/memory-router/internal/transform"
	"github.com/nulpointcorp/memory-router/internal/vault"
)

const safetyMargin = 0.95

// Age edges for the chunk drop categories. These are drop priorities, not
// retrieval windows: archive memory goes first, hot memory last.
const (
	hotEdge     = 15 * time.Minute
	workingEdge = 4 * time.Hour
	archiveEdge = 3 * 24 * time.Hour
)

// Details counts what each category lost, for the response header.
type Details struct {
	Messages int
	Archive  int
	LongTerm int
	Working  int
	Hot      int
}

func (d Details) String() string {
	var parts []string
	add := func(name string, n int) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", name, n))
		}
	}
	add("messages", d.Messages)
	add("archive", d.Archive)
	add("long_term", d.LongTerm)
	add("working", d.Working)
	add("hot", d.Hot)
	return strings.Join(parts, ",")
}

// Result is the truncation outcome. DroppedMessages holds original message
// indices so the caller can delete them from the raw forwarded body.
type Result struct {
	Messages        []transform.Message
	DroppedMessages []int
	Chunks          []vault.Result
	Truncated       bool
	TokensRemoved   int
	Details         Details
}

// Truncate fits messages plus memory chunks under the model's budget.
// Drop order: oldest conversation messages (system messages and the most
// recent user message are untouchable), then chunks by age class from
// archive down to hot.
func Truncate(model string, msgs []transform.Message, chunks []vault.Result, now time.Time) Result {
	budget := int(safetyMargin * float64(WindowFor(model)))

	res := Result{Messages: msgs, Chunks: chunks}
	total := 0
	for _, m := range msgs {
		total += messageTokens(m.Content)
	}
	for _, c := range chunks {
		total += chunkTokens(c.Chunk.Content)
	}
	if total <= budget {
		return res
	}

	keepMsg := make([]bool, len(msgs))
	for i := range keepMsg {
		keepMsg[i] = true
	}
	lastUser := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			lastUser = i
			break
		}
	}

	// 1. Oldest conversation messages.
	for i := 0; i < len(msgs) && total > budget; i++ {
		if msgs[i].Role == "system" || i == lastUser {
			continue
		}
		keepMsg[i] = false
		total -= messageTokens(msgs[i].Content)
		res.Details.Messages++
	}

	// 2-5. Chunks by age class, oldest first within each.
	keepChunk := make([]bool, len(chunks))
	for i := range keepChunk {
		keepChunk[i] = true
	}
	order := make([]int, len(chunks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return chunks[order[a]].Chunk.CreatedMs < chunks[order[b]].Chunk.CreatedMs
	})

	drop := func(minAge, maxAge time.Duration, count *int) {
		for _, i := range order {
			if total <= budget {
				return
			}
			if !keepChunk[i] {
				continue
			}
			age := now.Sub(time.UnixMilli(chunks[i].Chunk.CreatedMs))
			if age <= minAge || (maxAge > 0 && age > maxAge) {
				continue
			}
			keepChunk[i] = false
			total -= chunkTokens(chunks[i].Chunk.Content)
			*count++
		}
	}
	drop(archiveEdge, 0, &res.Details.Archive)
	drop(workingEdge, archiveEdge, &res.Details.LongTerm)
	drop(hotEdge, workingEdge, &res.Details.Working)
	// Hot is the last resort; future-dated timestamps land here too.
	drop(time.Duration(math.MinInt64), hotEdge, &res.Details.Hot)

	kept := make([]transform.Message, 0, len(msgs))
	for i, m := range msgs {
		if keepMsg[i] {
			kept = append(kept, m)
		} else {
			res.DroppedMessages = append(res.DroppedMessages, i)
		}
	}
	keptChunks := make([]vault.Result, 0, len(chunks))
	for i, c := range chunks {
		if keepChunk[i] {
			keptChunks = append(keptChunks, c)
		}
	}

	before := 0
	for _, m := range msgs {
		before += messageTokens(m.Content)
	}
	for _, c := range chunks {
		before += chunkTokens(c.Chunk.Content)
	}

	res.Messages = kept
	res.Chunks = keptChunks
	res.Truncated = len(res.DroppedMessages) > 0 || len(keptChunks) < len(chunks)
	res.TokensRemoved = before - total
	return res
}

// WindowFor returns the context-window size for a model, falling back to
// family heuristics for unknown names.
func WindowFor(model string) int {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"):
		return 200_000
	case strings.Contains(m, "gpt-4o"):
		return 128_000
	case strings.Contains(m, "gpt-4"):
		return 8_192
	case strings.Contains(m, "gpt-3.5"):
		return 16_384
	case strings.Contains(m, "gemini"):
		return 1_000_000
	case strings.Contains(m, "grok"):
		return 131_072
	case strings.Contains(m, "llama"):
		return 128_000
	case strings.Contains(m, "mistral"):
		return 32_768
	default:
		return 8_192
	}
}

// messageTokens estimates one message: ceil(chars/4) * 1.1 plus 4 tokens of
// role overhead.
func messageTokens(content string) int {
	return int(math.Ceil(float64((len(content)+3)/4)*1.1)) + 4
}

// chunkTokens estimates one memory chunk (no role overhead).
func chunkTokens(content string) int {
	return int(math.Ceil(float64((len(content)+3)/4) * 1.1))
}
