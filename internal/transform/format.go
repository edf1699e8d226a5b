package transform

import (
	"fmt"
	"strings"
	"time"

	"github.com/nulpointcorp/memory-router/internal/vault"
)

// Style selects the memory-block markup a model family responds to best.
type Style int

const (
	StyleXML Style = iota
	StyleMarkdown
	StyleBracket
)

// StyleFor picks the markup for a model: markdown for GPT and Grok, bracket
// tags for Llama, XML for Claude, Gemini and everything else.
func StyleFor(model string) Style {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "gpt"), strings.Contains(m, "grok"):
		return StyleMarkdown
	case strings.Contains(m, "llama"):
		return StyleBracket
	default:
		return StyleXML
	}
}

const closingInstruction = "Use this context naturally in your response. " +
	"Do not explicitly mention memory unless asked."

const chunkSeparator = "\n\n---\n\n"

// FormatBlock renders the injectable memory block: the rolling buffer as a
// "[MOST RECENT]" section first, then retrieved chunks newest metadata
// first as ranked, each labelled with relative and absolute time, then the
// usage instruction. Empty input yields an empty string.
func FormatBlock(style Style, buffer string, chunks []vault.Result, now time.Time) string {
	if buffer == "" && len(chunks) == 0 {
		return ""
	}

	var sections []string
	if buffer != "" {
		sections = append(sections, "[MOST RECENT]\n"+buffer)
	}
	for _, r := range chunks {
		ts := time.UnixMilli(r.Chunk.CreatedMs)
		label := fmt.Sprintf("[%s | %s]", relativeTime(now.Sub(ts)), ts.Local().Format("2006-01-02 15:04"))
		sections = append(sections, label+"\n"+r.Chunk.Content)
	}
	body := strings.Join(sections, chunkSeparator)

	switch style {
	case StyleMarkdown:
		return "## Memory Context\n\n" + body + "\n\n" + closingInstruction
	case StyleBracket:
		return "[MEMORY]\n" + body + "\n[/MEMORY]\n" + closingInstruction
	default:
		return "<memory_context>\n" + body + "\n</memory_context>\n" + closingInstruction
	}
}

// relativeTime renders an age as the coarsest sensible unit.
func relativeTime(age time.Duration) string {
	if age < 0 {
		age = 0
	}
	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return plural(int(age.Minutes()), "min ago", "min ago")
	case age < 24*time.Hour:
		return plural(int(age.Hours()), "hour ago", "hours ago")
	case age < 7*24*time.Hour:
		return plural(int(age.Hours()/24), "day ago", "days ago")
	case age < 30*24*time.Hour:
		return plural(int(age.Hours()/(24*7)), "week ago", "weeks ago")
	case age < 365*24*time.Hour:
		return plural(int(age.Hours()/(24*30)), "month ago", "months ago")
	default:
		return plural(int(age.Hours()/(24*365)), "year ago", "years ago")
	}
}

func plural(n int, one, many string) string {
	if n <= 1 {
		return fmt.Sprintf("1 %s", one)
	}
	return fmt.Sprintf("%d %s", n, many)
}
