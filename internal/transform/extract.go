package transform

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Message is a flattened conversation entry. NoStore marks messages the
// caller excluded from storage with "memory": false; they are still
// forwarded.
type Message struct {
	Role    string
	Content string
	NoStore bool
}

// queryTurns is how many trailing conversation turns feed the retrieval
// query.
const queryTurns = 3

// ExtractMessages flattens the body's messages carrier into plain text
// entries, whatever the shape.
func ExtractMessages(body []byte, shape Shape) []Message {
	carrier := "messages"
	if shape == ShapeGoogle {
		carrier = "contents"
	}

	arr := gjson.GetBytes(body, carrier)
	if !arr.IsArray() {
		return nil
	}

	var out []Message
	for _, m := range arr.Array() {
		msg := Message{Role: m.Get("role").String()}
		if mem := m.Get("memory"); mem.Exists() && !mem.Bool() {
			msg.NoStore = true
		}
		if shape == ShapeGoogle {
			msg.Content = joinTexts(m.Get("parts"))
		} else {
			msg.Content = contentText(m.Get("content"))
		}
		out = append(out, msg)
	}
	return out
}

// contentText renders a string-or-blocks content field as plain text.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var parts []string
		for _, block := range content.Array() {
			if t := block.Get("text"); t.Exists() {
				parts = append(parts, t.String())
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func joinTexts(parts gjson.Result) string {
	var out []string
	for _, p := range parts.Array() {
		if t := p.Get("text"); t.Exists() {
			out = append(out, t.String())
		}
	}
	return strings.Join(out, "\n")
}

// SystemText returns the body's system instruction as plain text, whichever
// carrier the shape uses.
func SystemText(body []byte, shape Shape) string {
	switch shape {
	case ShapeGoogle:
		return joinTexts(gjson.GetBytes(body, "systemInstruction.parts"))
	case ShapeAnthropic:
		return contentText(gjson.GetBytes(body, "system"))
	default:
		for _, m := range ExtractMessages(body, ShapeOpenAI) {
			if m.Role == "system" {
				return m.Content
			}
		}
		return ""
	}
}

// BuildQuery assembles the retrieval query: the system instruction text for
// Anthropic and Google bodies, then the last few conversation turns.
func BuildQuery(body []byte, shape Shape) string {
	var parts []string
	if shape == ShapeAnthropic || shape == ShapeGoogle {
		if sys := SystemText(body, shape); sys != "" {
			parts = append(parts, sys)
		}
	}

	msgs := ExtractMessages(body, shape)
	var turns []string
	for i := len(msgs) - 1; i >= 0 && len(turns) < queryTurns; i-- {
		if msgs[i].Role == "system" || msgs[i].Content == "" {
			continue
		}
		turns = append(turns, msgs[i].Content)
	}
	for i := len(turns) - 1; i >= 0; i-- {
		parts = append(parts, turns[i])
	}
	return strings.Join(parts, "\n")
}

// LastUserMessage returns the most recent user-role message, if any.
func LastUserMessage(msgs []Message) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i], true
		}
	}
	return Message{}, false
}
