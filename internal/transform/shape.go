// Package transform normalises request bodies across provider shapes:
// shape detection, memory-option harvesting, MR-field stripping, and memory
// injection into the shape's system carrier. All edits happen on the raw
// JSON bytes so forwarded payloads lose nothing but the deliberately
// stripped fields.
package transform

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Shape is the wire format of an inbound request body.
type Shape int

const (
	ShapeOpenAI Shape = iota
	ShapeAnthropic
	ShapeGoogle
)

func (s Shape) String() string {
	switch s {
	case ShapeAnthropic:
		return "anthropic"
	case ShapeGoogle:
		return "google"
	default:
		return "openai"
	}
}

// DetectShape classifies a request body: a contents array means Google, a
// claude model or top-level string system means Anthropic, anything else is
// OpenAI-compatible.
func DetectShape(body []byte) Shape {
	if gjson.GetBytes(body, "contents").IsArray() {
		return ShapeGoogle
	}
	if strings.HasPrefix(gjson.GetBytes(body, "model").String(), "claude") {
		return ShapeAnthropic
	}
	if gjson.GetBytes(body, "system").Type == gjson.String {
		return ShapeAnthropic
	}
	return ShapeOpenAI
}
