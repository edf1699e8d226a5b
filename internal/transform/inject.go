package transform

import (
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Inject places the formatted memory block into the body's system carrier
// for its shape. Everything else in the body is left byte-identical. An
// empty block returns the body unchanged.
func Inject(body []byte, shape Shape, block string) ([]byte, error) {
	if block == "" {
		return body, nil
	}
	switch shape {
	case ShapeAnthropic:
		return injectAnthropic(body, block)
	case ShapeGoogle:
		return injectGoogle(body, block)
	default:
		return injectOpenAI(body, block)
	}
}

// injectOpenAI prepends the block to the first system message, or unshifts
// a new one when none exists.
func injectOpenAI(body []byte, block string) ([]byte, error) {
	msgs := gjson.GetBytes(body, "messages")
	if msgs.IsArray() {
		for i, m := range msgs.Array() {
			if m.Get("role").String() != "system" {
				continue
			}
			path := "messages." + strconv.Itoa(i) + ".content"
			content := m.Get("content")
			if content.Type == gjson.String {
				return sjson.SetBytes(body, path, block+"\n\n"+content.String())
			}
			// Content-parts array: unshift a text part.
			return unshiftRaw(body, path, textPartJSON(block))
		}
	}

	newMsg, err := sjson.Set(`{"role":"system"}`, "content", block)
	if err != nil {
		return nil, err
	}
	return unshiftRaw(body, "messages", newMsg)
}

// injectAnthropic handles the three forms of the top-level system field:
// string (prepend), block array (unshift a text block), absent (set).
func injectAnthropic(body []byte, block string) ([]byte, error) {
	system := gjson.GetBytes(body, "system")
	switch {
	case system.Type == gjson.String:
		return sjson.SetBytes(body, "system", block+"\n\n"+system.String())
	case system.IsArray():
		return unshiftRaw(body, "system", textBlockJSON(block))
	default:
		return sjson.SetBytes(body, "system", block)
	}
}

// injectGoogle prepends into systemInstruction.parts[0].text, creating the
// instruction when absent.
func injectGoogle(body []byte, block string) ([]byte, error) {
	existing := gjson.GetBytes(body, "systemInstruction.parts.0.text")
	if existing.Exists() {
		return sjson.SetBytes(body, "systemInstruction.parts.0.text", block+"\n\n"+existing.String())
	}
	if gjson.GetBytes(body, "systemInstruction.parts").IsArray() {
		return unshiftRaw(body, "systemInstruction.parts", textPartJSON(block))
	}
	return sjson.SetRawBytes(body, "systemInstruction", []byte(`{"parts":[`+textPartJSON(block)+`]}`))
}

// unshiftRaw prepends rawElem to the JSON array at path, creating the array
// when the path is missing.
func unshiftRaw(body []byte, path, rawElem string) ([]byte, error) {
	arr := gjson.GetBytes(body, path)
	if !arr.Exists() {
		return sjson.SetRawBytes(body, path, []byte("["+rawElem+"]"))
	}
	if !arr.IsArray() {
		return nil, fmt.Errorf("transform: %s is not an array", path)
	}

	raw := arr.Raw
	inner := raw[1 : len(raw)-1]
	if isBlankJSON(inner) {
		return sjson.SetRawBytes(body, path, []byte("["+rawElem+"]"))
	}
	return sjson.SetRawBytes(body, path, []byte("["+rawElem+","+inner+"]"))
}

func isBlankJSON(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
		default:
			return false
		}
	}
	return true
}

func textPartJSON(text string) string {
	out, _ := sjson.Set(`{}`, "text", text)
	return out
}

func textBlockJSON(text string) string {
	out, _ := sjson.Set(`{"type":"text"}`, "text", text)
	return out
}
