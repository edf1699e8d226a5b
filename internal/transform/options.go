package transform

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Mode gates the two halves of the memory pipeline.
type Mode string

const (
	ModeDefault Mode = "default" // retrieve and store
	ModeRead    Mode = "read"    // retrieve only
	ModeWrite   Mode = "write"   // store only
	ModeOff     Mode = "off"     // neither
)

// ParseMode folds the accepted spellings ("on", "none", …) onto a Mode.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "default", "on":
		return ModeDefault, true
	case "read":
		return ModeRead, true
	case "write":
		return ModeWrite, true
	case "off", "none":
		return ModeOff, true
	}
	return ModeDefault, false
}

// Retrieves reports whether retrieval runs under this mode.
func (m Mode) Retrieves() bool { return m == ModeDefault || m == ModeRead }

// Stores reports whether storage runs under this mode.
func (m Mode) Stores() bool { return m == ModeDefault || m == ModeWrite }

const (
	defaultContextLimit = 30
	maxContextLimit     = 100000
)

// Options are the harvested per-request memory settings.
type Options struct {
	Mode          Mode
	ContextLimit  int
	StoreInput    bool
	StoreResponse bool
	SessionID     string
	Stream        bool
}

// HeaderGetter abstracts the request header lookup (fasthttp and tests).
type HeaderGetter func(key string) string

// bodyFields are the MR-only top-level fields, stripped before forwarding.
var bodyFields = []string{
	"memory_mode",
	"context_limit",
	"store_input",
	"store_response",
	"session_id",
}

// Extract harvests memory options from headers and body (body wins), strips
// every MR-only field from a clone of the body, and returns the clean body
// alongside the options. Per-message "memory": false flags are recorded on
// the extracted messages (ExtractMessages) and stripped here.
func Extract(body []byte, header HeaderGetter) ([]byte, Options, error) {
	opts := Options{
		Mode:          ModeDefault,
		ContextLimit:  defaultContextLimit,
		StoreInput:    true,
		StoreResponse: true,
	}

	if m, ok := ParseMode(header("X-Memory-Mode")); ok {
		opts.Mode = m
	}
	if v := header("X-Context-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.ContextLimit = clampLimit(n)
		}
	}
	if v := header("X-Store-Input"); v != "" {
		opts.StoreInput = parseBool(v, true)
	}
	if v := header("X-Store-Response"); v != "" {
		opts.StoreResponse = parseBool(v, true)
	}
	opts.SessionID = header("X-Session-ID")

	if r := gjson.GetBytes(body, "memory_mode"); r.Exists() {
		if m, ok := ParseMode(r.String()); ok {
			opts.Mode = m
		}
	}
	if r := gjson.GetBytes(body, "context_limit"); r.Exists() {
		opts.ContextLimit = clampLimit(int(r.Int()))
	}
	if r := gjson.GetBytes(body, "store_input"); r.Exists() {
		opts.StoreInput = r.Bool()
	}
	if r := gjson.GetBytes(body, "store_response"); r.Exists() {
		opts.StoreResponse = r.Bool()
	}
	if r := gjson.GetBytes(body, "session_id"); r.Exists() {
		opts.SessionID = r.String()
	}
	opts.Stream = gjson.GetBytes(body, "stream").Bool()

	clean := body
	var err error
	for _, f := range bodyFields {
		if gjson.GetBytes(clean, f).Exists() {
			if clean, err = sjson.DeleteBytes(clean, f); err != nil {
				return nil, Options{}, err
			}
		}
	}
	clean, err = stripMessageFlags(clean)
	if err != nil {
		return nil, Options{}, err
	}

	return clean, opts, nil
}

// stripMessageFlags removes the per-message "memory" flag from whichever
// messages carrier the body uses.
func stripMessageFlags(body []byte) ([]byte, error) {
	var err error
	for _, carrier := range []string{"messages", "contents"} {
		arr := gjson.GetBytes(body, carrier)
		if !arr.IsArray() {
			continue
		}
		for i, m := range arr.Array() {
			if m.Get("memory").Exists() {
				body, err = sjson.DeleteBytes(body, carrier+"."+strconv.Itoa(i)+".memory")
				if err != nil {
					return nil, err
				}
			}
		}
	}
	return body, nil
}

func clampLimit(n int) int {
	if n < 1 {
		return 1
	}
	if n > maxContextLimit {
		return maxContextLimit
	}
	return n
}

func parseBool(s string, def bool) bool {
	b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return def
	}
	return b
}
