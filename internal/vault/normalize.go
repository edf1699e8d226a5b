package vault

import "strings"

// Record is one bulk-import line ({content, role?, timestamp?}).
type Record struct {
	Content     string `json:"content"`
	Role        string `json:"role,omitempty"`
	TimestampMs int64  `json:"timestamp,omitempty"`
}

// splitThreshold is the size above which an import record is split instead
// of combined (1.5 times the chunk target).
const splitThreshold = targetTokens * 3 / 2

// Normalize reshapes bulk-import records toward the chunk target: runs of
// small records are combined until they reach targetTokens, and any record
// above 1.5x the target is split at sentence boundaries. Role and timestamp
// of a combined record come from its first member; split pieces inherit
// both from the original.
func Normalize(records []Record) []Record {
	out := make([]Record, 0, len(records))

	var acc Record
	flush := func() {
		if acc.Content != "" {
			out = append(out, acc)
			acc = Record{}
		}
	}

	for _, r := range records {
		if strings.TrimSpace(r.Content) == "" {
			continue
		}
		if EstimateTokens(r.Content) > splitThreshold {
			flush()
			for _, piece := range splitLarge(r.Content) {
				out = append(out, Record{Content: piece, Role: r.Role, TimestampMs: r.TimestampMs})
			}
			continue
		}

		if acc.Content == "" {
			acc = r
		} else {
			acc.Content += "\n" + r.Content
		}
		if EstimateTokens(acc.Content) >= targetTokens {
			flush()
		}
	}
	flush()

	return out
}

// splitLarge cuts oversized content into chunk-target pieces using the same
// sentence-boundary rule as the rolling buffer, without overlap.
func splitLarge(content string) []string {
	var out []string
	rest := content
	for EstimateTokens(rest) > splitThreshold {
		cut := findCut(rest)
		if cut <= 0 || cut >= len(rest) {
			break
		}
		out = append(out, rest[:cut])
		rest = rest[cut:]
	}
	if rest != "" {
		out = append(out, rest)
	}
	return out
}
