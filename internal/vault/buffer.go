package vault

import "unicode/utf8"

// Chunking constants. Chunks target ~300 tokens with a small overlap so
// neighbouring chunks share context; 4 chars per token is the same estimate
// used by token accounting everywhere else.
const (
	targetTokens  = 300
	overlapTokens = 30
	charsPerToken = 4

	targetChars  = targetTokens * charsPerToken
	overlapChars = overlapTokens * charsPerToken

	// Cut positions are constrained to this window so chunks stay near the
	// target size even when the text has no convenient sentence ends.
	cutWindowLo = targetChars * 8 / 10  // 0.8 * target
	cutWindowHi = targetChars * 11 / 10 // 1.1 * target
)

// buffer is the rolling text accumulator behind StoreChunked. It is not
// locked itself; the owning vault's mutex guards it.
type buffer struct {
	text string
}

// add concatenates content onto the buffer and cuts off full chunks while
// the buffer holds at least targetTokens. Each cut prefix is returned; the
// buffer is re-seeded with the prefix's trailing overlap so successive
// chunks share context.
func (b *buffer) add(content string) []string {
	b.text += content

	var out []string
	for EstimateTokens(b.text) >= targetTokens {
		cut := findCut(b.text)
		if cut <= 0 || cut > len(b.text) {
			break
		}
		prefix := b.text[:cut]
		out = append(out, prefix)

		seed := prefix
		if len(seed) > overlapChars {
			start := len(seed) - overlapChars
			for start < len(seed) && !utf8.RuneStart(seed[start]) {
				start++
			}
			seed = seed[start:]
		}
		b.text = seed + b.text[cut:]

		// The seed alone can never reach the target, so the loop strictly
		// shrinks the buffer and terminates.
		if len(b.text) <= len(seed) {
			break
		}
	}
	return out
}

// findCut picks the cut position inside [cutWindowLo, cutWindowHi]:
// the last sentence end (". ! ?" followed by whitespace or end of text),
// else the last space, else the window's upper edge.
func findCut(s string) int {
	hi := cutWindowHi
	if hi > len(s) {
		hi = len(s)
	}
	lo := cutWindowLo
	if lo >= hi {
		return hi
	}

	for i := hi - 1; i >= lo; i-- {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 == len(s) || isSpace(s[i+1]) {
				return i + 1
			}
		}
	}
	for i := hi - 1; i >= lo; i-- {
		if isSpace(s[i]) {
			return i + 1
		}
	}
	return runeFloor(s, hi)
}

// StoreChunked concatenates content onto the vault's rolling buffer and
// returns any full chunks cut off by the append. The caller embeds each
// returned text and passes it to Store.
func (v *Vault) StoreChunked(content string) []string {
	if content == "" {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	out := v.buf.add(content)
	v.dirty = true
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// runeFloor backs i off to the nearest rune boundary so a byte-positioned
// cut never splits a multi-byte rune.
func runeFloor(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
