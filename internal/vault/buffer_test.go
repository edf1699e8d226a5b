package vault

import (
	"strings"
	"testing"
)

// sentences builds n short sentences of predictable size.
func sentences(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString("This is a reasonably sized test sentence for chunking. ")
	}
	return b.String()
}

func TestStoreChunkedBelowTargetBuffers(t *testing.T) {
	v := New("mk_test/core", 4)

	out := v.StoreChunked("short message")
	if len(out) != 0 {
		t.Fatalf("emitted %d chunks for a short message", len(out))
	}
	if v.BufferText() != "short message" {
		t.Fatalf("buffer = %q", v.BufferText())
	}
}

func TestStoreChunkedCutsAtSentenceBoundary(t *testing.T) {
	v := New("mk_test/core", 4)

	out := v.StoreChunked(sentences(40)) // ~2200 chars
	if len(out) == 0 {
		t.Fatal("no chunks emitted above the target size")
	}
	for i, chunk := range out {
		if !strings.HasSuffix(strings.TrimRight(chunk, " "), ".") {
			t.Fatalf("chunk %d does not end at a sentence boundary: …%q", i, chunk[len(chunk)-20:])
		}
		if len(chunk) < cutWindowLo {
			t.Fatalf("chunk %d has %d chars, below the cut window floor %d", i, len(chunk), cutWindowLo)
		}
		if len(chunk) > cutWindowHi+overlapChars {
			t.Fatalf("chunk %d has %d chars, above window ceiling plus overlap", i, len(chunk))
		}
	}
}

func TestStoreChunkedOverlap(t *testing.T) {
	v := New("mk_test/core", 4)

	out := v.StoreChunked(sentences(60))
	if len(out) < 2 {
		t.Fatalf("need at least 2 chunks, got %d", len(out))
	}

	first, second := out[0], out[1]
	tail := first
	if len(tail) > overlapChars {
		tail = tail[len(tail)-overlapChars:]
	}
	if !strings.HasPrefix(second, tail) {
		t.Fatalf("second chunk does not start with the first chunk's trailing overlap")
	}
}

func TestStoreChunkedFallsBackToSpaces(t *testing.T) {
	v := New("mk_test/core", 4)

	// No sentence punctuation at all.
	words := strings.Repeat("word ", 500)
	out := v.StoreChunked(words)
	if len(out) == 0 {
		t.Fatal("no chunks emitted")
	}
	for i, chunk := range out {
		if !strings.HasSuffix(chunk, " ") {
			t.Fatalf("chunk %d did not cut at a space", i)
		}
	}
}

func TestStoreChunkedLossless(t *testing.T) {
	// Whether the text arrives in one call or in many, stripping each
	// chunk's overlap seed and concatenating must reproduce the input.
	text := sentences(80)

	whole := New("mk_test/core", 4)
	wholeChunks := whole.StoreChunked(text)
	if got := reconstruct(t, wholeChunks, whole.BufferText()); got != text {
		t.Fatalf("whole feed lost text: rebuilt %d chars from %d", len(got), len(text))
	}

	split := New("mk_test/core", 4)
	var splitChunks []string
	for i := 0; i < len(text); i += 101 {
		end := i + 101
		if end > len(text) {
			end = len(text)
		}
		splitChunks = append(splitChunks, split.StoreChunked(text[i:end])...)
	}
	if got := reconstruct(t, splitChunks, split.BufferText()); got != text {
		t.Fatalf("split feed lost text: rebuilt %d chars from %d", len(got), len(text))
	}
}

// reconstruct undoes the overlap seeding: every chunk after the first, and
// the residual buffer, starts with the previous chunk's trailing overlap.
func reconstruct(t *testing.T, chunks []string, buf string) string {
	t.Helper()
	if len(chunks) == 0 {
		return buf
	}
	out := chunks[0]
	prev := chunks[0]
	for i, c := range chunks[1:] {
		seed := tailSeed(prev)
		if !strings.HasPrefix(c, seed) {
			t.Fatalf("chunk %d does not start with the previous chunk's overlap", i+1)
		}
		out += c[len(seed):]
		prev = c
	}
	seed := tailSeed(prev)
	if !strings.HasPrefix(buf, seed) {
		t.Fatal("residual buffer does not start with the last chunk's overlap")
	}
	return out + buf[len(seed):]
}

func tailSeed(s string) string {
	if len(s) <= overlapChars {
		return s
	}
	return s[len(s)-overlapChars:]
}

func TestStoreChunkedMultibyteSafety(t *testing.T) {
	v := New("mk_test/core", 4)

	out := v.StoreChunked(strings.Repeat("héllo wörld ", 200))
	for i, chunk := range out {
		if !utf8ValidString(chunk) {
			t.Fatalf("chunk %d contains a split rune", i)
		}
	}
	if !utf8ValidString(v.BufferText()) {
		t.Fatal("buffer contains a split rune")
	}
}

func utf8ValidString(s string) bool {
	return strings.ToValidUTF8(s, "�") == s
}

// ── bulk-import normaliser ──

func TestNormalizeCombinesSmallRecords(t *testing.T) {
	var recs []Record
	for i := 0; i < 30; i++ {
		recs = append(recs, Record{Content: sentences(2), Role: "user", TimestampMs: int64(100 + i)})
	}

	out := Normalize(recs)
	if len(out) == 0 || len(out) >= len(recs) {
		t.Fatalf("Normalize produced %d records from %d, expected consolidation", len(out), len(recs))
	}
	for i, r := range out[:len(out)-1] {
		if EstimateTokens(r.Content) < targetTokens {
			t.Fatalf("combined record %d has %d tokens, below target", i, EstimateTokens(r.Content))
		}
	}
	if out[0].TimestampMs != 100 {
		t.Fatalf("combined record lost its first member's timestamp: %d", out[0].TimestampMs)
	}
}

func TestNormalizeSplitsLargeRecords(t *testing.T) {
	big := Record{Content: sentences(60), Role: "assistant", TimestampMs: 42}

	out := Normalize([]Record{big})
	if len(out) < 2 {
		t.Fatalf("oversized record was not split, got %d records", len(out))
	}
	for i, r := range out {
		if EstimateTokens(r.Content) > splitThreshold {
			t.Fatalf("piece %d still oversized: %d tokens", i, EstimateTokens(r.Content))
		}
		if r.Role != "assistant" || r.TimestampMs != 42 {
			t.Fatalf("piece %d lost metadata: %+v", i, r)
		}
	}
}

func TestNormalizeSkipsBlankRecords(t *testing.T) {
	out := Normalize([]Record{{Content: "   "}, {Content: ""}, {Content: "real"}})
	if len(out) != 1 || out[0].Content != "real" {
		t.Fatalf("Normalize = %+v", out)
	}
}
