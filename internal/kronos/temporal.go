package kronos

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Intent is the result of temporal-phrase detection on a query. Start/End
// are zero when the phrase implies "the past" without a concrete range
// ("earlier", "previously", …).
type Intent struct {
	Temporal bool
	Start    time.Time
	End      time.Time
}

// HasRange reports whether the intent carries an explicit window.
func (i Intent) HasRange() bool { return i.Temporal && !i.Start.IsZero() }

var (
	daysAgoRe = regexp.MustCompile(`\b(\d+)\s+days?\s+ago\b`)
	whenDidRe = regexp.MustCompile(`\bwhen did (i|we)\b`)

	// Phrases that flag the query as temporal without pinning a range.
	vaguePhrases = []string{
		"earlier",
		"remember when",
		"previously",
		"before",
		"recent",
		"recently",
	}

	months = map[string]time.Month{
		"january": time.January, "february": time.February, "march": time.March,
		"april": time.April, "may": time.May, "june": time.June,
		"july": time.July, "august": time.August, "september": time.September,
		"october": time.October, "november": time.November, "december": time.December,
	}
)

// DetectIntent scans query for temporal phrases, case-insensitively, and
// derives an explicit window relative to ref where the phrase allows.
func DetectIntent(query string, ref time.Time) Intent {
	q := strings.ToLower(query)
	day := startOfDay(ref)

	switch {
	case strings.Contains(q, "last week"):
		return Intent{Temporal: true, Start: ref.AddDate(0, 0, -7), End: ref}

	case strings.Contains(q, "last month"):
		return Intent{Temporal: true, Start: ref.AddDate(0, -1, 0), End: ref}

	case strings.Contains(q, "yesterday"):
		return Intent{Temporal: true, Start: day.AddDate(0, 0, -1), End: day}

	case strings.Contains(q, "this morning"):
		return Intent{Temporal: true, Start: day, End: day.Add(12 * time.Hour)}

	case strings.Contains(q, "tonight"):
		return Intent{Temporal: true, Start: day, End: day.AddDate(0, 0, 1)}
	}

	if m := daysAgoRe.FindStringSubmatch(q); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			start := day.AddDate(0, 0, -n)
			return Intent{Temporal: true, Start: start, End: start.AddDate(0, 0, 1)}
		}
	}

	if name, month := findMonth(q); name != "" {
		start := mostRecentMonth(ref, month)
		return Intent{Temporal: true, Start: start, End: start.AddDate(0, 1, 0)}
	}

	if whenDidRe.MatchString(q) {
		return Intent{Temporal: true}
	}
	for _, p := range vaguePhrases {
		if strings.Contains(q, p) {
			return Intent{Temporal: true}
		}
	}
	return Intent{}
}

// findMonth matches "in <month-name>"; a bare month name is too ambiguous
// ("may", "march" as verbs).
func findMonth(q string) (string, time.Month) {
	for name, m := range months {
		if strings.Contains(q, "in "+name) {
			return name, m
		}
	}
	return "", 0
}

// mostRecentMonth returns the start of the latest occurrence of month at or
// before ref.
func mostRecentMonth(ref time.Time, month time.Month) time.Time {
	year := ref.Year()
	if month > ref.Month() {
		year--
	}
	return time.Date(year, month, 1, 0, 0, 0, 0, ref.Location())
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
