// Package kronos implements time-windowed memory retrieval: chunks are
// partitioned by age into HOT / WORKING / LONG_TERM / EXPIRED windows, a
// slot budget is allocated across the live windows by recency bias, and one
// search per (vault, window) runs in parallel.
package kronos

import (
	"strings"
	"time"

	"github.com/nulpointcorp/memory-router/internal/vault"
)

// Window is an age class measured at query time.
type Window int

const (
	Hot Window = iota
	Working
	LongTerm
	Expired
)

func (w Window) String() string {
	switch w {
	case Hot:
		return "hot"
	case Working:
		return "working"
	case LongTerm:
		return "long_term"
	default:
		return "expired"
	}
}

// Config holds the window cutoffs. SessionHot applies to session-scoped
// vaults in place of Hot.
type Config struct {
	Hot        time.Duration
	SessionHot time.Duration
	Working    time.Duration
	LongTerm   time.Duration
}

// DefaultConfig mirrors the production defaults (4h/12h/3d/90d).
func DefaultConfig() Config {
	return Config{
		Hot:        4 * time.Hour,
		SessionHot: 12 * time.Hour,
		Working:    3 * 24 * time.Hour,
		LongTerm:   90 * 24 * time.Hour,
	}
}

// hotFor picks the HOT cutoff for a vault by name. Session vaults carry a
// wider HOT window so a long-running conversation stays in the freshest
// class.
func (c Config) hotFor(vaultName string) time.Duration {
	if strings.Contains(vaultName, vault.SessionScopePrefix) && c.SessionHot > 0 {
		return c.SessionHot
	}
	return c.Hot
}

// Classify places a chunk timestamp into a window relative to now.
// Future-dated timestamps (clock skew) clamp to HOT. HOT's upper edge is
// inclusive; each following window owns (previous edge, own edge].
func (c Config) Classify(createdMs int64, now time.Time, vaultName string) Window {
	age := now.Sub(time.UnixMilli(createdMs))
	switch {
	case age <= c.hotFor(vaultName):
		return Hot
	case age <= c.Working:
		return Working
	case age <= c.LongTerm:
		return LongTerm
	default:
		return Expired
	}
}

// Bounds returns the inclusive Unix-ms search filter for a window. HOT has
// no upper bound so clamped future timestamps stay reachable.
func (c Config) Bounds(w Window, now time.Time, vaultName string) vault.SearchFilter {
	hotFloor := now.Add(-c.hotFor(vaultName)).UnixMilli()
	switch w {
	case Hot:
		return vault.SearchFilter{MinTimestamp: hotFloor}
	case Working:
		return vault.SearchFilter{
			MinTimestamp: now.Add(-c.Working).UnixMilli(),
			MaxTimestamp: hotFloor - 1,
		}
	case LongTerm:
		return vault.SearchFilter{
			MinTimestamp: now.Add(-c.LongTerm).UnixMilli(),
			MaxTimestamp: now.Add(-c.Working).UnixMilli() - 1,
		}
	default:
		// Expired is never searched.
		return vault.SearchFilter{MinTimestamp: -1, MaxTimestamp: -1}
	}
}
