// Package relay defines the relay record kept by the map, its derived role,
// and the filters and aggregates the store answers.
package relay

import (
	"strings"
)

const (
	FlagExit  = "Exit"
	FlagGuard = "Guard"

	// FlagSeparator joins flag tags in their persisted form.
	FlagSeparator = ","
)

// Location is a resolved coordinate pair. A relay either has both
// coordinates or neither.
type Location struct {
	Latitude  float64
	Longitude float64
}

type Relay struct {
	Fingerprint string
	Nickname    string
	Address     string
	Flags       []string
	Bandwidth   *int64
	LastSeen    string

	Location *Location
	Country  string
	City     string
}

// Role is derived from Flags on every call and is never persisted.
func (r Relay) Role() Role {
	return ClassifyRole(r.Flags)
}

func (r Relay) HasFlag(tag string) bool {
	for _, f := range r.Flags {
		if f == tag {
			return true
		}
	}
	return false
}

// Mapped reports whether the relay has coordinates.
func (r Relay) Mapped() bool {
	return r.Location != nil
}

// ClearGeo resets every geographic field to absent.
func (r *Relay) ClearGeo() {
	r.Location = nil
	r.Country = ""
	r.City = ""
}

// NormalizeFlags trims tags, drops empty ones and collapses duplicates while
// keeping first-seen order. Tags containing the separator are split.
func NormalizeFlags(flags []string) []string {
	if len(flags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(flags))
	out := make([]string, 0, len(flags))
	for _, raw := range flags {
		for _, f := range strings.Split(raw, FlagSeparator) {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// JoinFlags serializes flags for storage.
func JoinFlags(flags []string) string {
	return strings.Join(NormalizeFlags(flags), FlagSeparator)
}

// SplitFlags reconstitutes flags from their stored form.
func SplitFlags(s string) []string {
	if s == "" {
		return nil
	}
	return NormalizeFlags(strings.Split(s, FlagSeparator))
}
