package relay

import "errors"

// Filter is the predicate a store query applies.
type Filter struct {
	Role RoleFilter
	// Country is matched exactly against the stored value; empty means any.
	Country string
	Limit   int
}

func (f *Filter) Validate() error {
	if f.Role == "" {
		f.Role = RoleFilterAll
	}
	if !f.Role.Valid() {
		return errors.New("invalid role filter")
	}
	if f.Limit <= 0 {
		return errors.New("limit must be greater than 0")
	}
	return nil
}

// Stats aggregates the store. Exits and Guards count raw flag tags, so a
// relay flagged both Exit and Guard is counted in both.
type Stats struct {
	Total    int64 `json:"total"`
	Mapped   int64 `json:"mapped"`
	Unmapped int64 `json:"unmapped"`
	Exits    int64 `json:"exits"`
	Guards   int64 `json:"guards"`
}

// Dedupe keeps the last occurrence of each fingerprint, preserving the
// position of that last occurrence.
func Dedupe(relays []Relay) []Relay {
	last := make(map[string]int, len(relays))
	for i, r := range relays {
		last[r.Fingerprint] = i
	}
	if len(last) == len(relays) {
		return relays
	}
	out := make([]Relay, 0, len(last))
	for i, r := range relays {
		if last[r.Fingerprint] == i {
			out = append(out, r)
		}
	}
	return out
}
