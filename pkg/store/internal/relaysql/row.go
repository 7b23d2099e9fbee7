package relaysql

import "github.com/malbeclabs/relaymap/pkg/relay"

// Row is the persisted form of a relay. Nil pointers are NULL columns.
type Row struct {
	Fingerprint string
	Nickname    *string
	Address     *string
	Flags       *string
	Bandwidth   *int64
	LastSeen    *string
	Latitude    *float64
	Longitude   *float64
	Country     *string
	City        *string
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func FromRelay(r relay.Relay) Row {
	flags := relay.JoinFlags(r.Flags)
	row := Row{
		Fingerprint: r.Fingerprint,
		Nickname:    nullable(r.Nickname),
		Address:     nullable(r.Address),
		Flags:       &flags,
		Bandwidth:   r.Bandwidth,
		LastSeen:    nullable(r.LastSeen),
		Country:     nullable(r.Country),
		City:        nullable(r.City),
	}
	if r.Location != nil {
		lat, lon := r.Location.Latitude, r.Location.Longitude
		row.Latitude = &lat
		row.Longitude = &lon
	}
	return row
}

func arg[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// Args returns bind values in Columns order, with untyped nil for NULL.
func (r Row) Args() []any {
	return []any{
		r.Fingerprint,
		arg(r.Nickname),
		arg(r.Address),
		value(r.Flags),
		arg(r.Bandwidth),
		arg(r.LastSeen),
		arg(r.Latitude),
		arg(r.Longitude),
		arg(r.Country),
		arg(r.City),
	}
}

// Dest returns scan targets in Columns order.
func (r *Row) Dest() []any {
	return []any{
		&r.Fingerprint,
		&r.Nickname,
		&r.Address,
		&r.Flags,
		&r.Bandwidth,
		&r.LastSeen,
		&r.Latitude,
		&r.Longitude,
		&r.Country,
		&r.City,
	}
}

// Relay rebuilds the domain record. Coordinates are only attached when both
// are present.
func (r Row) Relay() relay.Relay {
	out := relay.Relay{
		Fingerprint: r.Fingerprint,
		Nickname:    value(r.Nickname),
		Address:     value(r.Address),
		Flags:       relay.SplitFlags(value(r.Flags)),
		Bandwidth:   r.Bandwidth,
		LastSeen:    value(r.LastSeen),
		Country:     value(r.Country),
		City:        value(r.City),
	}
	if r.Latitude != nil && r.Longitude != nil {
		out.Location = &relay.Location{Latitude: *r.Latitude, Longitude: *r.Longitude}
	}
	return out
}
