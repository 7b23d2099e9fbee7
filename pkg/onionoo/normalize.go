package onionoo

import (
	"strings"

	"github.com/malbeclabs/relaymap/pkg/relay"
)

// SelectIPv4 returns the host of the first address that looks like
// host:port and is not a bracketed IPv6 literal.
func SelectIPv4(addrs []string) (string, bool) {
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" || strings.HasPrefix(a, "[") {
			continue
		}
		host, _, ok := strings.Cut(a, ":")
		if !ok || host == "" {
			continue
		}
		return host, true
	}
	return "", false
}

// Bandwidth prefers the observed figure, then the advertised one. Zero is a
// valid observation; negative values are treated as absent.
func (d Descriptor) Bandwidth() *int64 {
	for _, bw := range []*int64{d.ObservedBandwidth, d.AdvertisedBandwidth} {
		if bw != nil && *bw >= 0 {
			v := *bw
			return &v
		}
	}
	return nil
}

// Normalize converts a descriptor into a relay. It reports false when the
// descriptor lacks a fingerprint or an IPv4 address.
func Normalize(d Descriptor) (relay.Relay, bool) {
	fingerprint := strings.TrimSpace(d.Fingerprint)
	if fingerprint == "" {
		return relay.Relay{}, false
	}
	addr, ok := SelectIPv4(d.ORAddresses)
	if !ok {
		return relay.Relay{}, false
	}
	return relay.Relay{
		Fingerprint: fingerprint,
		Nickname:    d.Nickname,
		Address:     addr,
		Flags:       relay.NormalizeFlags(d.Flags),
		Bandwidth:   d.Bandwidth(),
		LastSeen:    d.LastSeen,
	}, true
}

type NormalizeResult struct {
	Relays  []relay.Relay
	Dropped int
}

func NormalizeAll(descs []Descriptor) NormalizeResult {
	res := NormalizeResult{Relays: make([]relay.Relay, 0, len(descs))}
	for _, d := range descs {
		r, ok := Normalize(d)
		if !ok {
			res.Dropped++
			continue
		}
		res.Relays = append(res.Relays, r)
	}
	return res
}
