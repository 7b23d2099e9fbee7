// Package storetest is the behavioural suite every relay store backend runs.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/relaymap/pkg/relay"
)

type Store interface {
	Upsert(ctx context.Context, relays []relay.Relay) error
	Query(ctx context.Context, filter relay.Filter) ([]relay.Relay, error)
	Stats(ctx context.Context) (relay.Stats, error)
}

// NewStoreFunc returns an empty store owned by t.
type NewStoreFunc func(t *testing.T) Store

func int64Ptr(v int64) *int64 { return &v }

func all(t *testing.T, s Store) []relay.Relay {
	t.Helper()
	got, err := s.Query(t.Context(), relay.Filter{Role: relay.RoleFilterAll, Limit: 100000})
	require.NoError(t, err)
	return got
}

func fingerprints(relays []relay.Relay) []string {
	out := make([]string, 0, len(relays))
	for _, r := range relays {
		out = append(out, r.Fingerprint)
	}
	sort.Strings(out)
	return out
}

func requireRelays(t *testing.T, want, got []relay.Relay) {
	t.Helper()
	sort.Slice(want, func(i, j int) bool { return want[i].Fingerprint < want[j].Fingerprint })
	sort.Slice(got, func(i, j int) bool { return got[i].Fingerprint < got[j].Fingerprint })
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected relays (-want +got):\n%s", diff)
	}
}

func fixture() []relay.Relay {
	return []relay.Relay{
		{
			Fingerprint: "ABC",
			Nickname:    "exit1",
			Address:     "9.9.9.9",
			Flags:       []string{"Exit", "Fast"},
			Bandwidth:   int64Ptr(1000),
			LastSeen:    "2026-10-18 09:00:00",
			Location:    &relay.Location{Latitude: 37.87, Longitude: -122.27},
			Country:     "US",
			City:        "Berkeley",
		},
		{
			Fingerprint: "BOTH",
			Nickname:    "exitguard",
			Address:     "1.1.1.1",
			Flags:       []string{"Exit", "Guard", "Stable"},
			Bandwidth:   int64Ptr(0),
			Location:    &relay.Location{Latitude: 52.52, Longitude: 13.405},
			Country:     "DE",
			City:        "Berlin",
		},
		{
			Fingerprint: "GRD",
			Nickname:    "guard1",
			Address:     "2.2.2.2",
			Flags:       []string{"Guard", "Running"},
			Country:     "de",
		},
		{
			Fingerprint: "MID",
			Address:     "3.3.3.3",
			Flags:       []string{"BadExit", "Running"},
		},
		{
			Fingerprint: "UNK",
			Address:     "5.5.5.5",
		},
	}
}

// Run executes the full suite.
func Run(t *testing.T, newStore NewStoreFunc) {
	t.Run("upsert then query round trips every field", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		in := fixture()
		require.NoError(t, s.Upsert(t.Context(), in))
		requireRelays(t, fixture(), all(t, s))
	})

	t.Run("upsert is idempotent", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		require.NoError(t, s.Upsert(t.Context(), fixture()))
		once := all(t, s)
		require.NoError(t, s.Upsert(t.Context(), fixture()))
		requireRelays(t, once, all(t, s))
		stats, err := s.Stats(t.Context())
		require.NoError(t, err)
		require.Equal(t, int64(len(fixture())), stats.Total)
	})

	t.Run("upsert fully replaces existing rows", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		require.NoError(t, s.Upsert(t.Context(), fixture()[:1]))

		replaced := relay.Relay{
			Fingerprint: "ABC",
			Nickname:    "renamed",
			Address:     "9.9.9.10",
			Flags:       []string{"Guard"},
		}
		require.NoError(t, s.Upsert(t.Context(), []relay.Relay{replaced}))
		requireRelays(t, []relay.Relay{replaced}, all(t, s))
	})

	t.Run("empty upsert is a no-op", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		require.NoError(t, s.Upsert(t.Context(), nil))
		require.Empty(t, all(t, s))
	})

	t.Run("duplicate fingerprints in one batch keep the last", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		require.NoError(t, s.Upsert(t.Context(), []relay.Relay{
			{Fingerprint: "ABC", Address: "1.1.1.1", Nickname: "first"},
			{Fingerprint: "ABC", Address: "1.1.1.2", Nickname: "second"},
		}))
		got := all(t, s)
		require.Len(t, got, 1)
		require.Equal(t, "second", got[0].Nickname)
		require.Equal(t, "1.1.1.2", got[0].Address)
	})

	t.Run("later pass wins", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		first := []relay.Relay{
			{Fingerprint: "A", Address: "1.1.1.1", Bandwidth: int64Ptr(100)},
			{Fingerprint: "B", Address: "2.2.2.2", Bandwidth: int64Ptr(200)},
		}
		second := []relay.Relay{
			{Fingerprint: "B", Address: "2.2.2.2", Bandwidth: int64Ptr(250)},
			{Fingerprint: "C", Address: "3.3.3.3", Bandwidth: int64Ptr(300)},
		}
		require.NoError(t, s.Upsert(t.Context(), first))
		require.NoError(t, s.Upsert(t.Context(), second))

		got := all(t, s)
		require.Equal(t, []string{"A", "B", "C"}, fingerprints(got))
		byFP := map[string]relay.Relay{}
		for _, r := range got {
			byFP[r.Fingerprint] = r
		}
		require.Equal(t, int64(100), *byFP["A"].Bandwidth)
		require.Equal(t, int64(250), *byFP["B"].Bandwidth)
		require.Equal(t, int64(300), *byFP["C"].Bandwidth)
	})

	t.Run("zero bandwidth is distinct from unknown", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		require.NoError(t, s.Upsert(t.Context(), []relay.Relay{
			{Fingerprint: "ZERO", Address: "1.1.1.1", Bandwidth: int64Ptr(0)},
			{Fingerprint: "NONE", Address: "2.2.2.2"},
		}))
		for _, r := range all(t, s) {
			switch r.Fingerprint {
			case "ZERO":
				require.NotNil(t, r.Bandwidth)
				require.Zero(t, *r.Bandwidth)
			case "NONE":
				require.Nil(t, r.Bandwidth)
			}
		}
	})

	t.Run("role filters match raw flag tags", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		require.NoError(t, s.Upsert(t.Context(), fixture()))

		exits, err := s.Query(t.Context(), relay.Filter{Role: relay.RoleFilterExit, Limit: 100})
		require.NoError(t, err)
		require.Equal(t, []string{"ABC", "BOTH"}, fingerprints(exits))

		guards, err := s.Query(t.Context(), relay.Filter{Role: relay.RoleFilterGuard, Limit: 100})
		require.NoError(t, err)
		require.Equal(t, []string{"BOTH", "GRD"}, fingerprints(guards))

		// Returned by the guard filter yet classified Exit.
		for _, r := range guards {
			if r.Fingerprint == "BOTH" {
				require.Equal(t, relay.RoleExit, r.Role())
			}
		}
	})

	t.Run("roles are derived on read", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		require.NoError(t, s.Upsert(t.Context(), fixture()))
		roles := map[string]relay.Role{}
		for _, r := range all(t, s) {
			roles[r.Fingerprint] = r.Role()
		}
		require.Equal(t, map[string]relay.Role{
			"ABC":  relay.RoleExit,
			"BOTH": relay.RoleExit,
			"GRD":  relay.RoleGuard,
			"MID":  relay.RoleMiddle,
			"UNK":  relay.RoleUnknown,
		}, roles)
	})

	t.Run("country filter is exact and case sensitive", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		require.NoError(t, s.Upsert(t.Context(), fixture()))

		got, err := s.Query(t.Context(), relay.Filter{Role: relay.RoleFilterAll, Country: "DE", Limit: 100})
		require.NoError(t, err)
		require.Equal(t, []string{"BOTH"}, fingerprints(got))

		got, err = s.Query(t.Context(), relay.Filter{Role: relay.RoleFilterGuard, Country: "de", Limit: 100})
		require.NoError(t, err)
		require.Equal(t, []string{"GRD"}, fingerprints(got))

		got, err = s.Query(t.Context(), relay.Filter{Role: relay.RoleFilterAll, Country: "D", Limit: 100})
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("limit caps results", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		require.NoError(t, s.Upsert(t.Context(), fixture()))
		got, err := s.Query(t.Context(), relay.Filter{Role: relay.RoleFilterAll, Limit: 2})
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, "ABC", got[0].Fingerprint)
		require.Equal(t, "BOTH", got[1].Fingerprint)
	})

	t.Run("invalid filter is rejected", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		_, err := s.Query(t.Context(), relay.Filter{Role: "middle", Limit: 1})
		require.Error(t, err)
		_, err = s.Query(t.Context(), relay.Filter{Role: relay.RoleFilterAll})
		require.Error(t, err)
	})

	t.Run("stats count raw tags and coordinates", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)

		stats, err := s.Stats(t.Context())
		require.NoError(t, err)
		require.Equal(t, relay.Stats{}, stats)

		require.NoError(t, s.Upsert(t.Context(), fixture()))
		stats, err = s.Stats(t.Context())
		require.NoError(t, err)
		require.Equal(t, relay.Stats{
			Total:    5,
			Mapped:   2,
			Unmapped: 3,
			// BOTH is counted as an exit and as a guard.
			Exits:  2,
			Guards: 2,
		}, stats)
		require.Equal(t, stats.Total, stats.Mapped+stats.Unmapped)
	})

	t.Run("losing coordinates unmaps the row", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)
		mapped := fixture()[0]
		require.NoError(t, s.Upsert(t.Context(), []relay.Relay{mapped}))

		unmapped := mapped
		unmapped.ClearGeo()
		require.NoError(t, s.Upsert(t.Context(), []relay.Relay{unmapped}))

		got := all(t, s)
		require.Len(t, got, 1)
		require.Nil(t, got[0].Location)
		require.Empty(t, got[0].Country)
		require.Empty(t, got[0].City)

		stats, err := s.Stats(t.Context())
		require.NoError(t, err)
		require.Zero(t, stats.Mapped)
		require.Equal(t, int64(1), stats.Unmapped)
	})

	t.Run("concurrent readers never see mixed rows", func(t *testing.T) {
		t.Parallel()
		s := newStore(t)

		// Nickname and bandwidth always change together.
		version := func(v int64) []relay.Relay {
			out := make([]relay.Relay, 0, 20)
			for i := range 20 {
				out = append(out, relay.Relay{
					Fingerprint: fmt.Sprintf("FP%02d", i),
					Address:     "1.1.1.1",
					Nickname:    fmt.Sprintf("v%d", v),
					Bandwidth:   int64Ptr(v),
				})
			}
			return out
		}
		require.NoError(t, s.Upsert(t.Context(), version(0)))

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		var wg sync.WaitGroup
		errs := make(chan error, 4)
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for ctx.Err() == nil {
					got, err := s.Query(ctx, relay.Filter{Role: relay.RoleFilterAll, Limit: 100})
					if err != nil {
						if ctx.Err() != nil {
							return
						}
						errs <- err
						return
					}
					for _, r := range got {
						if r.Bandwidth == nil || r.Nickname != fmt.Sprintf("v%d", *r.Bandwidth) {
							errs <- fmt.Errorf("mixed row %s: nickname=%q bandwidth=%v", r.Fingerprint, r.Nickname, r.Bandwidth)
							return
						}
					}
				}
			}()
		}

		for v := int64(1); v <= 10; v++ {
			require.NoError(t, s.Upsert(t.Context(), version(v)))
		}
		cancel()
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
	})
}
