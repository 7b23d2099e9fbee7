package enricher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/relaymap/pkg/geoip"
	"github.com/malbeclabs/relaymap/pkg/geoip/geoiptest"
	"github.com/malbeclabs/relaymap/pkg/relay"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

type mockSession struct {
	resolveFunc func(ip net.IP) (*geoip.Record, error)
	closed      atomic.Bool
}

func (s *mockSession) Resolve(ip net.IP) (*geoip.Record, error) {
	return s.resolveFunc(ip)
}

func (s *mockSession) Close() error {
	s.closed.Store(true)
	return nil
}

type mockProvider struct {
	openFunc func(ctx context.Context) (geoip.Session, error)
	opens    atomic.Int32
}

func (p *mockProvider) Open(ctx context.Context) (geoip.Session, error) {
	p.opens.Add(1)
	return p.openFunc(ctx)
}

func newTestEnricher(t *testing.T, provider geoip.Provider) *Enricher {
	t.Helper()
	e, err := New(Config{Logger: logger, Provider: provider, MaxConcurrency: 4})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestRelayMap_Enricher_New(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Provider: &mockProvider{}})
	require.Error(t, err)
	_, err = New(Config{Logger: logger})
	require.Error(t, err)

	e, err := New(Config{Logger: logger, Provider: &mockProvider{}})
	require.NoError(t, err)
	defer e.Close()
	require.Equal(t, DefaultMaxConcurrency, e.cfg.MaxConcurrency)
}

func TestRelayMap_Enricher_Enrich(t *testing.T) {
	t.Parallel()

	t.Run("failure for one address leaves it unmapped and keeps order", func(t *testing.T) {
		t.Parallel()

		session := &mockSession{resolveFunc: func(ip net.IP) (*geoip.Record, error) {
			if ip.String() == "5.5.5.5" {
				return nil, errors.New("lookup exploded")
			}
			return &geoip.Record{
				IP:          ip,
				CountryCode: "DE",
				City:        "Berlin",
				Latitude:    52.52,
				Longitude:   13.405,
				HasLocation: true,
			}, nil
		}}
		provider := &mockProvider{openFunc: func(context.Context) (geoip.Session, error) { return session, nil }}
		e := newTestEnricher(t, provider)

		in := make([]relay.Relay, 0, 50)
		for i := range 50 {
			addr := fmt.Sprintf("1.1.1.%d", i)
			if i == 17 {
				addr = "5.5.5.5"
			}
			in = append(in, relay.Relay{
				Fingerprint: fmt.Sprintf("FP%02d", i),
				Address:     addr,
				// Stale geo from a previous pass must not survive a failed lookup.
				Country:  "XX",
				Location: &relay.Location{Latitude: 1, Longitude: 1},
			})
		}

		res, err := e.Enrich(t.Context(), in)
		require.NoError(t, err)
		require.Len(t, res.Relays, len(in))
		require.Equal(t, 49, res.Geolocated)
		for i, r := range res.Relays {
			require.Equal(t, in[i].Fingerprint, r.Fingerprint)
		}

		failed := res.Relays[17]
		require.Equal(t, "FP17", failed.Fingerprint)
		require.Nil(t, failed.Location)
		require.Empty(t, failed.Country)
		require.Empty(t, failed.City)

		ok := res.Relays[0]
		require.NotNil(t, ok.Location)
		require.InDelta(t, 52.52, ok.Location.Latitude, 1e-9)
		require.Equal(t, "DE", ok.Country)
		require.Equal(t, "Berlin", ok.City)

		require.Equal(t, int32(1), provider.opens.Load())
		require.True(t, session.closed.Load())
	})

	t.Run("country without coordinates is kept", func(t *testing.T) {
		t.Parallel()

		session := &mockSession{resolveFunc: func(ip net.IP) (*geoip.Record, error) {
			return &geoip.Record{IP: ip, CountryCode: "FR"}, nil
		}}
		e := newTestEnricher(t, &mockProvider{openFunc: func(context.Context) (geoip.Session, error) { return session, nil }})

		res, err := e.Enrich(t.Context(), []relay.Relay{{Fingerprint: "A", Address: "2.2.2.2"}})
		require.NoError(t, err)
		require.Equal(t, 0, res.Geolocated)
		require.Nil(t, res.Relays[0].Location)
		require.Equal(t, "FR", res.Relays[0].Country)
	})

	t.Run("unavailable provider degrades every relay", func(t *testing.T) {
		t.Parallel()

		e := newTestEnricher(t, &mockProvider{openFunc: func(context.Context) (geoip.Session, error) {
			return nil, errors.New("no database")
		}})
		in := []relay.Relay{
			{Fingerprint: "A", Address: "1.1.1.1", Country: "US"},
			{Fingerprint: "B", Address: "2.2.2.2"},
		}
		res, err := e.Enrich(t.Context(), in)
		require.NoError(t, err)
		require.Len(t, res.Relays, 2)
		require.Zero(t, res.Geolocated)
		for _, r := range res.Relays {
			require.Nil(t, r.Location)
			require.Empty(t, r.Country)
		}
		require.Equal(t, "US", in[0].Country, "input must not be mutated")
	})

	t.Run("empty batch does not open a session", func(t *testing.T) {
		t.Parallel()

		provider := &mockProvider{openFunc: func(context.Context) (geoip.Session, error) {
			return nil, errors.New("unexpected open")
		}}
		e := newTestEnricher(t, provider)
		res, err := e.Enrich(t.Context(), nil)
		require.NoError(t, err)
		require.Empty(t, res.Relays)
		require.Zero(t, provider.opens.Load())
	})

	t.Run("with generated city database", func(t *testing.T) {
		t.Parallel()

		path := geoiptest.WriteCityDB(t, map[string]geoiptest.City{
			"9.9.9.0/24": {CountryCode: "US", CityName: "Berkeley", HasLocation: true, Latitude: 37.87, Longitude: -122.27},
		})
		provider, err := geoip.NewMMDBProvider(geoip.MMDBProviderConfig{Logger: logger, CityDBPath: path})
		require.NoError(t, err)
		e := newTestEnricher(t, provider)

		res, err := e.Enrich(t.Context(), []relay.Relay{
			{Fingerprint: "ABC", Address: "9.9.9.9"},
			{Fingerprint: "DEF", Address: "5.5.5.5"},
		})
		require.NoError(t, err)
		require.Equal(t, 1, res.Geolocated)
		require.Equal(t, "US", res.Relays[0].Country)
		require.Equal(t, "Berkeley", res.Relays[0].City)
		require.NotNil(t, res.Relays[0].Location)
		require.False(t, res.Relays[1].Mapped())
		require.Empty(t, res.Relays[1].Country)
	})
}
