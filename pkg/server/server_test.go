package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/relaymap/pkg/query"
	"github.com/malbeclabs/relaymap/pkg/relay"
	"github.com/malbeclabs/relaymap/pkg/store/sqlstore"
)

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func getFreeListener(t *testing.T) net.Listener {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		listener.Close()
	})
	return listener
}

type failingStore struct {
	err error
}

func (f *failingStore) Query(context.Context, relay.Filter) ([]relay.Relay, error) {
	return nil, f.err
}

func (f *failingStore) Stats(context.Context) (relay.Stats, error) {
	return relay.Stats{}, f.err
}

func seededStore(t *testing.T) query.Store {
	s, err := sqlstore.Open(t.Context(), sqlstore.Config{
		Logger: testLogger(t),
		Driver: sqlstore.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "relays.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
	})

	bw := int64(1024)
	require.NoError(t, s.Upsert(t.Context(), []relay.Relay{
		{
			Fingerprint: "ABC",
			Nickname:    "exit1",
			Address:     "9.9.9.9",
			Flags:       []string{"Exit", "Fast"},
			Bandwidth:   &bw,
			Location:    &relay.Location{Latitude: 37.5, Longitude: -122.25},
			Country:     "US",
		},
		{Fingerprint: "BOTH", Address: "2.2.2.2", Flags: []string{"Exit", "Guard"}},
		{Fingerprint: "GRD", Address: "3.3.3.3", Flags: []string{"Guard"}, Country: "DE"},
	}))
	return s
}

func newTestServer(t *testing.T, store query.Store, mutate func(*Config)) *httptest.Server {
	t.Helper()
	q, err := query.New(query.Config{Logger: testLogger(t), Store: store})
	require.NoError(t, err)

	cfg := Config{
		Logger:   testLogger(t),
		Listener: getFreeListener(t),
		Query:    q,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (int, http.Header, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, resp.Header, body
}

func TestRelayMap_Server_Config(t *testing.T) {
	t.Parallel()

	q, err := query.New(query.Config{Logger: testLogger(t), Store: &failingStore{}})
	require.NoError(t, err)

	cfg := Config{Logger: testLogger(t), Listener: getFreeListener(t), Query: q}
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
	require.Equal(t, DefaultReadHeaderTimeout, cfg.ReadHeaderTimeout)
	require.True(t, cfg.Ready())

	require.Error(t, (&Config{Listener: getFreeListener(t), Query: q}).Validate())
	require.Error(t, (&Config{Logger: testLogger(t), Query: q}).Validate())
	require.Error(t, (&Config{Logger: testLogger(t), Listener: getFreeListener(t)}).Validate())
}

func TestRelayMap_Server_Relays(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, seededStore(t), nil)

	t.Run("all relays in items envelope", func(t *testing.T) {
		t.Parallel()
		status, header, body := get(t, ts.URL+"/api/relays")
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, "application/json", header.Get("Content-Type"))

		var resp query.Response
		require.NoError(t, json.Unmarshal(body, &resp))
		require.Len(t, resp.Items, 3)
		require.Equal(t, "ABC", resp.Items[0].Fingerprint)
		require.Equal(t, "Exit", resp.Items[0].Role)
		require.NotNil(t, resp.Items[0].Latitude)
		require.Equal(t, 37.5, *resp.Items[0].Latitude)
	})

	t.Run("exit filter matches raw tag", func(t *testing.T) {
		t.Parallel()
		status, _, body := get(t, ts.URL+"/api/relays?role=exit")
		require.Equal(t, http.StatusOK, status)

		var resp query.Response
		require.NoError(t, json.Unmarshal(body, &resp))
		require.Len(t, resp.Items, 2)
		require.Equal(t, "ABC", resp.Items[0].Fingerprint)
		require.Equal(t, "BOTH", resp.Items[1].Fingerprint)
	})

	t.Run("guard filter includes relay with both tags", func(t *testing.T) {
		t.Parallel()
		status, _, body := get(t, ts.URL+"/api/relays?type=guard")
		require.Equal(t, http.StatusOK, status)

		var resp query.Response
		require.NoError(t, json.Unmarshal(body, &resp))
		require.Len(t, resp.Items, 2)
		require.Equal(t, "BOTH", resp.Items[0].Fingerprint)
		require.Equal(t, "Exit", resp.Items[0].Role)
		require.Equal(t, "GRD", resp.Items[1].Fingerprint)
		require.Equal(t, "Guard", resp.Items[1].Role)
	})

	t.Run("country and limit", func(t *testing.T) {
		t.Parallel()
		status, _, body := get(t, ts.URL+"/api/relays?country=DE&limit=1")
		require.Equal(t, http.StatusOK, status)

		var resp query.Response
		require.NoError(t, json.Unmarshal(body, &resp))
		require.Len(t, resp.Items, 1)
		require.Equal(t, "GRD", resp.Items[0].Fingerprint)

		status, _, body = get(t, ts.URL+"/api/relays?country=de")
		require.Equal(t, http.StatusOK, status)
		require.JSONEq(t, `{"items":[]}`, string(body))
	})

	for name, q := range map[string]string{
		"unknown role":   "role=middle",
		"zero limit":     "limit=0",
		"text limit":     "limit=lots",
		"malformed role": "type=-exit",
	} {
		t.Run("rejects "+name, func(t *testing.T) {
			t.Parallel()
			status, _, body := get(t, ts.URL+"/api/relays?"+q)
			require.Equal(t, http.StatusBadRequest, status)
			require.Contains(t, string(body), "invalid query parameter")
		})
	}
}

func TestRelayMap_Server_Stats(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, seededStore(t), nil)

	status, _, body := get(t, ts.URL+"/api/stats")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"total":3,"mapped":1,"unmapped":2,"exits":2,"guards":2}`, string(body))
}

func TestRelayMap_Server_StoreErrorsAreNotClientErrors(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &failingStore{err: errors.New("secret dsn leaked")}, nil)

	for _, path := range []string{"/api/relays", "/api/stats"} {
		status, _, body := get(t, ts.URL+path)
		require.Equal(t, http.StatusInternalServerError, status)
		require.NotContains(t, string(body), "secret")
	}

	ts = newTestServer(t, &failingStore{err: context.DeadlineExceeded}, nil)
	status, _, _ := get(t, ts.URL+"/api/relays")
	require.Equal(t, http.StatusServiceUnavailable, status)
}

func TestRelayMap_Server_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	var ready atomic.Bool
	ts := newTestServer(t, seededStore(t), func(cfg *Config) {
		cfg.Ready = ready.Load
	})

	status, _, body := get(t, ts.URL+"/healthz")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok\n", string(body))

	status, _, _ = get(t, ts.URL+"/readyz")
	require.Equal(t, http.StatusServiceUnavailable, status)

	ready.Store(true)
	status, _, body = get(t, ts.URL+"/readyz")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok\n", string(body))
}

func TestRelayMap_Server_MapPage(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, seededStore(t), nil)

	status, header, body := get(t, ts.URL+"/")
	require.Equal(t, http.StatusOK, status)
	require.True(t, strings.HasPrefix(header.Get("Content-Type"), "text/html"))
	require.Contains(t, string(body), "leaflet")
	require.Contains(t, string(body), "/api/relays")
}

func TestRelayMap_Server_CORS(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, seededStore(t), func(cfg *Config) {
		cfg.CORSAllowedOrigins = []string{"http://localhost:5173"}
	})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRelayMap_Server_RunAndShutdown(t *testing.T) {
	t.Parallel()

	q, err := query.New(query.Config{Logger: testLogger(t), Store: seededStore(t)})
	require.NoError(t, err)
	listener := getFreeListener(t)
	s, err := New(Config{Logger: testLogger(t), Listener: listener, Query: q, ShutdownTimeout: 5 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	url := "http://" + listener.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
