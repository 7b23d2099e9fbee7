package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/relaymap/pkg/relay"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func TestRelayMap_Store_RedactedURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: ""},
		{in: "sqlite://relaymap.db", want: "sqlite://relaymap.db"},
		{in: "postgres://user:secret@db:5432/relays?sslmode=disable", want: "postgres://user:REDACTED@db:5432/relays?sslmode=disable"},
		{in: "clickhouse://default@ch:9000/relays", want: "clickhouse://default@ch:9000/relays"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, RedactedURI(tt.in))
		})
	}
}

func TestRelayMap_Store_Open(t *testing.T) {
	t.Parallel()

	t.Run("rejects unknown scheme", func(t *testing.T) {
		t.Parallel()
		_, err := Open(t.Context(), logger, "mongodb://localhost/relays")
		require.ErrorIs(t, err, ErrUnsupportedScheme)
	})

	t.Run("rejects missing scheme", func(t *testing.T) {
		t.Parallel()
		_, err := Open(t.Context(), logger, "relaymap.db")
		require.ErrorIs(t, err, ErrUnsupportedScheme)
	})

	t.Run("requires logger", func(t *testing.T) {
		t.Parallel()
		_, err := Open(t.Context(), nil, DefaultURI)
		require.Error(t, err)
	})

	t.Run("opens sqlite", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "relays.db")
		s, err := Open(t.Context(), logger, "sqlite://"+path)
		require.NoError(t, err)
		defer s.Close()

		require.NoError(t, s.Upsert(t.Context(), []relay.Relay{{Fingerprint: "ABC", Address: "9.9.9.9", Flags: []string{"Exit"}}}))
		stats, err := s.Stats(t.Context())
		require.NoError(t, err)
		require.Equal(t, int64(1), stats.Total)
		require.Equal(t, int64(1), stats.Exits)
	})

	t.Run("opens in-memory duckdb", func(t *testing.T) {
		t.Parallel()
		s, err := Open(t.Context(), logger, "duckdb://")
		require.NoError(t, err)
		defer s.Close()

		stats, err := s.Stats(t.Context())
		require.NoError(t, err)
		require.Zero(t, stats.Total)
	})
}
