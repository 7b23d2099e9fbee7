// Package sqlstore is the database/sql relay store, backed by SQLite or
// DuckDB.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "modernc.org/sqlite"

	"github.com/malbeclabs/relaymap/pkg/relay"
	"github.com/malbeclabs/relaymap/pkg/store/internal/relaysql"
)

type Driver string

const (
	DriverSQLite Driver = "sqlite"
	DriverDuckDB Driver = "duckdb"

	sqliteBusyTimeoutMillis = 5000
)

type Config struct {
	Logger *slog.Logger
	Driver Driver
	// DSN is a file path. An empty DuckDB DSN opens an in-memory database.
	DSN string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	switch cfg.Driver {
	case DriverSQLite:
		if cfg.DSN == "" {
			return errors.New("sqlite dsn is required")
		}
	case DriverDuckDB:
	case "":
		return errors.New("driver is required")
	default:
		return fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	return nil
}

type Store struct {
	log     *slog.Logger
	cfg     Config
	db      *sql.DB
	dialect relaysql.Dialect

	// Serializes upserts; DuckDB allows one writer per database.
	writeMu sync.Mutex
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	var (
		dsn     = cfg.DSN
		dialect = relaysql.SQLite
	)
	switch cfg.Driver {
	case DriverSQLite:
		dsn = sqliteDSN(cfg.DSN)
	case DriverDuckDB:
		dialect = relaysql.DuckDB
	}

	db, err := sql.Open(string(cfg.Driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", cfg.Driver, err)
	}

	s := &Store{
		log:     cfg.Logger,
		cfg:     cfg,
		db:      db,
		dialect: dialect,
	}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s.log.Debug("store: opened", "driver", cfg.Driver, "dsn", cfg.DSN)
	return s, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)", path, sep, sqliteBusyTimeoutMillis)
}

func (s *Store) createSchema(ctx context.Context) error {
	stmts := sqliteSchema
	if s.cfg.Driver == DriverDuckDB {
		stmts = duckdbSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Upsert applies the batch in one transaction.
func (s *Store) Upsert(ctx context.Context, relays []relay.Relay) error {
	if len(relays) == 0 {
		return nil
	}
	relays = relay.Dedupe(relays)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.dialect.UpsertQuery())
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range relays {
		if _, err := stmt.ExecContext(ctx, relaysql.FromRelay(r).Args()...); err != nil {
			return fmt.Errorf("failed to upsert relay %s: %w", r.Fingerprint, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("store: upserted relays", "count", len(relays))
	return nil
}

func (s *Store) Query(ctx context.Context, filter relay.Filter) ([]relay.Relay, error) {
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	query, args := s.dialect.SelectQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query relays: %w", err)
	}
	defer rows.Close()

	out := make([]relay.Relay, 0)
	for rows.Next() {
		var row relaysql.Row
		if err := rows.Scan(row.Dest()...); err != nil {
			return nil, fmt.Errorf("failed to scan relay: %w", err)
		}
		out = append(out, row.Relay())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate relays: %w", err)
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (relay.Stats, error) {
	var st relay.Stats
	err := s.db.QueryRowContext(ctx, s.dialect.StatsQuery()).Scan(&st.Total, &st.Mapped, &st.Exits, &st.Guards)
	if err != nil {
		return relay.Stats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	st.Unmapped = st.Total - st.Mapped
	return st, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
