// Package pgstore is the PostgreSQL relay store.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/relaymap/pkg/relay"
	"github.com/malbeclabs/relaymap/pkg/store/internal/relaysql"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS relays (
	fingerprint TEXT PRIMARY KEY,
	nickname TEXT,
	address TEXT,
	flags TEXT NOT NULL DEFAULT '',
	bandwidth BIGINT,
	last_seen TEXT,
	latitude DOUBLE PRECISION,
	longitude DOUBLE PRECISION,
	country TEXT,
	city TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_relays_country ON relays (country)`,
}

type Config struct {
	Logger     *slog.Logger
	ConnString string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ConnString == "" {
		return errors.New("connection string is required")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	if cfg.MinConns <= 0 {
		cfg.MinConns = 2
	}
	if cfg.MaxConnLifetime <= 0 {
		cfg.MaxConnLifetime = time.Hour
	}
	if cfg.MaxConnIdleTime <= 0 {
		cfg.MaxConnIdleTime = 30 * time.Minute
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return nil
}

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	cfg.Logger.Debug("store: postgres pool ready",
		"host", poolConfig.ConnConfig.Host,
		"database", poolConfig.ConnConfig.Database,
		"max_conns", poolConfig.MaxConns,
	)
	return &Store{
		log:  cfg.Logger,
		pool: pool,
	}, nil
}

// Upsert sends the batch in one transaction.
func (s *Store) Upsert(ctx context.Context, relays []relay.Relay) error {
	if len(relays) == 0 {
		return nil
	}
	relays = relay.Dedupe(relays)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := relaysql.Postgres.UpsertQuery()
	batch := &pgx.Batch{}
	for _, r := range relays {
		batch.Queue(query, relaysql.FromRelay(r).Args()...)
	}
	br := tx.SendBatch(ctx, batch)
	for _, r := range relays {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to upsert relay %s: %w", r.Fingerprint, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("store: upserted relays", "count", len(relays))
	return nil
}

func (s *Store) Query(ctx context.Context, filter relay.Filter) ([]relay.Relay, error) {
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	query, args := relaysql.Postgres.SelectQuery(filter)
	rows, err := s.pool.Query(ctx, query, args...)
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
	err := s.pool.QueryRow(ctx, relaysql.Postgres.StatsQuery()).Scan(&st.Total, &st.Mapped, &st.Exits, &st.Guards)
	if err != nil {
		return relay.Stats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	st.Unmapped = st.Total - st.Mapped
	return st, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
