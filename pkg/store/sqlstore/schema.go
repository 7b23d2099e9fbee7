package sqlstore

var sqliteSchema = []string{
	`PRAGMA journal_mode=WAL`,
	`CREATE TABLE IF NOT EXISTS relays (
	fingerprint TEXT PRIMARY KEY,
	nickname TEXT,
	address TEXT,
	flags TEXT NOT NULL DEFAULT '',
	bandwidth INTEGER,
	last_seen TEXT,
	latitude REAL,
	longitude REAL,
	country TEXT,
	city TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_relays_country ON relays(country)`,
}

// DuckDB refuses ON CONFLICT updates to columns covered by an index, so the
// table carries only its primary key.
var duckdbSchema = []string{
	`CREATE TABLE IF NOT EXISTS relays (
	fingerprint VARCHAR PRIMARY KEY,
	nickname VARCHAR,
	address VARCHAR,
	flags VARCHAR NOT NULL DEFAULT '',
	bandwidth BIGINT,
	last_seen VARCHAR,
	latitude DOUBLE,
	longitude DOUBLE,
	country VARCHAR,
	city VARCHAR
)`,
}
