// Package relaysql holds the relays table layout and the SQL shared by the
// relational store backends.
package relaysql

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/relaymap/pkg/relay"
)

const Table = "relays"

var Columns = []string{
	"fingerprint",
	"nickname",
	"address",
	"flags",
	"bandwidth",
	"last_seen",
	"latitude",
	"longitude",
	"country",
	"city",
}

// Dialect captures the few places the backends disagree.
type Dialect struct {
	// Placeholder returns the bind parameter for the n-th argument (1-based).
	Placeholder func(n int) string
	// ContainsFunc is a case-sensitive substring function taking
	// (haystack, needle), e.g. instr or strpos.
	ContainsFunc string
}

var (
	SQLite = Dialect{
		Placeholder:  func(int) string { return "?" },
		ContainsFunc: "instr",
	}
	DuckDB   = SQLite
	Postgres = Dialect{
		Placeholder:  func(n int) string { return fmt.Sprintf("$%d", n) },
		ContainsFunc: "strpos",
	}
)

// hasFlag matches a whole tag inside the comma-delimited flags column.
func (d Dialect) hasFlag(needle string) string {
	return fmt.Sprintf("%s(',' || flags || ',', %s) > 0", d.ContainsFunc, needle)
}

// TagPattern is the bind value hasFlag expects for a tag.
func TagPattern(tag string) string {
	return relay.FlagSeparator + tag + relay.FlagSeparator
}

func (d Dialect) UpsertQuery() string {
	placeholders := make([]string, len(Columns))
	for i := range Columns {
		placeholders[i] = d.Placeholder(i + 1)
	}
	updates := make([]string, 0, len(Columns)-1)
	for _, c := range Columns[1:] {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (fingerprint) DO UPDATE SET %s",
		Table,
		strings.Join(Columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
}

// SelectQuery builds the filtered read. The filter must already be valid.
func (d Dialect) SelectQuery(f relay.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if tag := f.Role.Flag(); tag != "" {
		args = append(args, TagPattern(tag))
		where = append(where, d.hasFlag(d.Placeholder(len(args))))
	}
	if f.Country != "" {
		args = append(args, f.Country)
		where = append(where, "country = "+d.Placeholder(len(args)))
	}
	args = append(args, f.Limit)

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(Columns, ", "), Table)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY fingerprint LIMIT %s", d.Placeholder(len(args)))
	return b.String(), args
}

// StatsQuery counts raw flag tags, so a relay flagged both Exit and Guard
// lands in both buckets.
func (d Dialect) StatsQuery() string {
	return fmt.Sprintf(`SELECT
	COUNT(*),
	COUNT(CASE WHEN latitude IS NOT NULL AND longitude IS NOT NULL THEN 1 END),
	COUNT(CASE WHEN %s THEN 1 END),
	COUNT(CASE WHEN %s THEN 1 END)
FROM %s`,
		d.hasFlag("'"+TagPattern(relay.FlagExit)+"'"),
		d.hasFlag("'"+TagPattern(relay.FlagGuard)+"'"),
		Table,
	)
}
