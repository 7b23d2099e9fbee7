package chstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type execer interface {
	Exec(ctx context.Context, query string, args ...any) error
}

// RunMigrations executes the embedded migration files in filename order.
// Every statement is idempotent.
func RunMigrations(ctx context.Context, log *slog.Logger, conn execer) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", name, err)
		}
		for i, stmt := range splitSQLStatements(string(content)) {
			if err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute migration %s statement %d: %w", name, i+1, err)
			}
		}
		log.Debug("store: clickhouse migration applied", "file", name)
	}
	return nil
}

// splitSQLStatements splits on semicolons and drops comment-only lines.
func splitSQLStatements(content string) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}
	var out []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
