// Package migrate applies the embedded schema migrations in version order.
// A migration file is named <version>_<name>.sql and runs at most once; the
// applied version is tracked in the schema_version table.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

type migration struct {
	version int
	name    string
	up      string
}

func load() ([]migration, error) {
	entries, err := fs.ReadDir(migrationFiles, "sql")
	if err != nil {
		return nil, err
	}
	var out []migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := migrationFiles.ReadFile("sql/" + entry.Name())
		if err != nil {
			return nil, err
		}
		prefix, _, found := strings.Cut(entry.Name(), "_")
		v, convErr := strconv.Atoi(prefix)
		if !found || convErr != nil {
			return nil, fmt.Errorf("migration filename %q: want <version>_<name>.sql", entry.Name())
		}
		out = append(out, migration{version: v, name: entry.Name(), up: string(data)})
	}
	slices.SortFunc(out, func(a, b migration) int { return a.version - b.version })
	return out, nil
}

func currentVersion(tx *sql.Tx) (int, error) {
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}
	var v int
	err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("init schema_version: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}

// Migrate brings the database up to the latest embedded version. All pending
// migrations run in a single transaction.
func Migrate(db *sql.DB) error {
	migrations, err := load()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	version, err := currentVersion(tx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := tx.Exec(m.up); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, m.version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		version = m.version
	}
	return tx.Commit()
}
