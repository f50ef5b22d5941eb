// Package db opens the per-workspace SQLite store. Everything lives in a
// single file under the workspace's .epicline directory.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dbFile = "epicline.db"

type Config struct {
	Workspace string
}

// Path returns where the database file for a workspace lives.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".epicline", dbFile)
}

// EnsureWorkspace creates the .epicline directory if it is missing and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, ".epicline")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open ensures the workspace directory exists and opens the database.
// Foreign keys are enabled so epic deletion cascades through snapshots,
// transcript events, decisions and pending proposals.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", Path(cfg.Workspace))
	return sql.Open("sqlite", dsn)
}
