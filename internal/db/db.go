package db

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	stateDir = ".weekline"
	fileName = "weekline.db"
)

var pragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
	"journal_mode(WAL)",
}

type Config struct {
	Workspace string
}

// EnsureWorkspace creates <workspace>/.weekline and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(orDot(workspace), stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Open opens the workspace database. The pool holds a single connection so
// concurrent ticks queue on it instead of failing with SQLITE_BUSY.
func Open(cfg Config) (*sqlx.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	conn, err := sqlx.Open("sqlite", dsn(Path(cfg.Workspace)))
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

func dsn(file string) string {
	q := url.Values{"_pragma": pragmas}
	return "file:" + file + "?" + q.Encode()
}

// Path returns the database file for the workspace.
func Path(workspace string) string {
	return filepath.Join(orDot(workspace), stateDir, fileName)
}

func orDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
