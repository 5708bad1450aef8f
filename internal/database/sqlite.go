package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// OpenSQLite opens the single-node catalog database at path. ":memory:" opens a
// private in-memory database limited to one connection.
func (s *Service) OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	dsn, err := buildSQLiteDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if path == ":memory:" {
		// every new connection would see a fresh empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(2)
	}

	if err := s.Ping(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.WithField("path", path).Info("SQLite catalog opened")
	return db, nil
}

func buildSQLiteDSN(path string) (string, error) {
	if path == ":memory:" {
		return "file::memory:?_pragma=foreign_keys(ON)", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create database directory: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve database path: %w", err)
	}
	absPath = strings.ReplaceAll(absPath, "\\", "/")

	return fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", absPath), nil
}
