// Package db opens and migrates the SQLite database holding pipeline state:
// jobs, dead letters, alerts, recovery attempts, and optimization changes.
package db

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/graphloom/loom/errors"
)

// Open opens a SQLite database at the specified path with optimized settings.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// WAL mode allows concurrent reads during writes
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable WAL mode")
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to set busy timeout")
	}

	if logger != nil {
		logger.Infow("Database opened",
			"path", path,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}
