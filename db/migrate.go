package db

import (
	"database/sql"
	"embed"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/graphloom/loom/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate runs all pending migrations.
// If logger is provided, logs migration progress; otherwise operates silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	// Lexicographic order: 000_create_schema_migrations.sql runs first
	var migrationFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrationFiles = append(migrationFiles, entry.Name())
		}
	}
	sort.Strings(migrationFiles)

	for _, filename := range migrationFiles {
		version := strings.Split(filename, "_")[0]

		var exists bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			// schema_migrations is created by migration 000 itself
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
			}
		} else if exists {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)", "migration", filename)
			}
			continue
		}

		sqlBytes, err := migrations.ReadFile(filepath.Join("migrations", filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		if logger != nil {
			logger.Infow("Applying migration", "migration", filename, "version", version)
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}

		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", filename)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record version for %s", filename)
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}
	}

	return nil
}
