package db

import (
	"database/sql"
	"embed"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/logger"
)

const migrationsDir = "sqlite/migrations"

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// Migrate applies every embedded migration not yet recorded in schema_migrations,
// each in its own transaction. A nil log runs silently.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	if log != nil {
		log = logger.AddDBSymbol(log)
	}

	files, err := migrationFiles()
	if err != nil {
		return err
	}

	applied := 0
	for _, filename := range files {
		version := migrationVersion(filename)
		done, err := isApplied(db, version)
		if err != nil {
			return errors.Wrapf(err, "check %s", filename)
		}
		if done {
			continue
		}

		if log != nil {
			log.Infow("Applying migration", "migration", filename, "version", version)
		}
		if err := applyMigration(db, filename, version); err != nil {
			return err
		}
		applied++
	}

	if log != nil {
		log.Infow("Schema up to date", "applied", applied, "known", len(files))
	}
	return nil
}

// migrationFiles lists the embedded .sql files in version order
func migrationFiles() ([]string, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// migrationVersion is the numeric prefix of a migration file name
func migrationVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}

// isApplied reports whether version is recorded. Before 000 has run the
// bookkeeping table does not exist, which only 000 itself may encounter.
func isApplied(db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRow(`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)`, version).Scan(&exists)
	if err == nil {
		return exists, nil
	}
	if version == "000" {
		return false, nil
	}
	return false, errors.Wrap(err, "schema_migrations table missing")
}

func applyMigration(db *sql.DB, filename, version string) error {
	body, err := migrations.ReadFile(migrationsDir + "/" + filename)
	if err != nil {
		return errors.Wrapf(err, "read %s", filename)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", filename)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return errors.Wrapf(err, "execute %s", filename)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
		return errors.Wrapf(err, "record %s", filename)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", filename)
}

// AppliedMigrations lists applied migration versions in order
func AppliedMigrations(db *sql.DB) ([]string, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, errors.Wrap(err, "query schema_migrations")
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
