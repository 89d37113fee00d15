package commands

import (
	"database/sql"

	"github.com/teranos/almasync/am"
	"github.com/teranos/almasync/db"
	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/logger"
)

// resolveDatabasePath returns dbPath, or the configured path when dbPath is empty
func resolveDatabasePath(dbPath string) (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	path, err := am.GetDatabasePath()
	if err != nil {
		return "", errors.Wrap(err, "failed to get database path")
	}
	if path == "" {
		return am.DefaultDatabasePath, nil
	}
	return path, nil
}

// openDatabase opens and migrates the database at dbPath (config when empty)
func openDatabase(dbPath string) (*sql.DB, error) {
	path, err := resolveDatabasePath(dbPath)
	if err != nil {
		return nil, err
	}

	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}
