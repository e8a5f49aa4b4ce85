package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/cabwire/cabwire/pkg/logger"
	_ "modernc.org/sqlite"
)

// Error is a local alias for the logger error field helper
var Error = logger.Error

// Open opens (creating if necessary) the SQLite database at the given
// path, configured for concurrent readers with a single writer.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc sqlite serializes writes internally; a single connection
	// avoids SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}
