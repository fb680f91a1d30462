package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite ledger at path and creates the downloads table if
// it doesn't exist. Use ":memory:" for an in-process database.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The worker is the only writer; a single connection avoids SQLITE_BUSY
	// and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY,
		source TEXT UNIQUE NOT NULL,
		cache_key TEXT NOT NULL,
		file_path TEXT,
		status TEXT NOT NULL,
		reason TEXT,
		downloaded_at TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create downloads table: %w", err)
	}

	return db, nil
}
