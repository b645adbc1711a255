package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the history table if
// it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer keeps SQLite free of "database is locked" errors.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS download_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		track_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		author TEXT NOT NULL,
		platform TEXT,
		source_url TEXT,
		state TEXT NOT NULL,
		error TEXT,
		downloaded INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		-- unix nanoseconds
		recorded_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create download_outcomes table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_download_outcomes_recorded_at ON download_outcomes (recorded_at)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create recorded_at index: %w", err)
	}

	return db, nil
}
