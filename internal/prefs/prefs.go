// Package prefs is the durable client-side state: a display name cached per
// game so players keep their name across sessions. Nothing else is persisted
// locally.
package prefs

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Open prepares the prefs database at path, creating directories and schema
// as needed.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("prefs: database path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("prefs: ensure directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("prefs: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("prefs: configure sqlite: %w", err)
	}
	schema := `CREATE TABLE IF NOT EXISTS display_names (
		game_id    TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("prefs: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DisplayName returns the cached name for a game, or "" when none is set.
func (s *Store) DisplayName(gameID string) (string, error) {
	var name string
	err := s.db.QueryRow(`SELECT name FROM display_names WHERE game_id = ?`, gameID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("prefs: read display name: %w", err)
	}
	return name, nil
}

// SetDisplayName caches the name for a game, replacing any previous value.
func (s *Store) SetDisplayName(gameID, name string) error {
	_, err := s.db.Exec(
		`INSERT INTO display_names (game_id, name, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(game_id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
		gameID, name, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("prefs: write display name: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
