package session

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ProfileStore persists the local user's profile between runs in a
// small SQLite file next to the binary's state.
type ProfileStore struct {
	db *sqlx.DB
}

func OpenProfileStore(path string) (*ProfileStore, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open profile store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping profile store: %w", err)
	}

	store := &ProfileStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init profile schema: %w", err)
	}
	return store, nil
}

func (s *ProfileStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profile (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		display_name TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DisplayName returns the stored display name, empty when none is set.
func (s *ProfileStore) DisplayName() (string, error) {
	var name string
	err := s.db.Get(&name, "SELECT display_name FROM profile WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load display name: %w", err)
	}
	return name, nil
}

// SetDisplayName stores the display name, replacing any previous one.
func (s *ProfileStore) SetDisplayName(name string) error {
	_, err := s.db.Exec(`
		INSERT INTO profile (id, display_name, updated_at)
		VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			updated_at = CURRENT_TIMESTAMP`, name)
	if err != nil {
		return fmt.Errorf("store display name: %w", err)
	}
	return nil
}

func (s *ProfileStore) Close() error {
	return s.db.Close()
}
