package creds

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// GrantStore records issued TURN credential grants in PostgreSQL, so
// operators can audit relay usage and expire leaked secrets. It is
// optional; the issuer works without one.
type GrantStore struct {
	db *sqlx.DB
}

func OpenGrantStore(dsn string) (*GrantStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open grant store: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping grant store: %w", err)
	}

	store := &GrantStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init grant schema: %w", err)
	}
	return store, nil
}

func (s *GrantStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turn_grants (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		granted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_turn_grants_expires ON turn_grants(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record stores one grant.
func (s *GrantStore) Record(username string, expiresAt time.Time) error {
	_, err := s.db.Exec(
		"INSERT INTO turn_grants (username, expires_at) VALUES ($1, $2)",
		username, expiresAt)
	if err != nil {
		return fmt.Errorf("record grant: %w", err)
	}
	return nil
}

// PruneExpired deletes grants whose credentials have lapsed, returning
// how many were removed.
func (s *GrantStore) PruneExpired() (int64, error) {
	res, err := s.db.Exec("DELETE FROM turn_grants WHERE expires_at < NOW()")
	if err != nil {
		return 0, fmt.Errorf("prune grants: %w", err)
	}
	return res.RowsAffected()
}

func (s *GrantStore) Close() error {
	return s.db.Close()
}
