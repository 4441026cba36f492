package store

import (
	"database/sql"
	"errors"
	"time"
)

// GetState returns the value stored under key, or "" if absent.
func (db *DB) GetState(key string) (string, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM profile_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetState stores value under key.
func (db *DB) SetState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO profile_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}
