package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/lansync/internal/state"
)

// --- Settings ---

// GetSetting returns the value stored under key and whether it exists.
func (d *DB) GetSetting(key string) (string, bool, error) {
	var v string
	err := d.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, true, nil
}

// SetSetting inserts or replaces a setting.
func (d *DB) SetSetting(key, value string) error {
	_, err := d.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// LoadSettings reads the persisted hosting and proxy settings. Missing keys
// keep their zero values.
func (d *DB) LoadSettings() (state.Settings, error) {
	var s state.Settings
	allow, ok, err := d.GetSetting(KeyAllowHosting)
	if err != nil {
		return s, err
	}
	if ok {
		s.AllowHosting, _ = strconv.ParseBool(allow)
	}
	for key, dst := range map[string]*string{
		KeyMyLanStoragePath: &s.MyLanStoragePath,
		KeyProxyURL:         &s.ProxyURL,
		KeyProxyServerID:    &s.ProxyServerID,
	} {
		v, _, err := d.GetSetting(key)
		if err != nil {
			return s, err
		}
		*dst = v
	}
	return s, nil
}

// SaveSettings persists the hosting and proxy settings in one transaction.
func (d *DB) SaveSettings(s state.Settings) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for key, value := range map[string]string{
		KeyAllowHosting:     strconv.FormatBool(s.AllowHosting),
		KeyMyLanStoragePath: s.MyLanStoragePath,
		KeyProxyURL:         s.ProxyURL,
		KeyProxyServerID:    s.ProxyServerID,
	} {
		if _, err := tx.Exec(
			`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, now,
		); err != nil {
			return fmt.Errorf("save setting %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settings: %w", err)
	}
	return nil
}

// --- Connection history ---

// RecordConnection stores a connect attempt and returns it with its id set.
func (d *DB) RecordConnection(candidate, path string, connErr error) (*Connection, error) {
	c := &Connection{
		ID:        uuid.NewString(),
		Candidate: candidate,
		Path:      path,
		OK:        connErr == nil,
		CreatedAt: time.Now().UnixMilli(),
	}
	if connErr != nil {
		c.Error = connErr.Error()
	}
	_, err := d.db.Exec(
		`INSERT INTO connections (id, candidate, path, ok, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Candidate, c.Path, c.OK, c.Error, c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("record connection: %w", err)
	}
	return c, nil
}

// ListConnections returns the most recent connect attempts, newest first.
func (d *DB) ListConnections(limit int) ([]Connection, error) {
	rows, err := d.db.Query(
		`SELECT id, candidate, path, ok, COALESCE(error, ''), created_at
		 FROM connections ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		var c Connection
		if err := rows.Scan(&c.ID, &c.Candidate, &c.Path, &c.OK, &c.Error, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
