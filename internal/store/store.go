// Package store is the database collaborator the device manager writes
// through to: device rows and playback progress land here so the REST layer
// (out of process) can read them. Losing a write is never fatal to playback.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	name        TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	hostname    TEXT NOT NULL,
	control_url TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'disconnected',
	is_playing  INTEGER NOT NULL DEFAULT 0,
	current_video TEXT NOT NULL DEFAULT '',
	last_seen   TIMESTAMP
);
CREATE TABLE IF NOT EXISTS playback_progress (
	device_name TEXT NOT NULL,
	video_path  TEXT NOT NULL,
	position_s  REAL NOT NULL,
	duration_s  REAL NOT NULL,
	progress    REAL NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (device_name, video_path)
);
`

// Store wraps the sqlite handle. A nil *Store is valid and drops all writes,
// so callers don't branch on whether persistence is configured.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// Single writer: the manager is the only mutator.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertDevice records the device's observed state.
func (s *Store) UpsertDevice(name, typ, hostname, controlURL, status string, isPlaying bool, currentVideo string, lastSeen time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO devices (name, type, hostname, control_url, status, is_playing, current_video, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			type = excluded.type,
			hostname = excluded.hostname,
			control_url = excluded.control_url,
			status = excluded.status,
			is_playing = excluded.is_playing,
			current_video = excluded.current_video,
			last_seen = excluded.last_seen`,
		name, typ, hostname, controlURL, status, boolInt(isPlaying), currentVideo, lastSeen.UTC())
	return err
}

// DeleteDevice removes a purged device's row.
func (s *Store) DeleteDevice(name string) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.Exec(`DELETE FROM devices WHERE name = ?`, name)
	return err
}

// RecordProgress stores the latest playback position for (device, video).
func (s *Store) RecordProgress(deviceName, videoPath string, positionSec, durationSec, progressPct float64) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO playback_progress (device_name, video_path, position_s, duration_s, progress, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_name, video_path) DO UPDATE SET
			position_s = excluded.position_s,
			duration_s = excluded.duration_s,
			progress = excluded.progress,
			updated_at = excluded.updated_at`,
		deviceName, videoPath, positionSec, durationSec, progressPct, time.Now().UTC())
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
