// Package sighting persists the last time each tracked device was seen,
// so the attributes document can report a last-seen time that survives
// restarts.
package sighting

import (
	"database/sql"
	"fmt"
	"time"
)

// Sighting is the stored record for one device.
type Sighting struct {
	Address      string    `json:"address"`
	Name         string    `json:"name"`
	State        string    `json:"state"`
	LastSeen     time.Time `json:"last_seen"`
	ObservedName string    `json:"observed_name,omitempty"`
	RSSI         int       `json:"rssi,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store persists device sightings in SQLite. The caller owns the
// *sql.DB and is responsible for closing it.
type Store struct {
	db *sql.DB
}

// NewStore creates a sighting store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate sightings: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sightings (
			address       TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			state         TEXT NOT NULL,
			last_seen     TEXT NOT NULL DEFAULT '',
			observed_name TEXT NOT NULL DEFAULT '',
			rssi          INTEGER NOT NULL DEFAULT 0,
			updated_at    TEXT NOT NULL
		)
	`)
	return err
}

// Record stores the outcome of one cycle for a device. A non-zero
// LastSeen advances the stored last-seen time along with the observed
// name and RSSI. A zero LastSeen updates only the state and updated_at,
// so the stored last-seen time keeps pointing at the latest sighting.
func (s *Store) Record(sg Sighting) error {
	updated := sg.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	ts := formatTime(updated)

	if !sg.LastSeen.IsZero() {
		_, err := s.db.Exec(`
			INSERT INTO sightings (address, name, state, last_seen, observed_name, rssi, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(address) DO UPDATE SET
				name = excluded.name,
				state = excluded.state,
				last_seen = excluded.last_seen,
				observed_name = excluded.observed_name,
				rssi = excluded.rssi,
				updated_at = excluded.updated_at`,
			sg.Address, sg.Name, sg.State, formatTime(sg.LastSeen), sg.ObservedName, sg.RSSI, ts,
		)
		if err != nil {
			return fmt.Errorf("record sighting %s: %w", sg.Address, err)
		}
		return nil
	}

	_, err := s.db.Exec(`
		INSERT INTO sightings (address, name, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		sg.Address, sg.Name, sg.State, ts,
	)
	if err != nil {
		return fmt.Errorf("record absence %s: %w", sg.Address, err)
	}
	return nil
}

// List returns every stored sighting ordered by device name.
func (s *Store) List() ([]Sighting, error) {
	rows, err := s.db.Query(`
		SELECT address, name, state, last_seen, observed_name, rssi, updated_at
		FROM sightings ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sightings: %w", err)
	}
	defer rows.Close()

	var out []Sighting
	for rows.Next() {
		var (
			sg            Sighting
			seen, updated string
		)
		if err := rows.Scan(&sg.Address, &sg.Name, &sg.State, &seen, &sg.ObservedName, &sg.RSSI, &updated); err != nil {
			return nil, err
		}
		if sg.LastSeen, err = parseTime(seen); err != nil {
			return nil, err
		}
		if sg.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}
