package sim

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/verdant-labs/hlpd/internal/hlp"
)

// Store persists a simulated device's schedules and groups across restarts,
// like the flash retention of a real fixture. One store file is shared by
// all simulated devices; rows are keyed per device.
type Store struct {
	db *sql.DB
}

const (
	kindSchedule = "schedule"
	kindGroup    = "group"
)

// OpenStore opens the SQLite file and initializes the schema.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS device_state (
			device_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (device_id, kind, id)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) save(deviceID, kind, id string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %q: %w", kind, id, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO device_state (device_id, kind, id, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id, kind, id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, deviceID, kind, id, string(data), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to store %s %q: %w", kind, id, err)
	}
	return nil
}

func (s *Store) load(deviceID, kind string, each func(id string, payload []byte) error) error {
	rows, err := s.db.Query(`
		SELECT id, payload FROM device_state
		WHERE device_id = ? AND kind = ?
	`, deviceID, kind)
	if err != nil {
		return fmt.Errorf("failed to load %s rows: %w", kind, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return err
		}
		if err := each(id, []byte(payload)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SaveSchedule upserts one schedule for a device.
func (s *Store) SaveSchedule(deviceID string, sched hlp.Schedule) error {
	return s.save(deviceID, kindSchedule, sched.ID, sched)
}

// SaveGroup upserts one group for a device.
func (s *Store) SaveGroup(deviceID string, group hlp.Group) error {
	return s.save(deviceID, kindGroup, group.ID, group)
}

// LoadSchedules returns all retained schedules for a device.
func (s *Store) LoadSchedules(deviceID string) (map[string]hlp.Schedule, error) {
	out := make(map[string]hlp.Schedule)
	err := s.load(deviceID, kindSchedule, func(id string, payload []byte) error {
		var sched hlp.Schedule
		if err := json.Unmarshal(payload, &sched); err != nil {
			return fmt.Errorf("failed to unmarshal schedule %q: %w", id, err)
		}
		out[id] = sched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LoadGroups returns all retained groups for a device.
func (s *Store) LoadGroups(deviceID string) (map[string]hlp.Group, error) {
	out := make(map[string]hlp.Group)
	err := s.load(deviceID, kindGroup, func(id string, payload []byte) error {
		var group hlp.Group
		if err := json.Unmarshal(payload, &group); err != nil {
			return fmt.Errorf("failed to unmarshal group %q: %w", id, err)
		}
		out[id] = group
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
