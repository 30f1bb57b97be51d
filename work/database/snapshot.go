package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"stb-proxy/work/portal"
)

// SnapshotStore persists the last successfully fetched channel catalog in a
// small SQLite database. Snapshots are written after each session refresh
// and only read back for diagnostics (the /status endpoint) and offline
// inspection; the serving path always goes through the live session cache.
type SnapshotStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS snapshot_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	portal TEXT NOT NULL,
	taken_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS channels (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	logo TEXT NOT NULL DEFAULT '',
	cmd TEXT NOT NULL DEFAULT ''
);`

// Open creates or opens the snapshot database at path and ensures the
// schema exists. WAL mode keeps snapshot writes from blocking concurrent
// status reads.
func Open(path string) (*SnapshotStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot schema: %w", err)
	}

	return &SnapshotStore{db: db}, nil
}

// Save replaces the stored catalog with the given one atomically.
func (s *SnapshotStore) Save(portalName string, channels []portal.Channel) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM channels`); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO channels (id, name, logo, cmd) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ch := range channels {
		if _, err := stmt.Exec(ch.ID, ch.Name, ch.Logo, ch.Cmd); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO snapshot_meta (id, portal, taken_at) VALUES (1, ?, ?)`,
		portalName, time.Now().Unix(),
	); err != nil {
		return err
	}

	return tx.Commit()
}

// Load returns the stored catalog together with the portal name and the
// time the snapshot was taken. sql.ErrNoRows is returned when no snapshot
// has ever been written.
func (s *SnapshotStore) Load() (string, []portal.Channel, time.Time, error) {
	var portalName string
	var takenAt int64
	err := s.db.QueryRow(`SELECT portal, taken_at FROM snapshot_meta WHERE id = 1`).
		Scan(&portalName, &takenAt)
	if err != nil {
		return "", nil, time.Time{}, err
	}

	rows, err := s.db.Query(`SELECT id, name, logo, cmd FROM channels ORDER BY id`)
	if err != nil {
		return "", nil, time.Time{}, err
	}
	defer rows.Close()

	var channels []portal.Channel
	for rows.Next() {
		var ch portal.Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Logo, &ch.Cmd); err != nil {
			return "", nil, time.Time{}, err
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return "", nil, time.Time{}, err
	}

	return portalName, channels, time.Unix(takenAt, 0), nil
}

// Meta reports the portal name, channel count and age of the stored
// snapshot without loading the catalog itself.
func (s *SnapshotStore) Meta() (portalName string, count int, takenAt time.Time, err error) {
	var unix int64
	if err = s.db.QueryRow(`SELECT portal, taken_at FROM snapshot_meta WHERE id = 1`).
		Scan(&portalName, &unix); err != nil {
		return "", 0, time.Time{}, err
	}
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM channels`).Scan(&count); err != nil {
		return "", 0, time.Time{}, err
	}
	return portalName, count, time.Unix(unix, 0), nil
}

func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
