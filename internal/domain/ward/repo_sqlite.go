package ward

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLiteStore is a MemoryStore whose state is written to a single SQLite
// table as JSON after every transaction and restored on open. The snapshot
// is written before the in-memory state is swapped, so a failed write leaves
// both sides unchanged.
type SQLiteStore struct {
	*MemoryStore
	db   *sql.DB
	path string
}

var sqliteBuckets = []string{"facilities", "units", "patients", "sequences"}

// NewSQLiteStore opens (or creates) the database at path and loads any
// previously saved state.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "admissions.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; snapshots are serialized by the memory store lock anyway
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}

	s := &SQLiteStore{MemoryStore: NewMemoryStore(), db: db, path: path}
	if err := s.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.MemoryStore.onCommit = s.persist
	return s, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snap Snapshot
	found := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		found = true
		var target interface{}
		switch bucket {
		case "facilities":
			target = &snap.Facilities
		case "units":
			target = &snap.Units
		case "patients":
			target = &snap.Patients
		case "sequences":
			target = &snap.Sequences
		default:
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return fmt.Errorf("decode %s: %w", bucket, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if found {
		s.ImportState(snap)
	}
	return nil
}

func (s *SQLiteStore) persist(snap Snapshot) (retErr error) {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range sqliteBuckets {
		var data []byte
		switch bucket {
		case "facilities":
			data, err = json.Marshal(snap.Facilities)
		case "units":
			data, err = json.Marshal(snap.Units)
		case "patients":
			data, err = json.Marshal(snap.Patients)
		case "sequences":
			data, err = json.Marshal(snap.Sequences)
		}
		if err != nil {
			return err
		}
		if _, err = tx.Exec(`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	return tx.Commit()
}
