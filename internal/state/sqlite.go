package state

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"sync"

	"github.com/zeebo/xxh3"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore keeps blobs as rows in a single SQLite database. Each row
// carries an xxh3 checksum so a torn or corrupted blob reads back as
// absent instead of poisoning the caller.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLiteStore opens (or creates) the store at path and applies schema
// migrations.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := MigrateBlobDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// OpenDB opens a SQLite database at path with recommended pragmas:
// WAL journal mode, synchronous=NORMAL, busy_timeout=5000.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}

// Load reads a blob row and verifies its checksum. A mismatch is logged
// and treated as an absent blob.
func (s *SQLiteStore) Load(name string) ([]byte, error) {
	row := s.db.QueryRow("SELECT data, checksum FROM blobs WHERE name = ?", name)
	var data []byte
	var checksum string
	if err := row.Scan(&data, &checksum); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("state: load blob %s: %w", name, err)
	}
	if blobChecksum(data) != checksum {
		log.Printf("[state] blob %s failed checksum verification, treating as absent", name)
		return nil, nil
	}
	return data, nil
}

// Save upserts a blob row with its checksum.
func (s *SQLiteStore) Save(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO blobs (name, data, checksum, updated_at_ns)
		VALUES (?, ?, ?, strftime('%s','now') * 1000000000)
		ON CONFLICT(name) DO UPDATE SET
			data          = excluded.data,
			checksum      = excluded.checksum,
			updated_at_ns = excluded.updated_at_ns
	`, name, data, blobChecksum(data))
	if err != nil {
		return fmt.Errorf("state: save blob %s: %w", name, err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func blobChecksum(data []byte) string {
	sum := xxh3.Hash128(data).Bytes()
	return hex.EncodeToString(sum[:])
}
