package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const memoryDSN = "file::memory:?cache=shared"

type SQLite struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLite opens the cache with the given filename as the db.
// If file name is empty or "memory", a shared in-memory db is opened.
func NewSQLite(filename string) (*SQLite, error) {
	if filename == "" || filename == "memory" {
		filename = memoryDSN
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			expires INTEGER,
			stored_at INTEGER,
			bytes BLOB
		)`,
		"CREATE INDEX IF NOT EXISTS expires_idx ON cache (expires)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init cache db: %w", err)
		}
	}
	return &SQLite{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLite) Get(key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var expires, storedAt int64
	err := s.db.QueryRow("SELECT expires, stored_at, bytes FROM cache WHERE key = ?", key).
		Scan(&expires, &storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.Expires = timeOrZero(expires)
	entry.StoredAt = timeOrZero(storedAt)
	if entry.expired(time.Now()) {
		return Entry{}, false, s.Purge(key)
	}
	return entry, true, nil
}

func (s *SQLite) Put(e Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO cache (key, expires, stored_at, bytes) VALUES (?, ?, ?, ?)",
		e.Key, unixOrZero(e.Expires), unixOrZero(e.StoredAt), e.Bytes)
	return err
}

func (s *SQLite) Purge(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE key = ?", key)
	return err
}

func (s *SQLite) Keys(prefix string, cb func(string)) error {
	// substr instead of LIKE, since keys contain URLs with '_' and '%'
	rows, err := s.db.Query(
		"SELECT key FROM cache WHERE substr(key, 1, ?) = ? AND (expires = 0 OR expires >= ?) ORDER BY key",
		len(prefix), prefix, time.Now().Unix(),
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
