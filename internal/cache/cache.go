// Package cache implements the persistent (category, key) -> Entry
// store: a single embedded relational file with per-key single-flight,
// so concurrent callers for the same key invoke the underlying producer
// at most once process-wide.
package cache

import (
	"database/sql"
	"fmt"
	"time"

	// the sqlite3 driver registers itself under the "sqlite3" name
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Entry is one cached tuple: a category, a key, a value-or-error, how
// long producing it took, and when it was created.
type Entry struct {
	Category       string
	Key            string
	Value          string
	IsError        bool
	DurationMicros int64
	CreatedAt      time.Time
}

// Observer receives cache-lookup outcome notifications, used to feed
// the domain-stack metrics (internal/mgmt) without this package
// depending on it directly.
type Observer interface {
	CacheLookup(category, result string) // result: "hit", "miss", or "wait"
}

// Store is the persistent, single-flighted cache. The backing file is
// opened in a mode compatible with multi-reader/single-writer access
// (WAL journal mode), so concurrent readers never block on a writer.
type Store struct {
	db *sql.DB
	sf singleflight.Group

	// Observer, if set, is notified of every WithSingleFlight outcome.
	Observer Observer
}

// Open opens (creating if absent) the sqlite-backed cache file at path.
// An empty path opens an in-memory store, useful for tests and for
// no_network jobs that never touch the cache. Every Store opened with an
// empty path in the same process shares that one in-memory database
// while any of them is open.
func Open(path string) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	} else {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open cache at %s", path)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS cache (
	category TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	is_error BOOLEAN NOT NULL,
	duration_micros INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (category, key)
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, errors.Wrap(err, "can't create cache schema")
	}

	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the cached entry for (category, key), if any.
func (s *Store) Get(category, key string) (Entry, bool, error) {
	row := s.db.QueryRow(
		`SELECT value, is_error, duration_micros, created_at FROM cache WHERE category = ? AND key = ?`,
		category, key,
	)

	var e Entry
	var createdAtUnix int64
	err := row.Scan(&e.Value, &e.IsError, &e.DurationMicros, &createdAtUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "can't read cache entry %s/%s", category, key)
	}
	e.Category, e.Key = category, key
	e.CreatedAt = time.UnixMicro(createdAtUnix)
	return e, true, nil
}

// Put inserts or overwrites the entry for (category, key). A successful
// Put is observable by subsequent Gets until overwritten or evicted;
// concurrent puts to the same key resolve last-writer-wins here, with
// WithSingleFlight preventing concurrent producers from racing in the
// first place.
func (s *Store) Put(category, key, value string, isError bool, durationMicros int64) error {
	_, err := s.db.Exec(
		`INSERT INTO cache (category, key, value, is_error, duration_micros, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(category, key) DO UPDATE SET
			value = excluded.value, is_error = excluded.is_error,
			duration_micros = excluded.duration_micros, created_at = excluded.created_at`,
		category, key, value, isError, durationMicros, time.Now().UnixMicro(),
	)
	if err != nil {
		return errors.Wrapf(err, "can't write cache entry %s/%s", category, key)
	}
	return nil
}

// Producer computes a fresh value for a cache miss. It returns the value
// (or error message) and whether that value represents an error.
type Producer func() (value string, isError bool)

// WithSingleFlight returns the cached entry for (category, key) if one
// exists; otherwise it invokes produce exactly once on behalf of every
// concurrent caller for that key, publishes the result with its measured
// duration, and returns it, backed natively by
// golang.org/x/sync/singleflight. The produced return reports whether
// this call ran the producer itself, as opposed to reading a cached
// entry or waiting on another caller's in-flight fetch.
//
// A cached entry that holds an error is returned as-is unless
// retryCachedErrors is set, in which case it is treated as a miss and
// produce is invoked again.
func (s *Store) WithSingleFlight(category, key string, retryCachedErrors bool, produce Producer) (entry Entry, produced bool, err error) {
	if e, ok, err := s.Get(category, key); err != nil {
		return Entry{}, false, err
	} else if ok && (!e.IsError || !retryCachedErrors) {
		s.notify(category, "hit")
		return e, false, nil
	}

	sfKey := category + "\x00" + key
	var wasMiss bool
	v, err, shared := s.sf.Do(sfKey, func() (interface{}, error) {
		// re-check: another caller may have populated the entry between
		// our initial Get above and winning the single-flight race
		if e, ok, gerr := s.Get(category, key); gerr == nil && ok && (!e.IsError || !retryCachedErrors) {
			return e, nil
		}

		wasMiss = true
		start := time.Now()
		value, isError := produce()
		dur := time.Since(start).Microseconds()

		if perr := s.Put(category, key, value, isError, dur); perr != nil {
			return Entry{}, perr
		}
		return Entry{Category: category, Key: key, Value: value, IsError: isError,
			DurationMicros: dur, CreatedAt: time.Now()}, nil
	})
	switch {
	case wasMiss:
		s.notify(category, "miss")
	case shared:
		s.notify(category, "wait")
	default:
		s.notify(category, "hit")
	}
	if err != nil {
		return Entry{}, false, err
	}

	e, ok := v.(Entry)
	if !ok {
		return Entry{}, false, fmt.Errorf("unexpected single-flight result type %T", v)
	}
	return e, wasMiss, nil
}

func (s *Store) notify(category, result string) {
	if s.Observer != nil {
		s.Observer.CacheLookup(category, result)
	}
}
