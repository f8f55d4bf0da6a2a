// Package store implements the persistent model store backing the mesh's
// declarative entities (Mesh, Node, Connection, Subscription, Session,
// Message, SessionRouting). It wraps badger/v4 with a functional
// transaction API, re-scoped from a generic KV layer to domain-specific,
// key-encoded CRUD for this module's seven entities.
package store

import (
	"errors"
	"fmt"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// ErrNotFound is returned when a lookup key has no record.
var ErrNotFound = errors.New("store: not found")

// Config configures the badger-backed store.
type Config struct {
	Dir              string
	ValueLogFileSize int64
	SyncWrites       bool
}

// DefaultConfig returns sensible defaults for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:              dir,
		ValueLogFileSize: 256 << 20,
		SyncWrites:       false,
	}
}

// Store is the badger-backed model store.
type Store struct {
	db  *badger.DB
	cfg Config
}

// badgerLogger downgrades badger's internal logging to error/warning only.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{})   { fmt.Printf("[badger] ERROR "+f+"\n", v...) }
func (badgerLogger) Warningf(f string, v ...interface{}) { fmt.Printf("[badger] WARN "+f+"\n", v...) }
func (badgerLogger) Infof(string, ...interface{})        {}
func (badgerLogger) Debugf(string, ...interface{})       {}

// Open opens (creating if necessary) a badger-backed store at cfg.Dir.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir %s: %w", cfg.Dir, err)
	}

	opts := badger.DefaultOptions(cfg.Dir).
		WithLogger(badgerLogger{}).
		WithSyncWrites(cfg.SyncWrites).
		WithCompression(options.Snappy)
	if cfg.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(cfg.ValueLogFileSize)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Dir, err)
	}

	return &Store{db: db, cfg: cfg}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Transaction is the functional-transaction surface handed to callers of
// Update/View. Every CRUD helper in this package is implemented in terms
// of it, so a caller needing cross-entity atomicity (the SessionRouter's
// forward+backward pair insert, most notably) can compose multiple
// entity writes inside one call to Update.
type Transaction interface {
	get(key []byte) ([]byte, error)
	set(key, value []byte) error
	delete(key []byte) error
	scanPrefix(prefix []byte) (map[string][]byte, error)
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTxn) set(key, value []byte) error {
	return t.txn.Set(key, value)
}

func (t *badgerTxn) delete(key []byte) error {
	return t.txn.Delete(key)
}

func (t *badgerTxn) scanPrefix(prefix []byte) (map[string][]byte, error) {
	out := make(map[string][]byte)
	it := t.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		out[string(item.KeyCopy(nil))] = val
	}
	return out, nil
}

// Update runs fn inside a single read-write badger transaction, committing
// on success and discarding on error. This is the
// one place multi-entity atomic writes (e.g. a SessionRouting forward +
// backward pair) happen.
func (s *Store) Update(fn func(Transaction) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

// View runs fn inside a read-only badger transaction.
func (s *Store) View(fn func(Transaction) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

// nowRFC3339 returns the current time. Nothing in the package calls it.
func nowRFC3339() time.Time {
	return time.Now()
}
