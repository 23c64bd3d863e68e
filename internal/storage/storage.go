// Package storage is the Pebble key-value store under the attestation ledger.
package storage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

const (
	// DefaultFlushInterval is the WAL sync period of deferred-durability stores.
	DefaultFlushInterval = 100 * time.Millisecond

	cacheBytes   = 32 << 20
	memTableSize = 16 << 20
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage: closed")

// Durability selects when writes reach the disk.
type Durability uint8

const (
	// DurabilityImmediate syncs the WAL before a write returns. A validator
	// must not hand out an attestation that a crash could make it forget.
	DurabilityImmediate Durability = iota

	// DurabilityDeferred buffers writes and syncs the WAL every
	// FlushInterval. A crash may lose the last interval of writes.
	DurabilityDeferred
)

// Options configures a store.
type Options struct {
	Durability    Durability    // Durability defaults to DurabilityImmediate
	FlushInterval time.Duration // FlushInterval applies to DurabilityDeferred
	InMemory      bool          // InMemory keeps every file in memory
}

// KeyValue is one entry of an atomic batch.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// Storage wraps a Pebble database. Values returned by Get are copies;
// slices handed to iteration callbacks are only valid during the call.
type Storage struct {
	db     *pebble.DB
	write  *pebble.WriteOptions
	closed atomic.Bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New opens (or creates) a durable store at path.
func New(path string) (*Storage, error) {
	return Open(path, Options{})
}

// NewInMemory creates a store whose files live in memory only.
func NewInMemory() (*Storage, error) {
	return Open("", Options{InMemory: true})
}

// Open opens a store at path with the given options.
func Open(path string, opts Options) (*Storage, error) {
	pebbleOpts := &pebble.Options{
		Cache:                       pebble.NewCache(cacheBytes),
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: 2,
	}
	defer pebbleOpts.Cache.Unref()

	if opts.InMemory {
		pebbleOpts.FS = vfs.NewMem()
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %q:\n%w", path, err)
	}

	s := &Storage{db: db, write: pebble.Sync}

	if opts.Durability == DurabilityDeferred {
		interval := opts.FlushInterval
		if interval <= 0 {
			interval = DefaultFlushInterval
		}

		s.write = pebble.NoSync
		s.stop = make(chan struct{})
		s.wg.Add(1)

		go s.flushLoop(interval)
	}

	return s, nil
}

// Get returns a copy of the value stored at key, or nil if absent.
func (s *Storage) Get(key []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	value, closer, err := s.db.Get(key)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("get:\n%w", err)
	}
	defer closer.Close()

	return append([]byte(nil), value...), nil
}

// Has reports whether key is present.
func (s *Storage) Has(key []byte) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}

	_, closer, err := s.db.Get(key)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("has:\n%w", err)
	}

	return true, closer.Close()
}

// Set stores one key.
func (s *Storage) Set(key, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	if err := s.db.Set(key, value, s.write); err != nil {
		return fmt.Errorf("set:\n%w", err)
	}

	return nil
}

// SetBatch stores all pairs or none.
func (s *Storage) SetBatch(pairs []KeyValue) error {
	if s.closed.Load() {
		return ErrClosed
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, kv := range pairs {
		if err := batch.Set(kv.Key, kv.Value, nil); err != nil {
			return fmt.Errorf("batch set:\n%w", err)
		}
	}

	if err := batch.Commit(s.write); err != nil {
		return fmt.Errorf("commit batch:\n%w", err)
	}

	return nil
}

// IteratePrefix calls fn for every key starting with prefix, in key order.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return s.IterateRange(prefix, PrefixEnd(prefix), fn)
}

// IterateRange calls fn for every key in [lower, upper), in key order.
// A nil upper is unbounded. An error from fn stops the scan and is returned.
func (s *Storage) IterateRange(lower, upper []byte, fn func(key, value []byte) error) error {
	if s.closed.Load() {
		return ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("new iterator:\n%w", err)
	}

	for valid := iter.First(); valid; valid = iter.Next() {
		value, err := iter.ValueAndErr()
		if err == nil {
			err = fn(iter.Key(), value)
		}

		if err != nil {
			iter.Close()
			return err
		}
	}

	if err := iter.Close(); err != nil {
		return fmt.Errorf("iterate:\n%w", err)
	}

	return nil
}

// PrefixEnd returns the smallest key greater than every key with
// the given prefix, or nil when no such key exists (all 0xff).
func PrefixEnd(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xff {
			upper := append([]byte(nil), prefix[:i+1]...)
			upper[i]++

			return upper
		}
	}

	return nil
}

// Close flushes pending writes and closes the database. Later calls are no-ops.
func (s *Storage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	if s.stop != nil {
		close(s.stop)
		s.wg.Wait()
	}

	if err := s.flush(); err != nil {
		s.db.Close()
		return err
	}

	return s.db.Close()
}

// flushLoop syncs the WAL every interval until Close.
func (s *Storage) flushLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stop:
			return
		}
	}
}

// flush forces buffered WAL entries to disk.
func (s *Storage) flush() error {
	if err := s.db.LogData(nil, pebble.Sync); err != nil {
		return fmt.Errorf("sync wal:\n%w", err)
	}

	return nil
}
