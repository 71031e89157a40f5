// Package audiocache stores synthesized line audio as WAV so identical text,
// voice and language never need to be synthesized twice.
package audiocache

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

var ErrNotFound = errors.New("audio not cached")

const keyPrefix = "audio/"

type Store struct {
	db *badger.DB
}

type Options struct {
	// Dir is the directory for the cache files. Required unless InMemory is
	// set.
	Dir string
	// InMemory keeps the cache in memory only.
	InMemory bool
}

func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("audio cache directory is required")
	}

	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio cache: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var wav []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		wav, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return wav, err
}

func (s *Store) Put(_ context.Context, key string, wav []byte) error {
	if len(wav) == 0 {
		return errors.New("refusing to cache empty audio")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+key), wav)
	})
}

func (s *Store) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

type Stats struct {
	Entries int
	Bytes   int64
}

func (s *Store) Stats(_ context.Context) (Stats, error) {
	var stats Stats
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		iterOpts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			stats.Entries++
			stats.Bytes += it.Item().ValueSize()
		}
		return nil
	})
	return stats, err
}

// Clear removes every cached clip.
func (s *Store) Clear(_ context.Context) error {
	return s.db.DropPrefix([]byte(keyPrefix))
}

func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger forwards warnings and errors to the package logger and drops
// the rest.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...any)   { logger.Error(fmt.Sprintf(f, v...)) }
func (badgerLogger) Warningf(f string, v ...any) { logger.Warn(fmt.Sprintf(f, v...)) }
func (badgerLogger) Infof(string, ...any)        {}
func (badgerLogger) Debugf(string, ...any)       {}
