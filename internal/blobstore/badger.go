package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// appendAttempts bounds how often Append retries a transaction that lost a write conflict.
const appendAttempts = 16

// Badger is a single-node Store on an embedded Badger database. Badger's commit timestamps
// serve as versions and its transaction conflict detection guards compare-and-swap.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a Badger store at path. An empty path opens an in-memory store.
func OpenBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger blob store: %w", err)
	}
	return &Badger{db: db}, nil
}

func newEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

// remainingTTL carries an existing expiry over to a rewritten entry. Badger expiries have
// second granularity, so an entry about to expire keeps at least one second instead of
// becoming permanent.
func remainingTTL(expiresAt uint64, now time.Time) time.Duration {
	if expiresAt == 0 {
		return 0
	}
	return max(time.Unix(int64(expiresAt), 0).Sub(now), time.Second)
}

func (s *Badger) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, version, err := s.Gets(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return value, version != 0, nil
}

func (s *Badger) Gets(_ context.Context, key string) ([]byte, Version, error) {
	var value []byte
	var version Version
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		version = Version(item.Version())
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get blob: %w", err)
	}
	return value, version, nil
}

func (s *Badger) CompareAndSwap(_ context.Context, key string, value []byte, version Version, ttl time.Duration) (bool, error) {
	swapped := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		if Version(item.Version()) != version {
			return nil
		}
		if err := txn.SetEntry(newEntry(key, value, ttl)); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-swap blob: %w", err)
	}
	return swapped, nil
}

func (s *Badger) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	added := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.SetEntry(newEntry(key, value, ttl)); err != nil {
			return err
		}
		added = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to add blob: %w", err)
	}
	return added, nil
}

func (s *Badger) Append(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	for attempt := 0; attempt < appendAttempts; attempt++ {
		appended := false
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get([]byte(key))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return nil
				}
				return err
			}
			current, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entryTTL := ttl
			if entryTTL <= 0 {
				entryTTL = remainingTTL(item.ExpiresAt(), time.Now())
			}
			if err := txn.SetEntry(newEntry(key, append(current, value...), entryTTL)); err != nil {
				return err
			}
			appended = true
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to append blob: %w", err)
		}
		return appended, nil
	}
	return false, ErrAppendContention
}

func (s *Badger) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	if err != nil {
		return fmt.Errorf("failed to set blob: %w", err)
	}
	return nil
}

func (s *Badger) GetMany(_ context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			item, err := txn.Get([]byte(key))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get blobs: %w", err)
	}
	return result, nil
}

func (s *Badger) Close() error {
	return s.db.Close()
}
