package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Pebble is a single-node durable Store on an embedded Pebble database.
type Pebble struct {
	db *pebble.DB
}

func OpenPebble(dir string) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble object store: %w", err)
	}
	return &Pebble{db: db}, nil
}

func (s *Pebble) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get object: %w", err)
	}
	defer closer.Close()

	return append([]byte(nil), v...), true, nil
}

func (s *Pebble) Put(_ context.Context, key string, value []byte) error {
	if err := s.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

func (s *Pebble) Close() error {
	return s.db.Close()
}
