package userstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultDeleteHorizon is how long a tombstone is kept so that offline devices learn about
// the deletion before it is forgotten.
const DefaultDeleteHorizon = 30 * 24 * time.Hour

// Service reads and merges per-user state.
type Service struct {
	cache     *Cache
	namespace string
	horizon   time.Duration
	now       func() time.Time
	source    IDSource
	logger    *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithDeleteHorizon overrides how long tombstones are retained.
func WithDeleteHorizon(horizon time.Duration) ServiceOption {
	return func(s *Service) {
		s.horizon = horizon
	}
}

// WithClock replaces the clock used to compute the deletion horizon.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// WithIDSource replaces the random source used to allocate profile ids.
func WithIDSource(source IDSource) ServiceOption {
	return func(s *Service) {
		s.source = source
	}
}

func NewService(cache *Cache, namespace string, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		cache:     cache,
		namespace: namespace,
		horizon:   DefaultDeleteHorizon,
		now:       time.Now,
		source:    RandomIDSource,
		logger:    logger.With(slog.String("component", "user_state")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key derives the store key for a user. The two-character prefix directory keeps any single
// directory of the durable store small.
func (s *Service) Key(userKey string) (string, error) {
	if userKey == "" || strings.ContainsAny(userKey, "/\n") {
		return "", ErrInvalidUserKey
	}
	prefix := userKey
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return fmt.Sprintf("%s/user_state/%s/%s.json", s.namespace, prefix, userKey), nil
}

// Read returns the stored state of a user; found is false if the user has never written.
func (s *Service) Read(ctx context.Context, userKey string) (State, bool, error) {
	key, err := s.Key(userKey)
	if err != nil {
		return nil, false, err
	}

	data, found, err := s.cache.Read(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read user state: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	state, err := DecodeState(data)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrCorruptState, key, err)
	}
	return state, true, nil
}

// Write merges incoming into the stored state and persists the result when it changed. It
// returns the merged state, which is what every device should adopt.
func (s *Service) Write(ctx context.Context, userKey string, incoming State) (State, bool, error) {
	key, err := s.Key(userKey)
	if err != nil {
		return nil, false, err
	}
	if err := incoming.Validate(); err != nil {
		return nil, false, err
	}

	current, _, err := s.Read(ctx, userKey)
	if err != nil && !errors.Is(err, ErrCorruptState) {
		return nil, false, err
	}
	if err != nil {
		s.logger.Warn("Replacing corrupt user state",
			slog.String("key", key),
			slog.Any("error", err),
		)
		current = nil
	}

	horizon := s.now().Add(-s.horizon)
	merged, changed := mergeWith(incoming, current, float64(horizon.UnixNano())/1e9, s.source)
	if !changed {
		return merged, false, nil
	}

	data, err := merged.Encode()
	if err != nil {
		return nil, false, err
	}

	result, err := s.cache.Write(ctx, key, data)
	if err != nil {
		return nil, false, fmt.Errorf("failed to write user state: %w", err)
	}

	s.logger.Debug("Stored user state",
		slog.String("key", key),
		slog.Int("series", len(merged)),
		slog.String("write", result.String()),
	)
	return merged, true, nil
}
