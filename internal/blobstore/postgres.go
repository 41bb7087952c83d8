package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Versions come from one sequence so a purged and recreated row never reuses a version
// a caller may still hold.
var postgresSchema = []string{
	`CREATE SEQUENCE IF NOT EXISTS cas_blob_versions`,
	`CREATE TABLE IF NOT EXISTS cas_blobs (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		version    BIGINT NOT NULL,
		expires_at TIMESTAMPTZ NULL
	)`,
}

const nextVersion = `nextval('cas_blob_versions')`

// liveRow is the predicate shared by every read so expired rows behave like missing keys.
const liveRow = `(expires_at IS NULL OR expires_at > NOW())`

// Postgres stores blobs in a single table and implements compare-and-swap with a version
// column and conditional UPDATE statements.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres creates a Postgres blob store on top of an open connection pool
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the blob table if it does not exist
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create cas_blobs schema: %w", err)
		}
	}
	return nil
}

func expiry(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().Add(ttl)
}

func (s *Postgres) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, version, err := s.Gets(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return value, version != 0, nil
}

func (s *Postgres) Gets(ctx context.Context, key string) ([]byte, Version, error) {
	query := `
		SELECT value, version
		FROM cas_blobs
		WHERE key = $1 AND ` + liveRow

	var value []byte
	var version int64
	err := s.db.QueryRowxContext(ctx, query, key).Scan(&value, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to get blob: %w", err)
	}

	return value, Version(version), nil
}

func (s *Postgres) CompareAndSwap(ctx context.Context, key string, value []byte, version Version, ttl time.Duration) (bool, error) {
	query := `
		UPDATE cas_blobs
		SET value = $2,
		    version = ` + nextVersion + `,
		    expires_at = $4
		WHERE key = $1
		  AND version = $3
		  AND ` + liveRow

	return s.execAffected(ctx, "compare-and-swap", query, key, value, int64(version), expiry(ttl))
}

func (s *Postgres) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	// An expired row is still physically present, so Add takes it over in place.
	query := `
		INSERT INTO cas_blobs (key, value, version, expires_at)
		VALUES ($1, $2, ` + nextVersion + `, $3)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    version = ` + nextVersion + `,
		    expires_at = EXCLUDED.expires_at
		WHERE cas_blobs.expires_at IS NOT NULL
		  AND cas_blobs.expires_at <= NOW()
	`

	return s.execAffected(ctx, "add", query, key, value, expiry(ttl))
}

func (s *Postgres) Append(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	query := `
		UPDATE cas_blobs
		SET value = value || $2,
		    version = ` + nextVersion + `,
		    expires_at = COALESCE($3::timestamptz, expires_at)
		WHERE key = $1
		  AND ` + liveRow

	return s.execAffected(ctx, "append", query, key, value, expiry(ttl))
}

func (s *Postgres) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	query := `
		INSERT INTO cas_blobs (key, value, version, expires_at)
		VALUES ($1, $2, ` + nextVersion + `, $3)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    version = ` + nextVersion + `,
		    expires_at = EXCLUDED.expires_at
	`

	if _, err := s.db.ExecContext(ctx, query, key, value, expiry(ttl)); err != nil {
		return fmt.Errorf("failed to set blob: %w", err)
	}
	return nil
}

func (s *Postgres) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	query := `
		SELECT key, value
		FROM cas_blobs
		WHERE key = ANY($1) AND ` + liveRow

	rows, err := s.db.QueryxContext(ctx, query, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("failed to get blobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan blob: %w", err)
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate blobs: %w", err)
	}

	return result, nil
}

// PurgeExpired deletes rows whose expiry has passed
func (s *Postgres) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cas_blobs WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired blobs: %w", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if purged > 0 {
		s.logger.Debug("Purged expired blobs",
			slog.Int64("count", purged),
		)
	}
	return purged, nil
}

// Close is a no-op; the connection pool is owned by the postgresql client.
func (s *Postgres) Close() error {
	return nil
}

func (s *Postgres) execAffected(ctx context.Context, op, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s blob: %w", op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}
