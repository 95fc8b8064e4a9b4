// Package postgres provides a PostgreSQL-backed kv.Store for multi-instance
// deployments where gateway state must survive restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/toolgate/internal/kv"
)

// DefaultSweepInterval is how often expired rows are deleted when no interval
// is configured.
const DefaultSweepInterval = 5 * time.Minute

// Config holds store-specific configuration. Pool configuration is handled
// separately via PoolConfig.
type Config struct {
	// AutoMigrate runs pending schema migrations on startup.
	AutoMigrate bool

	// SweepInterval is how often expired rows are deleted.
	// Default: 5 minutes
	SweepInterval time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

// Store implements kv.Store using PostgreSQL. The connection pool is owned by
// the caller and is not closed by Close.
type Store struct {
	pool *pgxpool.Pool

	stopSweeper chan struct{}
	stopOnce    sync.Once
}

// New creates a PostgreSQL-backed store, optionally running migrations, and
// starts a background sweeper deleting expired rows.
func New(ctx context.Context, pool *pgxpool.Pool, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.ApplyDefaults()

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	s := &Store{
		pool:        pool,
		stopSweeper: make(chan struct{}),
	}

	go s.sweeper(cfg.SweepInterval)

	return s, nil
}

// Get returns the value for key, or kv.ErrKeyNotFound if absent or expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	query := `
		SELECT value FROM kv_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
	`

	var value []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kv.ErrKeyNotFound
		}
		return nil, mapPostgresError(err)
	}

	return value, nil
}

// Put writes the value for key, replacing any existing entry.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	query := `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			counter = 0,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
	`

	_, err := s.pool.Exec(ctx, query, key, value, expiresAt(ttl))
	if err != nil {
		return mapPostgresError(err)
	}

	return nil
}

// Add writes the value for key only if no live entry exists. An expired row
// under the same key is overwritten.
func (s *Store) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	query := `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			counter = 0,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= now()
	`

	tag, err := s.pool.Exec(ctx, query, key, value, expiresAt(ttl))
	if err != nil {
		return mapPostgresError(err)
	}

	if tag.RowsAffected() == 0 {
		return kv.ErrKeyExists
	}

	return nil
}

// Take atomically reads and deletes the value for key.
func (s *Store) Take(ctx context.Context, key string) ([]byte, error) {
	query := `
		DELETE FROM kv_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
		RETURNING value
	`

	var value []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kv.ErrKeyNotFound
		}
		return nil, mapPostgresError(err)
	}

	return value, nil
}

// Delete removes the entry for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	query := `DELETE FROM kv_entries WHERE key = $1`

	_, err := s.pool.Exec(ctx, query, key)
	if err != nil {
		return mapPostgresError(err)
	}

	return nil
}

// Increment adds delta to the counter at key and returns the new value. An
// expired counter restarts from zero with a fresh expiry.
func (s *Store) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	query := `
		INSERT INTO kv_entries (key, counter, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			counter = CASE
				WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= now()
					THEN EXCLUDED.counter
				ELSE kv_entries.counter + EXCLUDED.counter
			END,
			expires_at = CASE
				WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= now()
					THEN EXCLUDED.expires_at
				ELSE kv_entries.expires_at
			END,
			updated_at = now()
		RETURNING counter
	`

	var counter int64
	err := s.pool.QueryRow(ctx, query, key, delta, expiresAt(ttl)).Scan(&counter)
	if err != nil {
		return 0, mapPostgresError(err)
	}

	return counter, nil
}

// Close stops the background sweeper. The pool is left to its owner.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopSweeper)
	})

	return nil
}

// DeleteExpired removes all expired rows and returns the number deleted.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= now()`

	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, mapPostgresError(err)
	}

	return tag.RowsAffected(), nil
}

func (s *Store) sweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			deleted, err := s.DeleteExpired(ctx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to sweep expired kv entries")
				continue
			}
			if deleted > 0 {
				log.Debug().Int64("deleted", deleted).Msg("Swept expired kv entries")
			}
		case <-s.stopSweeper:
			return
		}
	}
}

// expiresAt converts a ttl into a nullable timestamp for the expires_at
// column.
func expiresAt(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().Add(ttl)
}
