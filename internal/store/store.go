// Package store persists the capability catalog in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xkilldash9x/reug-runtime/internal/registry"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const sqlCreateTable = `
        CREATE TABLE IF NOT EXISTS capabilities (
            name            TEXT PRIMARY KEY,
            capability_type TEXT NOT NULL,
            status          TEXT NOT NULL,
            version         TEXT NOT NULL,
            author          TEXT NOT NULL DEFAULT '',
            description     TEXT NOT NULL DEFAULT '',
            archetype       TEXT NOT NULL DEFAULT '',
            code            TEXT NOT NULL,
            schema          TEXT NOT NULL DEFAULT '',
            tags            TEXT[] NOT NULL DEFAULT '{}',
            dependencies    TEXT[] NOT NULL DEFAULT '{}',
            use_cases       TEXT[] NOT NULL DEFAULT '{}',
            examples        TEXT[] NOT NULL DEFAULT '{}',
            created_at      TIMESTAMPTZ NOT NULL,
            last_used       TIMESTAMPTZ NOT NULL,
            usage_count     BIGINT NOT NULL DEFAULT 0,
            error_message   TEXT NOT NULL DEFAULT ''
        );
    `

const sqlUpsert = `
        INSERT INTO capabilities (name, capability_type, status, version, author, description, archetype, code, schema,
            tags, dependencies, use_cases, examples, created_at, last_used, usage_count, error_message)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
        ON CONFLICT (name) DO UPDATE SET
            capability_type = EXCLUDED.capability_type,
            status = EXCLUDED.status,
            version = EXCLUDED.version,
            author = EXCLUDED.author,
            description = EXCLUDED.description,
            archetype = EXCLUDED.archetype,
            code = EXCLUDED.code,
            schema = EXCLUDED.schema,
            tags = EXCLUDED.tags,
            dependencies = EXCLUDED.dependencies,
            use_cases = EXCLUDED.use_cases,
            examples = EXCLUDED.examples,
            last_used = EXCLUDED.last_used,
            usage_count = EXCLUDED.usage_count,
            error_message = EXCLUDED.error_message;
    `

const sqlSelectAll = `
        SELECT name, capability_type, status, version, author, description, archetype, code, schema,
            tags, dependencies, use_cases, examples, created_at, last_used, usage_count, error_message
        FROM capabilities
        ORDER BY name ASC;
    `

// Store is the Postgres backing for the registry. It implements
// registry.Persister.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ registry.Persister = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the capabilities table when it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreateTable); err != nil {
		return fmt.Errorf("failed to create capabilities table: %w", err)
	}
	return nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func upsertArgs(c registry.Capability) []interface{} {
	return []interface{}{
		c.Name, string(c.Type), string(c.Status), c.Version, c.Author, c.Description, c.Archetype, c.Code, c.Schema,
		nonNil(c.Tags), nonNil(c.Dependencies), nonNil(c.UseCases), nonNil(c.Examples),
		c.CreatedAt.UTC(), c.LastUsed.UTC(), c.UsageCount, c.ErrorMessage,
	}
}

// SaveCapability upserts one capability. The registry calls it for every
// committed mutation.
func (s *Store) SaveCapability(ctx context.Context, c registry.Capability) error {
	if _, err := s.pool.Exec(ctx, sqlUpsert, upsertArgs(c)...); err != nil {
		return fmt.Errorf("failed to upsert capability %s: %w", c.Name, err)
	}
	return nil
}

// SaveAll upserts a set of capabilities in one transaction.
func (s *Store) SaveAll(ctx context.Context, caps []registry.Capability) error {
	if len(caps) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	batch := &pgx.Batch{}
	for _, c := range caps {
		batch.Queue(sqlUpsert, upsertArgs(c)...)
	}
	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	for i := range caps {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to upsert capability %s (index %d): %w", caps[i].Name, i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Saved capabilities", zap.Int("count", len(caps)))
	return nil
}

// LoadCapabilities reads the whole catalog ordered by name.
func (s *Store) LoadCapabilities(ctx context.Context) ([]registry.Capability, error) {
	rows, err := s.pool.Query(ctx, sqlSelectAll)
	if err != nil {
		return nil, fmt.Errorf("failed to query capabilities: %w", err)
	}
	defer rows.Close()

	var caps []registry.Capability
	for rows.Next() {
		var (
			c                 registry.Capability
			typ, status       string
			createdAt, usedAt time.Time
		)
		err := rows.Scan(
			&c.Name, &typ, &status, &c.Version, &c.Author, &c.Description, &c.Archetype, &c.Code, &c.Schema,
			&c.Tags, &c.Dependencies, &c.UseCases, &c.Examples,
			&createdAt, &usedAt, &c.UsageCount, &c.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capability row: %w", err)
		}

		if c.Type, err = registry.ParseCapabilityType(typ); err != nil {
			s.log.Warn("Skipping capability with unknown type", zap.String("name", c.Name), zap.Error(err))
			continue
		}
		if c.Status, err = registry.ParseStatus(status); err != nil {
			s.log.Warn("Skipping capability with unknown status", zap.String("name", c.Name), zap.Error(err))
			continue
		}
		c.CreatedAt = createdAt.UTC()
		if !usedAt.IsZero() {
			c.LastUsed = usedAt.UTC()
		}
		caps = append(caps, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return caps, nil
}
