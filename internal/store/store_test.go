package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/reug-runtime/internal/config"
	"github.com/xkilldash9x/reug-runtime/internal/registry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

var columns = []string{
	"name", "capability_type", "status", "version", "author", "description", "archetype", "code", "schema",
	"tags", "dependencies", "use_cases", "examples", "created_at", "last_used", "usage_count", "error_message",
}

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func fib() registry.Capability {
	return registry.Capability{
		Name:        "fib",
		Type:        registry.TypeTool,
		Status:      registry.StatusActive,
		Version:     "1.0.0",
		Author:      "reug-creator",
		Description: "fibonacci numbers",
		Archetype:   "fibonacci",
		Code:        "package tool",
		Schema:      `{"type":"object"}`,
		Tags:        []string{"math"},
		Examples:    []string{`{"n":10}`},
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		UsageCount:  3,
	}
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectExec(flexibleSQLMatcher(sqlCreateTable)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveCapability(t *testing.T) {
	ctx := context.Background()

	t.Run("upserts every column", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		c := fib()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsert)).
			WithArgs(
				"fib", "tool", "active", "1.0.0", "reug-creator", "fibonacci numbers", "fibonacci", "package tool", `{"type":"object"}`,
				[]string{"math"}, []string{}, []string{}, []string{`{"n":10}`},
				c.CreatedAt, time.Time{}.UTC(), int64(3), "",
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.SaveCapability(ctx, c))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("wraps database errors", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		dbErr := errors.New("connection reset")
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsert)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(dbErr)

		err := s.SaveCapability(ctx, fib())
		require.Error(t, err)
		assert.ErrorIs(t, err, dbErr)
		assert.Contains(t, err.Error(), "fib")
	})
}

func TestStore_IsARegistryPersister(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsert)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))

	reg := registry.New(zap.NewNop(), config.ConflictReject, registry.WithPersister(s))
	_, err := reg.Register(context.Background(), fib())
	require.Error(t, err)

	// A failed write leaves the catalog untouched.
	_, err = reg.Get("fib")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveAll(t *testing.T) {
	ctx := context.Background()

	t.Run("commits one batch without rollback errors", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(core))

		a, b := fib(), fib()
		b.Name = "fact"

		mockPool.ExpectBegin()
		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsert)).
			WithArgs(upsertArgs(a)...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		batchExp.ExpectExec(flexibleSQLMatcher(sqlUpsert)).
			WithArgs(upsertArgs(b)...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.SaveAll(ctx, []registry.Capability{a, b}))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Zero(t, logs.Len(), "rollback after commit must not be logged as an error")
	})

	t.Run("rolls back when begin fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		beginErr := errors.New("too many connections")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := s.SaveAll(ctx, []registry.Capability{fib()})
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("nothing to do", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		require.NoError(t, s.SaveAll(ctx, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestLoadCapabilities(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	used := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	t.Run("maps rows and skips unknown enums", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		s, mockPool := newMockStore(t, zap.New(core))

		rows := pgxmock.NewRows(columns).
			AddRow("fact", "tool", "validated", "1.0.0", "a", "factorial", "factorial", "package tool", "{}",
				[]string{"math"}, []string{"fmt"}, []string{}, []string{`{"n":5}`}, created, time.Time{}, int64(0), "").
			AddRow("fib", "tool", "active", "1.1.0", "a", "fibonacci", "fibonacci", "package tool", "{}",
				[]string{}, []string{}, []string{"sequences"}, []string{}, created, used, int64(7), "").
			AddRow("odd", "gizmo", "active", "1.0.0", "a", "", "", "package tool", "",
				[]string{}, []string{}, []string{}, []string{}, created, time.Time{}, int64(0), "")
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectAll)).WillReturnRows(rows)

		caps, err := s.LoadCapabilities(ctx)
		require.NoError(t, err)
		require.Len(t, caps, 2)

		assert.Equal(t, "fact", caps[0].Name)
		assert.Equal(t, registry.StatusValidated, caps[0].Status)
		assert.Equal(t, []string{"fmt"}, caps[0].Dependencies)
		assert.True(t, caps[0].LastUsed.IsZero())

		assert.Equal(t, registry.StatusActive, caps[1].Status)
		assert.Equal(t, used, caps[1].LastUsed)
		assert.Equal(t, int64(7), caps[1].UsageCount)

		assert.Equal(t, 1, logs.FilterMessage("Skipping capability with unknown type").Len())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("propagates query errors", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		queryErr := errors.New("relation does not exist")
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectAll)).WillReturnError(queryErr)

		_, err := s.LoadCapabilities(ctx)
		assert.ErrorIs(t, err, queryErr)
	})
}
