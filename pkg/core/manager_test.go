package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")

	m, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func countRows(t *testing.T, m *Manager, table string) int64 {
	t.Helper()
	rs, err := m.Query(context.Background(), "SELECT COUNT(*) FROM "+table)
	require.NoError(t, err)
	n, ok := rs.Rows[0][0].(int64)
	require.True(t, ok, "count is %T", rs.Rows[0][0])
	return n
}

func TestInitCreatesSchema(t *testing.T) {
	m := newTestManager(t)

	for _, table := range []string{"rooms", "accounts", "participants", "memories", "goals", "relationships", "knowledge", "cache", "logs"} {
		assert.Zero(t, countRows(t, m, table), table)
	}
	assert.EqualValues(t, 1, countRows(t, m, "schema_migrations"))
}

func TestInitIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	m, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Init(ctx))
	require.NoError(t, m.Init(ctx))
	require.NoError(t, m.Close())

	// Reopening an existing database applies nothing new.
	m2, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, m2.Init(ctx))
	defer m2.Close()

	assert.EqualValues(t, 1, countRows(t, m2, "schema_migrations"))
}

func TestInMemory(t *testing.T) {
	for _, driver := range []string{DriverSQLite, ""} {
		t.Run("driver="+driver, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Driver = driver
			cfg.Path = MemoryPath
			ctx := context.Background()

			m, err := New(cfg)
			require.NoError(t, err)
			require.NoError(t, m.Init(ctx))
			defer m.Close()

			_, err = m.Exec(ctx, "INSERT INTO rooms (id, created_at) VALUES (?, ?)", NewUUID(), 1)
			require.NoError(t, err)
			assert.EqualValues(t, 1, countRows(t, m, "rooms"))
			assert.Equal(t, 1, m.Stats().MaxOpenConnections)
		})
	}
}

func TestCloseAfterFailedInit(t *testing.T) {
	cfg := DefaultConfig()
	// A directory cannot be opened as a database file.
	cfg.Path = t.TempDir()

	m, err := New(cfg)
	require.NoError(t, err)

	err = m.Init(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngine)

	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestUseBeforeInitAndAfterClose(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	m, err := New(cfg)
	require.NoError(t, err)

	_, err = m.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, m.Init(ctx))
	require.NoError(t, m.Close())

	_, err = m.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrStoreClosed)

	err = m.WithTransaction(ctx, "test", func(ctx context.Context, c *Conn) error { return nil })
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestTransactionRollback(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTransaction(ctx, "test", func(ctx context.Context, c *Conn) error {
		if _, err := c.ExecContext(ctx, "INSERT INTO rooms (id, created_at) VALUES (?, ?)", NewUUID(), 1); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, countRows(t, m, "rooms"))
}

func TestTransactionPanicRollsBack(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = m.WithTransaction(ctx, "test", func(ctx context.Context, c *Conn) error {
			_, _ = c.ExecContext(ctx, "INSERT INTO rooms (id, created_at) VALUES (?, ?)", NewUUID(), 1)
			panic("kaboom")
		})
	})
	assert.Zero(t, countRows(t, m, "rooms"))

	// The writer lock was released.
	_, err := m.Exec(ctx, "INSERT INTO rooms (id, created_at) VALUES (?, ?)", NewUUID(), 1)
	require.NoError(t, err)
}

func TestNestedTransactionJoins(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTransaction(ctx, "outer", func(ctx context.Context, outer *Conn) error {
		err := m.WithTransaction(ctx, "inner", func(ctx context.Context, inner *Conn) error {
			assert.Same(t, outer, inner)
			_, err := inner.ExecContext(ctx, "INSERT INTO rooms (id, created_at) VALUES (?, ?)", NewUUID(), 1)
			return err
		})
		if err != nil {
			return err
		}
		return m.WithConn(ctx, "read", func(c *Conn) error {
			assert.True(t, c.InTx())
			var n int
			require.NoError(t, c.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&n))
			assert.Equal(t, 1, n)
			return boom
		})
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, countRows(t, m, "rooms"))
}

func TestConcurrentWriters(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Exec(ctx, "INSERT INTO rooms (id, created_at) VALUES (?, ?)", NewUUID(), 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 20, countRows(t, m, "rooms"))
}

func TestEngineErrorsAreWrapped(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Exec(context.Background(), "INSERT INTO nowhere VALUES (1)")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEngine)

	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "exec", se.Op)
}

func TestCallbackErrorsKeepIdentity(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithConn(ctx, "room.get", func(c *Conn) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrEngine)
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "room.get", se.Op)

	err = m.WithTransaction(ctx, "room.create", func(ctx context.Context, c *Conn) error {
		return fmt.Errorf("decode: %w", boom)
	})
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrEngine)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "room.create", se.Op)

	err = m.WithConn(ctx, "room.get", func(c *Conn) error {
		return c.QueryRowContext(ctx, "SELECT id FROM nowhere").Scan(new(string))
	})
	assert.ErrorIs(t, err, ErrEngine)
}

func TestAfterCommit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	boom := errors.New("boom")

	var ran []string
	err := m.WithTransaction(ctx, "outer", func(ctx context.Context, c *Conn) error {
		return m.WithTransaction(ctx, "inner", func(ctx context.Context, c *Conn) error {
			c.AfterCommit(func() { ran = append(ran, "committed") })
			assert.Empty(t, ran)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"committed"}, ran)

	ran = nil
	err = m.WithTransaction(ctx, "test", func(ctx context.Context, c *Conn) error {
		c.AfterCommit(func() { ran = append(ran, "rolled back") })
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, ran)

	require.NoError(t, m.WithConn(ctx, "test", func(c *Conn) error {
		c.AfterCommit(func() { ran = append(ran, "pool") })
		return nil
	}))
	assert.Equal(t, []string{"pool"}, ran)
	assert.False(t, m.InTransaction(ctx))
}

func TestInsertReportsConstraint(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	id := NewUUID()

	insert := func() error {
		return m.WithTransaction(ctx, "room.insert", func(ctx context.Context, c *Conn) error {
			return c.Insert(ctx, "room.insert", "INSERT INTO rooms (id, created_at) VALUES (?, ?)", id, 1)
		})
	}
	require.NoError(t, insert())

	err := insert()
	assert.ErrorIs(t, err, ErrConstraint)
	assert.NotErrorIs(t, err, ErrEngine)
}

type recordingObserver struct {
	mu  sync.Mutex
	ops map[string]int
}

func (r *recordingObserver) ObserveOperation(op string, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op]++
}

func (r *recordingObserver) ObservePool(sql.DBStats) {}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{ops: map[string]int{}}
	m := newTestManager(t, WithObserver(obs))

	_, err := m.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.ops["query"])
	assert.Equal(t, 1, obs.ops["migrate"])
}

func TestTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	m := newTestManager(t, WithTracerProvider(tp))
	ctx := context.Background()

	_, err := m.Query(ctx, "SELECT 1")
	require.NoError(t, err)
	_, err = m.Exec(ctx, "INSERT INTO nowhere VALUES (1)")
	require.Error(t, err)

	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range sr.Ended() {
		byName[s.Name()] = s
	}

	require.Contains(t, byName, "migrate")
	require.Contains(t, byName, "query")
	assert.Equal(t, codes.Unset, byName["query"].Status().Code)

	require.Contains(t, byName, "exec")
	assert.Equal(t, codes.Error, byName["exec"].Status().Code)
	assert.NotEmpty(t, byName["exec"].Events(), "error recorded as event")
}

func TestValidateEmbedding(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VectorDim = 3
	m, err := New(cfg)
	require.NoError(t, err)

	assert.NoError(t, m.ValidateEmbedding("op", []float32{1, 2, 3}))
	assert.ErrorIs(t, m.ValidateEmbedding("op", []float32{1, 2}), ErrInvalidDimension)
	assert.ErrorIs(t, m.ValidateEmbedding("op", nil), ErrInvalidInput)
}
