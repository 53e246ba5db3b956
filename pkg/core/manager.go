package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/liliang-cn/agentstore/internal/encoding"
)

// TracerName names the tracer spans are recorded under
const TracerName = "github.com/liliang-cn/agentstore"

// Observer receives per-operation timings and pool statistics
type Observer interface {
	ObserveOperation(op string, elapsed time.Duration, err error)
	ObservePool(stats sql.DBStats)
}

// Manager owns the engine handle. It hands out scoped connections, wraps
// multi-statement work in transactions and runs the schema gate once.
type Manager struct {
	config   Config
	dialect  Dialect
	logger   Logger
	observer Observer
	tracer   trace.Tracer

	mu     sync.RWMutex // guards db and closed
	db     *sql.DB
	closed bool

	// writeMu serializes write transactions so a read-then-write sequence
	// cannot interleave with another writer.
	writeMu sync.Mutex

	initOnce sync.Once
	initErr  error
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger used by the manager and the stores built on it
func WithLogger(l Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithObserver sets the operation observer (metrics)
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithTracerProvider records a span per operation on tp
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		if tp != nil {
			m.tracer = tp.Tracer(TracerName)
		}
	}
}

// New creates a Manager for cfg. The engine is not touched until Init.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, wrapError("init", err)
	}

	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, wrapError("init", err)
	}

	m := &Manager{
		config:  cfg,
		dialect: dialect,
		logger:  NopLogger(),
		tracer:  noop.NewTracerProvider().Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Init opens the engine and runs the schema gate. Only the first call does
// any work; later calls return the first call's result.
func (m *Manager) Init(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.initErr = m.init(ctx)
	})
	return m.initErr
}

func (m *Manager) init(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return wrapError("init", ErrStoreClosed)
	}

	db, err := sql.Open(m.dialect.DriverName(), m.dialect.DSN(m.config))
	if err != nil {
		m.mu.Unlock()
		return EngineError("init", fmt.Errorf("failed to open database: %w", err))
	}

	if m.config.inMemory() {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(m.config.MaxOpenConns)
		db.SetMaxIdleConns(m.config.MaxIdleConns)
		db.SetConnMaxLifetime(m.config.ConnMaxLifetime)
	}
	m.db = db
	m.mu.Unlock()

	if err := db.PingContext(ctx); err != nil {
		return EngineError("init", fmt.Errorf("failed to connect: %w", err))
	}

	if err := m.migrate(ctx); err != nil {
		return EngineError("init", err)
	}

	m.logger.Info("database initialized", "driver", m.dialect.Name(), "path", m.config.Path)

	return nil
}

// Close releases the engine. It is safe to call more than once and after a
// failed Init.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if m.db != nil {
		if err := m.db.Close(); err != nil {
			return EngineError("close", err)
		}
		m.db = nil
	}

	m.logger.Info("database connection closed")

	return nil
}

// acquire read-locks the manager and returns the live handle. The caller
// must call release when done.
func (m *Manager) acquire(op string) (*sql.DB, func(), error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, nil, wrapError(op, ErrStoreClosed)
	}
	if m.db == nil {
		m.mu.RUnlock()
		return nil, nil, wrapError(op, ErrNotInitialized)
	}
	return m.db, m.mu.RUnlock, nil
}

// WithConn runs fn on a scoped connection. When ctx carries a transaction
// started by this manager, fn runs inside it. Errors not already carrying
// operation context are tagged with op.
func (m *Manager) WithConn(ctx context.Context, op string, fn func(c *Conn) error) error {
	if c := txFromContext(ctx, m); c != nil {
		return m.classify(op, fn(c))
	}

	db, release, err := m.acquire(op)
	if err != nil {
		return err
	}
	defer release()

	_, span := m.startSpan(ctx, op)
	start := time.Now()
	err = m.classify(op, fn(&Conn{q: db, dialect: m.dialect}))
	m.observe(op, start, db, err)
	endSpan(span, err)
	return err
}

// WithTransaction runs fn inside a transaction: commit when fn returns nil,
// rollback and return fn's error otherwise. A panic inside fn rolls back
// and is re-raised. Nested calls join the transaction already in ctx.
func (m *Manager) WithTransaction(ctx context.Context, op string, fn func(ctx context.Context, c *Conn) error) (err error) {
	if c := txFromContext(ctx, m); c != nil {
		return m.classify(op, fn(ctx, c))
	}

	db, release, err := m.acquire(op)
	if err != nil {
		return err
	}
	defer release()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	ctx, span := m.startSpan(ctx, op)
	start := time.Now()
	defer func() {
		m.observe(op, start, db, err)
		endSpan(span, err)
	}()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return EngineError(op, fmt.Errorf("failed to begin transaction: %w", err))
	}

	conn := &Conn{q: tx, dialect: m.dialect, inTx: true}
	txCtx := context.WithValue(ctx, txKey{}, &txState{owner: m, conn: conn})

	defer func() {
		if p := recover(); p != nil {
			m.rollback(op, tx)
			panic(p)
		}
	}()

	if err := fn(txCtx, conn); err != nil {
		m.rollback(op, tx)
		return m.classify(op, err)
	}

	if err := tx.Commit(); err != nil {
		return EngineError(op, fmt.Errorf("failed to commit transaction: %w", err))
	}

	for _, f := range conn.committed {
		f()
	}
	return nil
}

// InTransaction reports whether ctx carries a transaction of this manager
func (m *Manager) InTransaction(ctx context.Context) bool {
	return txFromContext(ctx, m) != nil
}

func (m *Manager) rollback(op string, tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		m.logger.Warn("failed to rollback transaction", "op", op, "error", err)
	}
}

// classify tags err with op. Only failures raised by the driver or the
// connection pool become engine errors; anything else a callback returns
// keeps its own identity.
func (m *Manager) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	if isDriverError(err) {
		return EngineError(op, err)
	}
	return WrapError(op, err)
}

func (m *Manager) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.system", m.dialect.Name())),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (m *Manager) observe(op string, start time.Time, db *sql.DB, err error) {
	if m.observer == nil {
		return
	}
	m.observer.ObserveOperation(op, time.Since(start), err)
	m.observer.ObservePool(db.Stats())
}

// Rowset is a generic, engine independent query result
type Rowset struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Query is a parameterized passthrough for ad hoc access. Values are
// copied out of the driver buffers.
func (m *Manager) Query(ctx context.Context, query string, args ...any) (*Rowset, error) {
	var rs *Rowset
	err := m.WithConn(ctx, "query", func(c *Conn) error {
		rows, err := c.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		rs = &Rowset{Columns: cols, Rows: [][]any{}}

		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			for i, v := range vals {
				if b, ok := v.([]byte); ok {
					vals[i] = append([]byte(nil), b...)
				}
			}
			rs.Rows = append(rs.Rows, vals)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// Exec is the statement counterpart of Query. It returns the number of
// affected rows.
func (m *Manager) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := m.WithTransaction(ctx, "exec", func(ctx context.Context, c *Conn) error {
		res, err := c.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Stats returns connection pool statistics
func (m *Manager) Stats() sql.DBStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return sql.DBStats{}
	}
	return m.db.Stats()
}

// Dialect returns the active engine dialect
func (m *Manager) Dialect() Dialect {
	return m.dialect
}

// Config returns the manager configuration
func (m *Manager) Config() Config {
	return m.config
}

// Logger returns the manager logger
func (m *Manager) Logger() Logger {
	return m.logger
}

// ValidateEmbedding checks vec against the configured dimension.
func (m *Manager) ValidateEmbedding(op string, vec []float32) error {
	if err := encoding.ValidateVector(vec); err != nil {
		return InvalidInput(op, "embedding: %v", err)
	}
	if dim := m.config.VectorDim; dim > 0 && len(vec) != dim {
		return &StoreError{Op: op, Err: fmt.Errorf("%w: expected %d, got %d", ErrInvalidDimension, dim, len(vec))}
	}
	return nil
}
