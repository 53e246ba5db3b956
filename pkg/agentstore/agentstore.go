// Package agentstore opens the agent persistence layer and hands out the
// entity stores built on one shared connection manager.
//
//	db, err := agentstore.Open(ctx, core.DefaultConfig())
//	if err != nil { ... }
//	defer db.Close()
//
//	created, err := db.Memories().Create(ctx, m, core.TableMessages)
package agentstore

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/liliang-cn/agentstore/internal/encoding"
	"github.com/liliang-cn/agentstore/internal/metrics"
	"github.com/liliang-cn/agentstore/pkg/cache"
	"github.com/liliang-cn/agentstore/pkg/core"
	"github.com/liliang-cn/agentstore/pkg/goal"
	"github.com/liliang-cn/agentstore/pkg/knowledge"
	"github.com/liliang-cn/agentstore/pkg/memory"
	"github.com/liliang-cn/agentstore/pkg/relationship"
	"github.com/liliang-cn/agentstore/pkg/room"
	"github.com/liliang-cn/agentstore/pkg/similarity"
)

// DB is an open agent store
type DB struct {
	manager *core.Manager

	memories      *memory.Store
	knowledge     *knowledge.Store
	goals         *goal.Store
	rooms         *room.Store
	relationships *relationship.Store
	cache         *cache.Store
	embeddings    *similarity.EmbeddingCache
}

type options struct {
	logger     core.Logger
	registerer prometheus.Registerer
	tracers    trace.TracerProvider
	memoTTL    time.Duration
}

// Option configures Open
type Option func(*options)

// WithLogger sets the logger. By default a charmbracelet logger on stderr
// at the configured level is used.
func WithLogger(l core.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer records operation metrics on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTracerProvider records a span for every store operation on tp
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracers = tp }
}

// WithCacheMemo keeps cache reads in process for ttl
func WithCacheMemo(ttl time.Duration) Option {
	return func(o *options) { o.memoTTL = ttl }
}

// Open creates the manager for cfg, initializes the engine and wires every
// store. On failure nothing is left open.
func Open(ctx context.Context, cfg core.Config, opts ...Option) (*DB, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.logger == nil {
		o.logger = core.NewStdLogger(core.ParseLogLevel(cfg.LogLevel))
	}

	mopts := []core.Option{core.WithLogger(o.logger)}
	if o.registerer != nil {
		mopts = append(mopts, core.WithObserver(metrics.NewCollector(o.registerer)))
	}
	if o.tracers != nil {
		mopts = append(mopts, core.WithTracerProvider(o.tracers))
	}

	m, err := core.New(cfg, mopts...)
	if err != nil {
		return nil, err
	}
	if err := m.Init(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}

	var cacheOpts []cache.Option
	if o.memoTTL > 0 {
		cacheOpts = append(cacheOpts, cache.WithMemo(o.memoTTL))
	}

	return &DB{
		manager:       m,
		memories:      memory.NewStore(m),
		knowledge:     knowledge.NewStore(m),
		goals:         goal.NewStore(m),
		rooms:         room.NewStore(m),
		relationships: relationship.NewStore(m),
		cache:         cache.NewStore(m, cacheOpts...),
		embeddings:    similarity.NewEmbeddingCache(m),
	}, nil
}

// Memories returns the memory store
func (db *DB) Memories() *memory.Store { return db.memories }

// Knowledge returns the knowledge store
func (db *DB) Knowledge() *knowledge.Store { return db.knowledge }

// Goals returns the goal store
func (db *DB) Goals() *goal.Store { return db.goals }

// Rooms returns the room, account and participant store
func (db *DB) Rooms() *room.Store { return db.rooms }

// Relationships returns the relationship store
func (db *DB) Relationships() *relationship.Store { return db.relationships }

// Cache returns the key/value cache store
func (db *DB) Cache() *cache.Store { return db.cache }

// Embeddings returns the cached embedding lookup over memories and knowledge
func (db *DB) Embeddings() *similarity.EmbeddingCache { return db.embeddings }

// Manager returns the underlying connection manager
func (db *DB) Manager() *core.Manager { return db.manager }

// Query runs a parameterized ad hoc query
func (db *DB) Query(ctx context.Context, query string, args ...any) (*core.Rowset, error) {
	return db.manager.Query(ctx, query, args...)
}

// Close releases the engine. It is safe to call more than once.
func (db *DB) Close() error {
	return db.manager.Close()
}

// Log appends an activity record. ID and CreatedAt are filled in when zero.
func (db *DB) Log(ctx context.Context, e *core.LogEntry) error {
	const op = "log.append"

	if e == nil {
		return core.InvalidInput(op, "log entry is nil")
	}
	if err := core.CheckIDs(op, map[string]core.UUID{"userId": e.UserID, "roomId": e.RoomID}); err != nil {
		return err
	}
	if e.Type == "" {
		return core.InvalidInput(op, "type is required")
	}
	if e.ID.IsZero() {
		e.ID = core.NewUUID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = core.Now()
	}

	body, err := encoding.EncodeJSON(e.Body, "{}")
	if err != nil {
		return core.InvalidInput(op, "body: %v", err)
	}

	return db.manager.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		return c.Insert(ctx, op, `
			INSERT INTO logs (id, user_id, room_id, type, body, created_at) VALUES (?, ?, ?, ?, ?, ?)
		`, e.ID, e.UserID, e.RoomID, e.Type, body, core.Millis(e.CreatedAt))
	})
}

// Logs returns the activity records of a room, newest first
func (db *DB) Logs(ctx context.Context, roomID core.UUID, limit int) ([]core.LogEntry, error) {
	const op = "log.list"

	if err := core.CheckIDs(op, map[string]core.UUID{"roomId": roomID}); err != nil {
		return nil, err
	}

	query := "SELECT id, user_id, room_id, type, body, created_at FROM logs WHERE room_id = ? ORDER BY created_at DESC, id"
	args := []any{roomID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var out []core.LogEntry
	err := db.manager.WithConn(ctx, op, func(c *core.Conn) error {
		rows, err := c.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				e         core.LogEntry
				body      string
				createdAt int64
			)
			if err := rows.Scan(&e.ID, &e.UserID, &e.RoomID, &e.Type, &body, &createdAt); err != nil {
				return err
			}
			if err := encoding.DecodeJSON(body, &e.Body); err != nil {
				return fmt.Errorf("log %s: %w", e.ID, err)
			}
			e.CreatedAt = core.FromMillis(createdAt)
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}
