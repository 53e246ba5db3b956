// Package cache is a per-agent key/value store persisted alongside the rest
// of the agent state. Values are opaque strings; the last write wins.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/liliang-cn/agentstore/pkg/core"
)

// Store persists cache entries. An optional in-process memo answers
// repeated reads. Writes and deletes through the Store drop the memo entry
// once their transaction commits, and reads inside a transaction bypass it.
type Store struct {
	db     *core.Manager
	logger core.Logger
	memo   *gocache.Cache
}

// Option configures a Store
type Option func(*Store)

// WithMemo keeps read values in process for ttl. Writes made to the
// database by other processes are not seen until the entry expires.
func WithMemo(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.memo = gocache.New(ttl, 2*ttl)
		}
	}
}

// NewStore creates a cache store
func NewStore(db *core.Manager, opts ...Option) *Store {
	s := &Store{db: db, logger: db.Logger().With("store", "cache")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the value stored under key for the agent
func (s *Store) Get(ctx context.Context, agentID core.UUID, key string) (string, bool, error) {
	const op = "cache.get"

	if err := validate(op, agentID, key); err != nil {
		return "", false, err
	}

	mk := memoKey(agentID, key)
	if s.memo != nil && !s.db.InTransaction(ctx) {
		if v, ok := s.memo.Get(mk); ok {
			return v.(string), true, nil
		}
	}

	var (
		value    string
		found    bool
		memoable bool
	)
	err := s.db.WithConn(ctx, op, func(c *core.Conn) error {
		memoable = !c.InTx()
		err := c.QueryRowContext(ctx, "SELECT value FROM cache WHERE agent_id = ? AND cache_key = ?", agentID, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return "", false, err
	}

	if found && memoable && s.memo != nil {
		s.memo.SetDefault(mk, value)
	}
	return value, found, nil
}

// Set stores value under key for the agent, replacing any previous value
func (s *Store) Set(ctx context.Context, agentID core.UUID, key, value string) error {
	const op = "cache.set"

	if err := validate(op, agentID, key); err != nil {
		return err
	}

	return s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		if _, err := c.ExecContext(ctx, `
			INSERT INTO cache (agent_id, cache_key, value, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (agent_id, cache_key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at
		`, agentID, key, value, core.Millis(core.Now())); err != nil {
			return err
		}
		s.forget(c, agentID, key)
		return nil
	})
}

// Delete removes key for the agent and reports whether it existed
func (s *Store) Delete(ctx context.Context, agentID core.UUID, key string) (bool, error) {
	const op = "cache.delete"

	if err := validate(op, agentID, key); err != nil {
		return false, err
	}

	var deleted bool
	err := s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		n, err := c.Affected(ctx, "DELETE FROM cache WHERE agent_id = ? AND cache_key = ?", agentID, key)
		if err != nil {
			return err
		}
		deleted = n > 0
		s.forget(c, agentID, key)
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// forget drops the memo entry for key once c's transaction commits
func (s *Store) forget(c *core.Conn, agentID core.UUID, key string) {
	if s.memo == nil {
		return
	}
	mk := memoKey(agentID, key)
	c.AfterCommit(func() { s.memo.Delete(mk) })
}

func validate(op string, agentID core.UUID, key string) error {
	if err := core.CheckIDs(op, map[string]core.UUID{"agentId": agentID}); err != nil {
		return err
	}
	if key == "" {
		return core.InvalidInput(op, "key is required")
	}
	return nil
}

func memoKey(agentID core.UUID, key string) string {
	return string(agentID) + "\x00" + key
}
