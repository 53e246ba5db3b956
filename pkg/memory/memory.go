// Package memory stores room scoped messages and other memories, with
// embedding search and content based de-duplication.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liliang-cn/agentstore/internal/encoding"
	"github.com/liliang-cn/agentstore/pkg/core"
	"github.com/liliang-cn/agentstore/pkg/similarity"
)

// embeddingTolerance is the per-component difference under which two
// embeddings count as the same vector for unique inserts.
const embeddingTolerance = 1e-6

const memoryColumns = "id, type, agent_id, room_id, user_id, content, embedding, is_unique, created_at"

// Store persists memories through a core.Manager
type Store struct {
	db     *core.Manager
	cache  *similarity.EmbeddingCache
	logger core.Logger
}

// NewStore creates a memory store
func NewStore(db *core.Manager) *Store {
	return &Store{
		db:     db,
		cache:  similarity.NewEmbeddingCache(db),
		logger: db.Logger().With("store", "memory"),
	}
}

// GetOptions filters GetByRoom
type GetOptions struct {
	RoomIDs   []core.UUID
	AgentID   core.UUID // optional
	TableName string
	Count     int       // 0 = no cap
	Unique    bool      // collapse rows with the same content text
	Start     time.Time // inclusive lower bound on CreatedAt, zero = open
	End       time.Time // inclusive upper bound on CreatedAt, zero = open
}

// SearchOptions filters SearchByEmbedding
type SearchOptions struct {
	Threshold float64 // minimum cosine similarity, inclusive
	Count     int     // similarity.DefaultCount when <= 0
	AgentID   core.UUID
	RoomID    core.UUID
	Unique    bool
	TableName string
}

// ScoredMemory is a search hit
type ScoredMemory struct {
	core.Memory
	Similarity float64 `json:"similarity"`
}

// Create inserts m into tableName. When m.Unique is set and the room already
// holds a memory with the same content text, or with the same embedding, the
// insert is skipped and created is false. ID and CreatedAt are filled in
// when zero.
func (s *Store) Create(ctx context.Context, m *core.Memory, tableName string) (created bool, err error) {
	const op = "memory.create"

	if m == nil {
		return false, core.InvalidInput(op, "memory is nil")
	}
	if tableName == "" {
		tableName = m.TableName
	}
	if tableName == "" {
		return false, core.InvalidInput(op, "table name is required")
	}
	if err := core.CheckIDs(op, map[string]core.UUID{"roomId": m.RoomID, "agentId": m.AgentID}); err != nil {
		return false, err
	}
	if err := core.CheckOptionalID(op, "userId", m.UserID); err != nil {
		return false, err
	}
	if m.Embedding != nil {
		if err := s.db.ValidateEmbedding(op, m.Embedding); err != nil {
			return false, err
		}
	}
	if m.ID.IsZero() {
		m.ID = core.NewUUID()
	} else if err := m.ID.Validate(); err != nil {
		return false, core.WrapError(op, err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = core.Now()
	}
	m.TableName = tableName

	contentJSON, err := encoding.EncodeJSON(m.Content, "{}")
	if err != nil {
		return false, core.InvalidInput(op, "content: %v", err)
	}
	embedding, err := embeddingArg(m.Embedding)
	if err != nil {
		return false, core.InvalidInput(op, "embedding: %v", err)
	}

	err = s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		if m.Unique {
			dup, err := s.hasDuplicate(ctx, c, m, tableName)
			if err != nil {
				return err
			}
			if dup {
				s.logger.Debug("skipping duplicate memory", "room", m.RoomID, "table", tableName)
				return nil
			}
		}

		err := c.Insert(ctx, op, `
			INSERT INTO memories (id, type, agent_id, room_id, user_id, content, content_text, embedding, is_unique, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, tableName, m.AgentID, m.RoomID, nullID(m.UserID), contentJSON, m.Content.Text,
			embedding, boolInt(m.Unique), core.Millis(m.CreatedAt))
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// hasDuplicate checks, inside the create transaction, for a memory with the
// same content text or the same embedding in the room and table. Empty text
// never matches; such memories are compared by embedding only.
func (s *Store) hasDuplicate(ctx context.Context, c *core.Conn, m *core.Memory, tableName string) (bool, error) {
	if m.Content.Text != "" {
		var one int
		err := c.QueryRowContext(ctx, `
			SELECT 1 FROM memories WHERE room_id = ? AND type = ? AND content_text = ? LIMIT 1
		`, m.RoomID, tableName, m.Content.Text).Scan(&one)
		switch {
		case err == nil:
			return true, nil
		case !errors.Is(err, sql.ErrNoRows):
			return false, err
		}
	}

	if len(m.Embedding) == 0 {
		return false, nil
	}

	rows, err := c.QueryContext(ctx, `
		SELECT embedding FROM memories WHERE room_id = ? AND type = ? AND embedding IS NOT NULL
	`, m.RoomID, tableName)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var vecBytes []byte
		if err := rows.Scan(&vecBytes); err != nil {
			return false, err
		}
		vec, err := encoding.DecodeVector(vecBytes)
		if err != nil {
			continue
		}
		if similarity.ExactMatch(vec, m.Embedding, embeddingTolerance) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// GetByID returns the memory with id; found is false when there is none.
func (s *Store) GetByID(ctx context.Context, id core.UUID) (*core.Memory, bool, error) {
	const op = "memory.get_by_id"

	if err := core.CheckIDs(op, map[string]core.UUID{"id": id}); err != nil {
		return nil, false, err
	}

	var mem *core.Memory
	err := s.db.WithConn(ctx, op, func(c *core.Conn) error {
		rows, err := c.QueryContext(ctx, "SELECT "+memoryColumns+" FROM memories WHERE id = ?", id)
		if err != nil {
			return err
		}
		defer rows.Close()

		if rows.Next() {
			if mem, err = scanMemory(rows); err != nil {
				return err
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, false, err
	}
	return mem, mem != nil, nil
}

// GetByIDs returns the memories of tableName among ids, newest first.
// Unknown ids are ignored.
func (s *Store) GetByIDs(ctx context.Context, ids []core.UUID, tableName string) ([]core.Memory, error) {
	const op = "memory.get_by_ids"

	if len(ids) == 0 {
		return nil, nil
	}
	if tableName == "" {
		return nil, core.InvalidInput(op, "table name is required")
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, tableName)
	for _, id := range ids {
		if err := core.CheckIDs(op, map[string]core.UUID{"id": id}); err != nil {
			return nil, err
		}
		args = append(args, id)
	}

	query := "SELECT " + memoryColumns + " FROM memories WHERE type = ? AND id IN (" +
		core.Placeholders(len(ids)) + ") ORDER BY created_at DESC"
	return s.query(ctx, op, query, args...)
}

// GetByRoom returns the memories of the given rooms, newest first. With
// opts.Unique only the newest memory per distinct content text is kept,
// before opts.Count is applied.
func (s *Store) GetByRoom(ctx context.Context, opts GetOptions) ([]core.Memory, error) {
	const op = "memory.get_by_room"

	if len(opts.RoomIDs) == 0 {
		return nil, core.InvalidInput(op, "at least one room id is required")
	}
	if opts.TableName == "" {
		return nil, core.InvalidInput(op, "table name is required")
	}
	if err := core.CheckOptionalID(op, "agentId", opts.AgentID); err != nil {
		return nil, err
	}
	if !opts.Start.IsZero() && !opts.End.IsZero() && opts.End.Before(opts.Start) {
		return nil, core.InvalidInput(op, "end is before start")
	}

	var b strings.Builder
	args := []any{opts.TableName}
	b.WriteString("SELECT " + memoryColumns + " FROM memories WHERE type = ?")
	b.WriteString(" AND room_id IN (" + core.Placeholders(len(opts.RoomIDs)) + ")")
	for _, id := range opts.RoomIDs {
		if err := core.CheckIDs(op, map[string]core.UUID{"roomId": id}); err != nil {
			return nil, err
		}
		args = append(args, id)
	}
	if !opts.AgentID.IsZero() {
		b.WriteString(" AND agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if !opts.Start.IsZero() {
		b.WriteString(" AND created_at >= ?")
		args = append(args, core.Millis(opts.Start))
	}
	if !opts.End.IsZero() {
		b.WriteString(" AND created_at <= ?")
		args = append(args, core.Millis(opts.End))
	}
	b.WriteString(" ORDER BY created_at DESC, id")
	if opts.Count > 0 && !opts.Unique {
		b.WriteString(" LIMIT ?")
		args = append(args, opts.Count)
	}

	mems, err := s.query(ctx, op, b.String(), args...)
	if err != nil {
		return nil, err
	}

	if opts.Unique {
		mems = similarity.Collapse(mems, func(m core.Memory) string { return m.Content.Text })
		if opts.Count > 0 && len(mems) > opts.Count {
			mems = mems[:opts.Count]
		}
	}
	return mems, nil
}

// SearchByEmbedding ranks the memories of opts.TableName by cosine
// similarity to embedding. Memories without an embedding, or scoring below
// opts.Threshold, are left out; ties go to the newest memory.
func (s *Store) SearchByEmbedding(ctx context.Context, embedding []float32, opts SearchOptions) ([]ScoredMemory, error) {
	const op = "memory.search_by_embedding"

	if err := s.db.ValidateEmbedding(op, embedding); err != nil {
		return nil, err
	}
	if opts.TableName == "" {
		return nil, core.InvalidInput(op, "table name is required")
	}
	if opts.Threshold < -1 || opts.Threshold > 1 {
		return nil, core.InvalidInput(op, "threshold %v outside [-1, 1]", opts.Threshold)
	}
	if err := core.CheckOptionalID(op, "agentId", opts.AgentID); err != nil {
		return nil, err
	}
	if err := core.CheckOptionalID(op, "roomId", opts.RoomID); err != nil {
		return nil, err
	}

	var b strings.Builder
	args := []any{opts.TableName}
	b.WriteString("SELECT " + memoryColumns + " FROM memories WHERE type = ? AND embedding IS NOT NULL")
	if !opts.AgentID.IsZero() {
		b.WriteString(" AND agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if !opts.RoomID.IsZero() {
		b.WriteString(" AND room_id = ?")
		args = append(args, opts.RoomID)
	}

	mems, err := s.query(ctx, op, b.String(), args...)
	if err != nil {
		return nil, err
	}

	cands := make([]similarity.Scored[core.Memory], 0, len(mems))
	for _, m := range mems {
		if len(m.Embedding) != len(embedding) {
			continue
		}
		cands = append(cands, similarity.Scored[core.Memory]{
			Item:      m,
			Score:     similarity.Cosine(embedding, m.Embedding),
			CreatedAt: m.CreatedAt,
			Key:       m.Content.Text,
		})
	}

	ranked := similarity.Rank(cands, similarity.RankOptions{
		Threshold: opts.Threshold,
		Count:     opts.Count,
		Unique:    opts.Unique,
	})

	out := make([]ScoredMemory, len(ranked))
	for i, r := range ranked {
		out[i] = ScoredMemory{Memory: r.Item, Similarity: r.Score}
	}
	return out, nil
}

// Remove deletes one memory. Removing an unknown id is not an error.
func (s *Store) Remove(ctx context.Context, id core.UUID, tableName string) error {
	const op = "memory.remove"

	if err := core.CheckIDs(op, map[string]core.UUID{"id": id}); err != nil {
		return err
	}
	if tableName == "" {
		return core.InvalidInput(op, "table name is required")
	}

	return s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		_, err := c.ExecContext(ctx, "DELETE FROM memories WHERE id = ? AND type = ?", id, tableName)
		return err
	})
}

// RemoveAll deletes every memory of tableName in the room
func (s *Store) RemoveAll(ctx context.Context, roomID core.UUID, tableName string) error {
	const op = "memory.remove_all"

	if err := core.CheckIDs(op, map[string]core.UUID{"roomId": roomID}); err != nil {
		return err
	}
	if tableName == "" {
		return core.InvalidInput(op, "table name is required")
	}

	return s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		n, err := c.Affected(ctx, "DELETE FROM memories WHERE room_id = ? AND type = ?", roomID, tableName)
		if err != nil {
			return err
		}
		s.logger.Debug("removed memories", "room", roomID, "table", tableName, "count", n)
		return nil
	})
}

// Count returns the number of memories in the room. With unique, memories
// sharing content text count once. An empty tableName counts every table.
func (s *Store) Count(ctx context.Context, roomID core.UUID, unique bool, tableName string) (int, error) {
	const op = "memory.count"

	if err := core.CheckIDs(op, map[string]core.UUID{"roomId": roomID}); err != nil {
		return 0, err
	}

	expr := "COUNT(*)"
	if unique {
		expr = "COUNT(DISTINCT content_text)"
	}
	query := "SELECT " + expr + " FROM memories WHERE room_id = ?"
	args := []any{roomID}
	if tableName != "" {
		query += " AND type = ?"
		args = append(args, tableName)
	}

	var n int
	err := s.db.WithConn(ctx, op, func(c *core.Conn) error {
		return c.QueryRowContext(ctx, query, args...).Scan(&n)
	})
	return n, err
}

// GetCachedEmbeddings looks up embeddings of near-duplicate text in the
// memory partition q.TableName.
func (s *Store) GetCachedEmbeddings(ctx context.Context, q similarity.CacheQuery) ([]similarity.CachedEmbedding, error) {
	return s.cache.GetCachedEmbeddings(ctx, q)
}

func (s *Store) query(ctx context.Context, op, query string, args ...any) ([]core.Memory, error) {
	var mems []core.Memory
	err := s.db.WithConn(ctx, op, func(c *core.Conn) error {
		rows, err := c.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMemory(rows)
			if err != nil {
				return err
			}
			mems = append(mems, *m)
		}
		return rows.Err()
	})
	return mems, err
}

func scanMemory(rows *sql.Rows) (*core.Memory, error) {
	var (
		m           core.Memory
		agentID     sql.NullString
		userID      sql.NullString
		contentJSON string
		vecBytes    []byte
		unique      int
		createdAt   int64
	)
	if err := rows.Scan(&m.ID, &m.TableName, &agentID, &m.RoomID, &userID, &contentJSON, &vecBytes, &unique, &createdAt); err != nil {
		return nil, err
	}

	m.AgentID = core.UUID(agentID.String)
	m.UserID = core.UUID(userID.String)
	m.Unique = unique != 0
	m.CreatedAt = core.FromMillis(createdAt)

	if err := encoding.DecodeJSON(contentJSON, &m.Content); err != nil {
		return nil, fmt.Errorf("memory %s: %w", m.ID, err)
	}
	vec, err := encoding.DecodeVector(vecBytes)
	if err != nil {
		return nil, fmt.Errorf("memory %s: %w", m.ID, err)
	}
	m.Embedding = vec

	return &m, nil
}

// embeddingArg encodes vec for binding; a nil vector binds SQL NULL
func embeddingArg(vec []float32) (any, error) {
	if vec == nil {
		return nil, nil
	}
	return encoding.EncodeVector(vec)
}

func nullID(id core.UUID) any {
	if id.IsZero() {
		return nil
	}
	return id
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
