// Package knowledge stores retrievable snippets for retrieval augmented
// generation. Items belong to one agent unless they have no agent or are
// marked shared, in which case every agent sees them.
package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/liliang-cn/agentstore/internal/encoding"
	"github.com/liliang-cn/agentstore/pkg/core"
	"github.com/liliang-cn/agentstore/pkg/similarity"
)

const knowledgeColumns = "id, agent_id, content, embedding, metadata, is_main, original_id, chunk_index, is_shared, created_at"

// visibleTo restricts a query to rows the agent may read
const visibleTo = "(agent_id = ? OR agent_id IS NULL OR is_shared = 1)"

// publicPool restricts a query to rows every agent may read
const publicPool = "(agent_id IS NULL OR is_shared = 1)"

// Store persists knowledge items
type Store struct {
	db     *core.Manager
	cache  *similarity.EmbeddingCache
	logger core.Logger
}

// NewStore creates a knowledge store
func NewStore(db *core.Manager) *Store {
	return &Store{
		db:     db,
		cache:  similarity.NewEmbeddingCache(db),
		logger: db.Logger().With("store", "knowledge"),
	}
}

// GetOptions filters Get
type GetOptions struct {
	ID      core.UUID // optional, single item
	AgentID core.UUID // optional; without it only agentless and shared items match
	Limit   int       // 0 = no limit
}

// SearchOptions filters Search
type SearchOptions struct {
	Embedding  []float32
	Threshold  float64   // minimum cosine similarity, inclusive
	Count      int       // similarity.DefaultCount when <= 0
	AgentID    core.UUID // required
	SearchText string    // optional case-insensitive substring of the content text
}

// ScoredKnowledge is a search hit
type ScoredKnowledge struct {
	core.Knowledge
	Similarity float64 `json:"similarity"`
}

// Create inserts k. ID and CreatedAt are filled in when zero. A chunk
// (OriginalID set) is never a main item.
func (s *Store) Create(ctx context.Context, k *core.Knowledge) error {
	const op = "knowledge.create"

	if k == nil {
		return core.InvalidInput(op, "knowledge is nil")
	}
	if err := core.CheckOptionalID(op, "agentId", k.AgentID); err != nil {
		return err
	}
	if err := core.CheckOptionalID(op, "originalId", k.OriginalID); err != nil {
		return err
	}
	if k.Embedding != nil {
		if err := s.db.ValidateEmbedding(op, k.Embedding); err != nil {
			return err
		}
	}
	if k.ID.IsZero() {
		k.ID = core.NewUUID()
	} else if err := k.ID.Validate(); err != nil {
		return core.WrapError(op, err)
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = core.Now()
	}
	if !k.OriginalID.IsZero() {
		k.IsMain = false
	}

	contentJSON, err := encoding.EncodeJSON(k.Content, "{}")
	if err != nil {
		return core.InvalidInput(op, "content: %v", err)
	}
	metaJSON, err := encoding.EncodeJSON(k.Metadata, "{}")
	if err != nil {
		return core.InvalidInput(op, "metadata: %v", err)
	}
	embedding, err := embeddingArg(k.Embedding)
	if err != nil {
		return core.InvalidInput(op, "embedding: %v", err)
	}

	var chunkIndex any
	if !k.OriginalID.IsZero() {
		chunkIndex = k.ChunkIndex
	}

	return s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		return c.Insert(ctx, op, `
			INSERT INTO knowledge (id, agent_id, content, content_text, embedding, metadata, is_main, original_id, chunk_index, is_shared, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, k.ID, nullID(k.AgentID), contentJSON, k.Content.Text, embedding, metaJSON,
			boolInt(k.IsMain), nullID(k.OriginalID), chunkIndex, boolInt(k.IsShared), core.Millis(k.CreatedAt))
	})
}

// Get returns the items matching opts, newest first. With opts.ID set the
// result holds at most that item, and only when it is visible to
// opts.AgentID. Without an agent only the public pool is read.
func (s *Store) Get(ctx context.Context, opts GetOptions) ([]core.Knowledge, error) {
	const op = "knowledge.get"

	if err := core.CheckOptionalID(op, "id", opts.ID); err != nil {
		return nil, err
	}
	if err := core.CheckOptionalID(op, "agentId", opts.AgentID); err != nil {
		return nil, err
	}
	if opts.Limit < 0 {
		return nil, core.InvalidInput(op, "limit must be non-negative")
	}

	var (
		where []string
		args  []any
	)
	if !opts.ID.IsZero() {
		where = append(where, "id = ?")
		args = append(args, opts.ID)
	}
	if opts.AgentID.IsZero() {
		where = append(where, publicPool)
	} else {
		where = append(where, visibleTo)
		args = append(args, opts.AgentID)
	}

	query := "SELECT " + knowledgeColumns + " FROM knowledge"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	return s.query(ctx, op, query, args...)
}

// Search ranks the items visible to opts.AgentID, which is required, by
// cosine similarity to opts.Embedding. With opts.SearchText only items whose text contains it,
// ignoring case, are considered.
func (s *Store) Search(ctx context.Context, opts SearchOptions) ([]ScoredKnowledge, error) {
	const op = "knowledge.search"

	if err := s.db.ValidateEmbedding(op, opts.Embedding); err != nil {
		return nil, err
	}
	if opts.Threshold < -1 || opts.Threshold > 1 {
		return nil, core.InvalidInput(op, "threshold %v outside [-1, 1]", opts.Threshold)
	}
	if opts.AgentID.IsZero() {
		return nil, core.InvalidInput(op, "agentId is required")
	}
	if err := opts.AgentID.Validate(); err != nil {
		return nil, core.WrapError(op, err)
	}

	var b strings.Builder
	args := []any{opts.AgentID}
	b.WriteString("SELECT " + knowledgeColumns + " FROM knowledge WHERE embedding IS NOT NULL AND " + visibleTo)
	if opts.SearchText != "" {
		b.WriteString(" AND content_text " + s.db.Dialect().ILike() + " ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(opts.SearchText)+"%")
	}

	items, err := s.query(ctx, op, b.String(), args...)
	if err != nil {
		return nil, err
	}

	cands := make([]similarity.Scored[core.Knowledge], 0, len(items))
	for _, k := range items {
		if len(k.Embedding) != len(opts.Embedding) {
			continue
		}
		cands = append(cands, similarity.Scored[core.Knowledge]{
			Item:      k,
			Score:     similarity.Cosine(opts.Embedding, k.Embedding),
			CreatedAt: k.CreatedAt,
		})
	}

	ranked := similarity.Rank(cands, similarity.RankOptions{Threshold: opts.Threshold, Count: opts.Count})
	out := make([]ScoredKnowledge, len(ranked))
	for i, r := range ranked {
		out[i] = ScoredKnowledge{Knowledge: r.Item, Similarity: r.Score}
	}
	return out, nil
}

// Remove deletes an item and every chunk derived from it
func (s *Store) Remove(ctx context.Context, id core.UUID) error {
	const op = "knowledge.remove"

	if err := core.CheckIDs(op, map[string]core.UUID{"id": id}); err != nil {
		return err
	}

	return s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		n, err := c.Affected(ctx, "DELETE FROM knowledge WHERE id = ? OR original_id = ?", id, id)
		if err != nil {
			return err
		}
		s.logger.Debug("removed knowledge", "id", id, "rows", n)
		return nil
	})
}

// Clear deletes the agent's private items. With shared set it also deletes
// the public pool, every shared or agentless item.
func (s *Store) Clear(ctx context.Context, agentID core.UUID, shared bool) error {
	const op = "knowledge.clear"

	if err := core.CheckIDs(op, map[string]core.UUID{"agentId": agentID}); err != nil {
		return err
	}

	query := "DELETE FROM knowledge WHERE agent_id = ? AND is_shared = 0"
	if shared {
		query = "DELETE FROM knowledge WHERE agent_id = ? OR " + publicPool
	}

	return s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		n, err := c.Affected(ctx, query, agentID)
		if err != nil {
			return err
		}
		s.logger.Debug("cleared knowledge", "agent", agentID, "shared", shared, "rows", n)
		return nil
	})
}

// GetCachedEmbeddings looks up embeddings of near-duplicate knowledge text
// visible to q.AgentID, which is required. The table name of q is ignored.
func (s *Store) GetCachedEmbeddings(ctx context.Context, q similarity.CacheQuery) ([]similarity.CachedEmbedding, error) {
	q.TableName = similarity.KnowledgeTable
	return s.cache.GetCachedEmbeddings(ctx, q)
}

func (s *Store) query(ctx context.Context, op, query string, args ...any) ([]core.Knowledge, error) {
	var items []core.Knowledge
	err := s.db.WithConn(ctx, op, func(c *core.Conn) error {
		rows, err := c.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			k, err := scanKnowledge(rows)
			if err != nil {
				return err
			}
			items = append(items, *k)
		}
		return rows.Err()
	})
	return items, err
}

func scanKnowledge(rows *sql.Rows) (*core.Knowledge, error) {
	var (
		k           core.Knowledge
		agentID     sql.NullString
		originalID  sql.NullString
		chunkIndex  sql.NullInt64
		contentJSON string
		metaJSON    string
		vecBytes    []byte
		isMain      int
		isShared    int
		createdAt   int64
	)
	if err := rows.Scan(&k.ID, &agentID, &contentJSON, &vecBytes, &metaJSON, &isMain, &originalID, &chunkIndex, &isShared, &createdAt); err != nil {
		return nil, err
	}

	k.AgentID = core.UUID(agentID.String)
	k.OriginalID = core.UUID(originalID.String)
	k.ChunkIndex = int(chunkIndex.Int64)
	k.IsMain = isMain != 0
	k.IsShared = isShared != 0
	k.CreatedAt = core.FromMillis(createdAt)

	if err := encoding.DecodeJSON(contentJSON, &k.Content); err != nil {
		return nil, fmt.Errorf("knowledge %s: %w", k.ID, err)
	}
	if err := encoding.DecodeJSON(metaJSON, &k.Metadata); err != nil {
		return nil, fmt.Errorf("knowledge %s metadata: %w", k.ID, err)
	}
	if len(k.Metadata) == 0 {
		k.Metadata = nil
	}
	vec, err := encoding.DecodeVector(vecBytes)
	if err != nil {
		return nil, fmt.Errorf("knowledge %s: %w", k.ID, err)
	}
	k.Embedding = vec

	return &k, nil
}

// escapeLike escapes LIKE wildcards so s matches literally
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
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
