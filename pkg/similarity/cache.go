package similarity

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/text/unicode/norm"

	"github.com/liliang-cn/agentstore/internal/encoding"
	"github.com/liliang-cn/agentstore/pkg/core"
)

// KnowledgeTable selects the knowledge table as the cache source; any other
// table name is a memory partition.
const KnowledgeTable = "knowledge"

// CacheQuery describes a cached embedding lookup
type CacheQuery struct {
	TableName    string    // memory partition, or KnowledgeTable
	Threshold    float64   // minimum text similarity, inclusive
	Input        string    // text the caller is about to embed
	FieldName    string    // content field holding the source text, "text" by default
	FieldSubName string    // optional nested field inside FieldName
	MatchCount   int       // maximum results, DefaultCount when <= 0
	AgentID      core.UUID // required for KnowledgeTable
}

// CachedEmbedding is a stored embedding whose source text resembles the input
type CachedEmbedding struct {
	Embedding  []float32 `json:"embedding"`
	Score      float64   `json:"score"`
	SourceText string    `json:"sourceText"`
}

// EmbeddingCache finds previously computed embeddings for near-duplicate
// text so callers can skip the embedding generator.
type EmbeddingCache struct {
	db *core.Manager
}

// NewEmbeddingCache creates a cache over the stored memories and knowledge
func NewEmbeddingCache(db *core.Manager) *EmbeddingCache {
	return &EmbeddingCache{db: db}
}

// GetCachedEmbeddings returns embeddings whose source text scores at least
// q.Threshold against q.Input, best first, at most q.MatchCount.
func (c *EmbeddingCache) GetCachedEmbeddings(ctx context.Context, q CacheQuery) ([]CachedEmbedding, error) {
	const op = "similarity.get_cached_embeddings"

	if q.TableName == "" {
		return nil, core.InvalidInput(op, "table name is required")
	}
	if q.Threshold < 0 || q.Threshold > 1 {
		return nil, core.InvalidInput(op, "threshold %v outside [0, 1]", q.Threshold)
	}
	if q.TableName == KnowledgeTable && q.AgentID.IsZero() {
		return nil, core.InvalidInput(op, "agentId is required")
	}
	if err := core.CheckOptionalID(op, "agentId", q.AgentID); err != nil {
		return nil, err
	}
	field := q.FieldName
	if field == "" {
		field = "text"
	}

	query, args := cacheSourceQuery(q)
	input := []rune(norm.NFC.String(q.Input))

	var cands []Scored[CachedEmbedding]
	err := c.db.WithConn(ctx, op, func(conn *core.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var contentJSON string
			var vecBytes []byte
			if err := rows.Scan(&contentJSON, &vecBytes); err != nil {
				return err
			}

			source, ok := sourceText(contentJSON, field, q.FieldSubName)
			if !ok {
				continue
			}
			text := []rune(norm.NFC.String(source))
			if scoreBound(len(input), len(text)) < q.Threshold {
				continue
			}
			score := textScore(input, text)
			if score < q.Threshold {
				continue
			}

			vec, err := encoding.DecodeVector(vecBytes)
			if err != nil || len(vec) == 0 {
				continue
			}
			cands = append(cands, Scored[CachedEmbedding]{
				Item:  CachedEmbedding{Embedding: vec, Score: score, SourceText: source},
				Score: score,
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	ranked := Rank(cands, RankOptions{Threshold: q.Threshold, Count: q.MatchCount})
	out := make([]CachedEmbedding, len(ranked))
	for i, r := range ranked {
		out[i] = r.Item
	}
	return out, nil
}

func cacheSourceQuery(q CacheQuery) (string, []any) {
	var b strings.Builder
	var args []any

	if q.TableName == KnowledgeTable {
		b.WriteString("SELECT content, embedding FROM knowledge WHERE embedding IS NOT NULL AND (agent_id = ? OR agent_id IS NULL OR is_shared = 1)")
		args = append(args, q.AgentID)
	} else {
		b.WriteString("SELECT content, embedding FROM memories WHERE embedding IS NOT NULL AND type = ?")
		args = append(args, q.TableName)
		if !q.AgentID.IsZero() {
			b.WriteString(" AND agent_id = ?")
			args = append(args, q.AgentID)
		}
	}
	return b.String(), args
}

// sourceText extracts content[field] or content[field][sub] as a string
func sourceText(contentJSON, field, sub string) (string, bool) {
	var content map[string]any
	if err := json.Unmarshal([]byte(contentJSON), &content); err != nil {
		return "", false
	}

	v, ok := content[field]
	if !ok {
		return "", false
	}
	if sub != "" {
		nested, ok := v.(map[string]any)
		if !ok {
			return "", false
		}
		if v, ok = nested[sub]; !ok {
			return "", false
		}
	}

	switch s := v.(type) {
	case string:
		return s, true
	case nil:
		return "", false
	default:
		return fmt.Sprint(s), true
	}
}
