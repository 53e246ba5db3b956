package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Migration is one ordered, idempotent schema step
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

// migrations builds the schema for a dialect; blobType is the binary column
// type used for embeddings.
func migrations(blobType string) []Migration {
	v1 := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '{}',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			state TEXT,
			created_at BIGINT NOT NULL,
			UNIQUE (user_id, room_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_room_id ON participants(room_id)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			agent_id TEXT,
			room_id TEXT NOT NULL,
			user_id TEXT,
			content TEXT NOT NULL,
			content_text TEXT NOT NULL DEFAULT '',
			embedding ` + blobType + `,
			is_unique INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_room_type ON memories(room_id, type, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_agent_id ON memories(agent_id)`,
		`CREATE TABLE IF NOT EXISTS goals (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			user_id TEXT,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			objectives TEXT NOT NULL DEFAULT '[]',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_goals_room_id ON goals(room_id)`,
		`CREATE TABLE IF NOT EXISTS relationships (
			id TEXT PRIMARY KEY,
			user_a TEXT NOT NULL,
			user_b TEXT NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_pair ON relationships(user_a, user_b)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_user_b ON relationships(user_b)`,
		`CREATE TABLE IF NOT EXISTS knowledge (
			id TEXT PRIMARY KEY,
			agent_id TEXT,
			content TEXT NOT NULL,
			content_text TEXT NOT NULL DEFAULT '',
			embedding ` + blobType + `,
			metadata TEXT NOT NULL DEFAULT '{}',
			is_main INTEGER NOT NULL DEFAULT 1,
			original_id TEXT,
			chunk_index INTEGER,
			is_shared INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_agent_id ON knowledge(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_original_id ON knowledge(original_id)`,
		`CREATE TABLE IF NOT EXISTS cache (
			agent_id TEXT NOT NULL,
			cache_key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (agent_id, cache_key)
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			type TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '{}',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_room_id ON logs(room_id, created_at)`,
	}

	return []Migration{
		{Version: 1, Name: "initial schema", Statements: v1},
	}
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at BIGINT NOT NULL
	)`

// migrate applies every pending migration, each in its own transaction.
func (m *Manager) migrate(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	row := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, mig := range m.dialect.Migrations() {
		if mig.Version <= current {
			continue
		}
		err := m.WithTransaction(ctx, "migrate", func(ctx context.Context, c *Conn) error {
			for _, stmt := range mig.Statements {
				if _, err := c.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", mig.Version, firstLine(stmt), err)
				}
			}
			_, err := c.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
				mig.Version, mig.Name, time.Now().UnixMilli())
			return err
		})
		if err != nil {
			return err
		}
		m.logger.Info("schema migration applied", "version", mig.Version, "name", mig.Name)
	}

	return nil
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return strings.TrimSpace(stmt[:i])
	}
	return stmt
}
