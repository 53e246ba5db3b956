// Package relationship stores unordered links between two users.
package relationship

import (
	"context"
	"database/sql"
	"errors"

	"github.com/liliang-cn/agentstore/pkg/core"
)

const relationshipColumns = "id, user_a, user_b, user_id, status, created_at"

// Store persists relationships
type Store struct {
	db     *core.Manager
	logger core.Logger
}

// NewStore creates a relationship store
func NewStore(db *core.Manager) *Store {
	return &Store{db: db, logger: db.Logger().With("store", "relationship")}
}

// Create links userA and userB, recording userA as the creator. The pair is
// unordered: when a relationship between the two already exists in either
// direction nothing is written and created is false.
func (s *Store) Create(ctx context.Context, userA, userB core.UUID) (created bool, err error) {
	const op = "relationship.create"

	if err := core.CheckIDs(op, map[string]core.UUID{"userA": userA, "userB": userB}); err != nil {
		return false, err
	}
	if userA == userB {
		return false, core.InvalidInput(op, "a user cannot relate to itself")
	}

	err = s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		_, found, err := getPair(ctx, c, userA, userB)
		if err != nil || found {
			return err
		}

		if _, err := c.ExecContext(ctx, `
			INSERT INTO relationships (id, user_a, user_b, user_id, status, created_at)
			VALUES (?, ?, ?, ?, '', ?)
		`, core.NewUUID(), userA, userB, userA, core.Millis(core.Now())); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// Get returns the relationship between the two users in either direction
func (s *Store) Get(ctx context.Context, userA, userB core.UUID) (*core.Relationship, bool, error) {
	const op = "relationship.get"

	if err := core.CheckIDs(op, map[string]core.UUID{"userA": userA, "userB": userB}); err != nil {
		return nil, false, err
	}

	var (
		rel   *core.Relationship
		found bool
	)
	err := s.db.WithConn(ctx, op, func(c *core.Conn) error {
		var err error
		rel, found, err = getPair(ctx, c, userA, userB)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return rel, found, nil
}

// List returns every relationship the user is part of, oldest first
func (s *Store) List(ctx context.Context, userID core.UUID) ([]core.Relationship, error) {
	const op = "relationship.list"

	if err := core.CheckIDs(op, map[string]core.UUID{"userId": userID}); err != nil {
		return nil, err
	}

	var out []core.Relationship
	err := s.db.WithConn(ctx, op, func(c *core.Conn) error {
		rows, err := c.QueryContext(ctx, "SELECT "+relationshipColumns+
			" FROM relationships WHERE user_a = ? OR user_b = ? ORDER BY created_at, id", userID, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanRelationship(rows)
			if err != nil {
				return err
			}
			out = append(out, *r)
		}
		return rows.Err()
	})
	return out, err
}

func getPair(ctx context.Context, c *core.Conn, userA, userB core.UUID) (*core.Relationship, bool, error) {
	row := c.QueryRowContext(ctx, "SELECT "+relationshipColumns+` FROM relationships
		WHERE (user_a = ? AND user_b = ?) OR (user_a = ? AND user_b = ?)
		ORDER BY created_at LIMIT 1`, userA, userB, userB, userA)
	r, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRelationship(sc scanner) (*core.Relationship, error) {
	var (
		r         core.Relationship
		createdAt int64
	)
	if err := sc.Scan(&r.ID, &r.UserA, &r.UserB, &r.UserID, &r.Status, &createdAt); err != nil {
		return nil, err
	}
	r.CreatedAt = core.FromMillis(createdAt)
	return &r, nil
}
