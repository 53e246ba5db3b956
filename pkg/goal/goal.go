// Package goal stores room scoped goals and their objectives.
package goal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/liliang-cn/agentstore/internal/encoding"
	"github.com/liliang-cn/agentstore/pkg/core"
)

const goalColumns = "id, room_id, user_id, name, status, objectives, created_at"

// Store persists goals
type Store struct {
	db     *core.Manager
	logger core.Logger
}

// NewStore creates a goal store
func NewStore(db *core.Manager) *Store {
	return &Store{db: db, logger: db.Logger().With("store", "goal")}
}

// ListOptions filters List
type ListOptions struct {
	RoomID         core.UUID
	UserID         core.UUID // optional
	OnlyInProgress bool
	Count          int // 0 = no limit
}

// Create inserts g. ID and CreatedAt are filled in when zero and an empty
// status defaults to IN_PROGRESS.
func (s *Store) Create(ctx context.Context, g *core.Goal) error {
	const op = "goal.create"

	if g == nil {
		return core.InvalidInput(op, "goal is nil")
	}
	if err := core.CheckIDs(op, map[string]core.UUID{"roomId": g.RoomID}); err != nil {
		return err
	}
	if err := core.CheckOptionalID(op, "userId", g.UserID); err != nil {
		return err
	}
	if g.ID.IsZero() {
		g.ID = core.NewUUID()
	} else if err := g.ID.Validate(); err != nil {
		return core.WrapError(op, err)
	}
	if g.Status == "" {
		g.Status = core.GoalInProgress
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = core.Now()
	}

	objectives, err := encoding.EncodeJSON(g.Objectives, "[]")
	if err != nil {
		return core.InvalidInput(op, "objectives: %v", err)
	}

	return s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		return c.Insert(ctx, op, `
			INSERT INTO goals (id, room_id, user_id, name, status, objectives, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, g.ID, g.RoomID, nullID(g.UserID), g.Name, string(g.Status), objectives, core.Millis(g.CreatedAt))
	})
}

// Update replaces the name, status and objectives of an existing goal.
// Updating a goal that does not exist is a no-op.
func (s *Store) Update(ctx context.Context, g *core.Goal) error {
	const op = "goal.update"

	if g == nil {
		return core.InvalidInput(op, "goal is nil")
	}
	if err := core.CheckIDs(op, map[string]core.UUID{"id": g.ID}); err != nil {
		return err
	}
	if g.Status == "" {
		return core.InvalidInput(op, "status is required")
	}

	objectives, err := encoding.EncodeJSON(g.Objectives, "[]")
	if err != nil {
		return core.InvalidInput(op, "objectives: %v", err)
	}

	return s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		n, err := c.Affected(ctx, `
			UPDATE goals SET name = ?, status = ?, objectives = ? WHERE id = ?
		`, g.Name, string(g.Status), objectives, g.ID)
		if err != nil {
			return err
		}
		if n == 0 {
			s.logger.Debug("update of unknown goal ignored", "id", g.ID)
		}
		return nil
	})
}

// UpdateStatus changes only the status of a goal
func (s *Store) UpdateStatus(ctx context.Context, id core.UUID, status core.GoalStatus) error {
	const op = "goal.update_status"

	if err := core.CheckIDs(op, map[string]core.UUID{"id": id}); err != nil {
		return err
	}
	if status == "" {
		return core.InvalidInput(op, "status is required")
	}

	return s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		_, err := c.ExecContext(ctx, "UPDATE goals SET status = ? WHERE id = ?", string(status), id)
		return err
	})
}

// Get returns the goal with id; found is false when there is none.
func (s *Store) Get(ctx context.Context, id core.UUID) (*core.Goal, bool, error) {
	const op = "goal.get"

	if err := core.CheckIDs(op, map[string]core.UUID{"id": id}); err != nil {
		return nil, false, err
	}

	goals, err := s.query(ctx, op, "SELECT "+goalColumns+" FROM goals WHERE id = ?", id)
	if err != nil {
		return nil, false, err
	}
	if len(goals) == 0 {
		return nil, false, nil
	}
	return &goals[0], true, nil
}

// List returns the goals of a room in creation order
func (s *Store) List(ctx context.Context, opts ListOptions) ([]core.Goal, error) {
	const op = "goal.list"

	if err := core.CheckIDs(op, map[string]core.UUID{"roomId": opts.RoomID}); err != nil {
		return nil, err
	}
	if err := core.CheckOptionalID(op, "userId", opts.UserID); err != nil {
		return nil, err
	}
	if opts.Count < 0 {
		return nil, core.InvalidInput(op, "count must be non-negative")
	}

	var b strings.Builder
	args := []any{opts.RoomID}
	b.WriteString("SELECT " + goalColumns + " FROM goals WHERE room_id = ?")
	if !opts.UserID.IsZero() {
		b.WriteString(" AND user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.OnlyInProgress {
		b.WriteString(" AND status = ?")
		args = append(args, string(core.GoalInProgress))
	}
	b.WriteString(" ORDER BY created_at ASC, id")
	if opts.Count > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, opts.Count)
	}

	return s.query(ctx, op, b.String(), args...)
}

// Remove deletes one goal
func (s *Store) Remove(ctx context.Context, id core.UUID) error {
	const op = "goal.remove"

	if err := core.CheckIDs(op, map[string]core.UUID{"id": id}); err != nil {
		return err
	}

	return s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		_, err := c.ExecContext(ctx, "DELETE FROM goals WHERE id = ?", id)
		return err
	})
}

// RemoveAllForRoom deletes every goal of a room
func (s *Store) RemoveAllForRoom(ctx context.Context, roomID core.UUID) error {
	const op = "goal.remove_all_for_room"

	if err := core.CheckIDs(op, map[string]core.UUID{"roomId": roomID}); err != nil {
		return err
	}

	return s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		_, err := c.ExecContext(ctx, "DELETE FROM goals WHERE room_id = ?", roomID)
		return err
	})
}

func (s *Store) query(ctx context.Context, op, query string, args ...any) ([]core.Goal, error) {
	var goals []core.Goal
	err := s.db.WithConn(ctx, op, func(c *core.Conn) error {
		rows, err := c.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				g          core.Goal
				userID     sql.NullString
				status     string
				objectives string
				createdAt  int64
			)
			if err := rows.Scan(&g.ID, &g.RoomID, &userID, &g.Name, &status, &objectives, &createdAt); err != nil {
				return err
			}
			g.UserID = core.UUID(userID.String)
			g.Status = core.GoalStatus(status)
			g.CreatedAt = core.FromMillis(createdAt)
			if err := encoding.DecodeJSON(objectives, &g.Objectives); err != nil {
				return fmt.Errorf("goal %s: %w", g.ID, err)
			}
			goals = append(goals, g)
		}
		return rows.Err()
	})
	return goals, err
}

func nullID(id core.UUID) any {
	if id.IsZero() {
		return nil
	}
	return id
}
