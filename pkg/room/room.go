// Package room stores conversation rooms, the accounts taking part in them
// and each participant's follow/mute state.
package room

import (
	"context"
	"database/sql"
	"errors"

	"github.com/liliang-cn/agentstore/pkg/core"
)

// Store persists rooms, accounts and participants
type Store struct {
	db     *core.Manager
	logger core.Logger
}

// NewStore creates a room store
func NewStore(db *core.Manager) *Store {
	return &Store{db: db, logger: db.Logger().With("store", "room")}
}

// CreateRoom creates a room and returns its id. A zero id generates one.
// Creating a room that already exists returns its id without error.
func (s *Store) CreateRoom(ctx context.Context, id core.UUID) (core.UUID, error) {
	const op = "room.create"

	if id.IsZero() {
		id = core.NewUUID()
	} else if err := id.Validate(); err != nil {
		return "", core.WrapError(op, err)
	}

	err := s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		var one int
		err := c.QueryRowContext(ctx, "SELECT 1 FROM rooms WHERE id = ?", id).Scan(&one)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = c.ExecContext(ctx, "INSERT INTO rooms (id, created_at) VALUES (?, ?)", id, core.Millis(core.Now()))
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetRoom reports whether the room exists
func (s *Store) GetRoom(ctx context.Context, id core.UUID) (core.UUID, bool, error) {
	const op = "room.get"

	if err := core.CheckIDs(op, map[string]core.UUID{"id": id}); err != nil {
		return "", false, err
	}

	var found core.UUID
	err := s.db.WithConn(ctx, op, func(c *core.Conn) error {
		err := c.QueryRowContext(ctx, "SELECT id FROM rooms WHERE id = ?", id).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return "", false, err
	}
	return found, !found.IsZero(), nil
}

// RemoveRoom deletes a room together with its participants, memories and
// goals. Either everything goes or nothing does.
func (s *Store) RemoveRoom(ctx context.Context, id core.UUID) error {
	const op = "room.remove"

	if err := core.CheckIDs(op, map[string]core.UUID{"id": id}); err != nil {
		return err
	}

	return s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		for _, stmt := range []string{
			"DELETE FROM participants WHERE room_id = ?",
			"DELETE FROM memories WHERE room_id = ?",
			"DELETE FROM goals WHERE room_id = ?",
			"DELETE FROM rooms WHERE id = ?",
		} {
			if _, err := c.ExecContext(ctx, stmt, id); err != nil {
				return err
			}
		}
		s.logger.Debug("room removed", "room", id)
		return nil
	})
}

// GetRoomsForParticipant returns the rooms the user takes part in
func (s *Store) GetRoomsForParticipant(ctx context.Context, userID core.UUID) ([]core.UUID, error) {
	return s.GetRoomsForParticipants(ctx, []core.UUID{userID})
}

// GetRoomsForParticipants returns the distinct rooms any of the users take
// part in
func (s *Store) GetRoomsForParticipants(ctx context.Context, userIDs []core.UUID) ([]core.UUID, error) {
	const op = "room.get_rooms_for_participants"

	if len(userIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		if err := core.CheckIDs(op, map[string]core.UUID{"userId": id}); err != nil {
			return nil, err
		}
		args[i] = id
	}

	query := "SELECT DISTINCT room_id FROM participants WHERE user_id IN (" +
		core.Placeholders(len(userIDs)) + ") ORDER BY room_id"
	return s.ids(ctx, op, query, args...)
}

func (s *Store) ids(ctx context.Context, op, query string, args ...any) ([]core.UUID, error) {
	var out []core.UUID
	err := s.db.WithConn(ctx, op, func(c *core.Conn) error {
		rows, err := c.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id core.UUID
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	return out, err
}
