package room

import (
	"context"
	"database/sql"
	"errors"

	"github.com/liliang-cn/agentstore/pkg/core"
)

// AddParticipant links a user to a room. It returns false when the user
// already takes part in the room.
func (s *Store) AddParticipant(ctx context.Context, userID, roomID core.UUID) (bool, error) {
	const op = "participant.add"

	if err := core.CheckIDs(op, map[string]core.UUID{"userId": userID, "roomId": roomID}); err != nil {
		return false, err
	}

	err := s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		return c.Insert(ctx, op, `
			INSERT INTO participants (id, user_id, room_id, created_at) VALUES (?, ?, ?, ?)
		`, core.NewUUID(), userID, roomID, core.Millis(core.Now()))
	})
	if errors.Is(err, core.ErrConstraint) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RemoveParticipant unlinks a user from a room. It returns false when the
// user was not part of the room.
func (s *Store) RemoveParticipant(ctx context.Context, userID, roomID core.UUID) (bool, error) {
	const op = "participant.remove"

	if err := core.CheckIDs(op, map[string]core.UUID{"userId": userID, "roomId": roomID}); err != nil {
		return false, err
	}

	var removed bool
	err := s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		n, err := c.Affected(ctx, "DELETE FROM participants WHERE user_id = ? AND room_id = ?", userID, roomID)
		removed = n > 0
		return err
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// GetParticipantsForRoom returns the user ids taking part in a room
func (s *Store) GetParticipantsForRoom(ctx context.Context, roomID core.UUID) ([]core.UUID, error) {
	const op = "participant.get_for_room"

	if err := core.CheckIDs(op, map[string]core.UUID{"roomId": roomID}); err != nil {
		return nil, err
	}
	return s.ids(ctx, op, "SELECT user_id FROM participants WHERE room_id = ? ORDER BY created_at, user_id", roomID)
}

// GetParticipantsForAccount returns every participation of a user
func (s *Store) GetParticipantsForAccount(ctx context.Context, userID core.UUID) ([]core.Participant, error) {
	const op = "participant.get_for_account"

	if err := core.CheckIDs(op, map[string]core.UUID{"userId": userID}); err != nil {
		return nil, err
	}

	var out []core.Participant
	err := s.db.WithConn(ctx, op, func(c *core.Conn) error {
		rows, err := c.QueryContext(ctx, `
			SELECT id, user_id, room_id, state, created_at
			FROM participants WHERE user_id = ?
			ORDER BY created_at, room_id
		`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				p         core.Participant
				state     sql.NullString
				createdAt int64
			)
			if err := rows.Scan(&p.ID, &p.UserID, &p.RoomID, &state, &createdAt); err != nil {
				return err
			}
			p.State = core.ParticipantState(state.String)
			p.CreatedAt = core.FromMillis(createdAt)
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

// GetParticipantState returns the user's state in a room. Absent
// participants and participants without a state report StateUnset.
func (s *Store) GetParticipantState(ctx context.Context, roomID, userID core.UUID) (core.ParticipantState, error) {
	const op = "participant.get_state"

	if err := core.CheckIDs(op, map[string]core.UUID{"userId": userID, "roomId": roomID}); err != nil {
		return core.StateUnset, err
	}

	var state sql.NullString
	err := s.db.WithConn(ctx, op, func(c *core.Conn) error {
		err := c.QueryRowContext(ctx, `
			SELECT state FROM participants WHERE room_id = ? AND user_id = ?
		`, roomID, userID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return core.StateUnset, err
	}
	return core.ParticipantState(state.String), nil
}

// SetParticipantState records the user's state in a room, creating the
// participant row when needed. StateUnset clears the state and never adds
// a participant.
func (s *Store) SetParticipantState(ctx context.Context, roomID, userID core.UUID, state core.ParticipantState) error {
	const op = "participant.set_state"

	if err := core.CheckIDs(op, map[string]core.UUID{"userId": userID, "roomId": roomID}); err != nil {
		return err
	}
	switch state {
	case core.StateUnset, core.StateFollowed, core.StateMuted:
	default:
		return core.InvalidInput(op, "unknown participant state %q", state)
	}

	var value any
	if state != core.StateUnset {
		value = string(state)
	}

	return s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		n, err := c.Affected(ctx, `
			UPDATE participants SET state = ? WHERE room_id = ? AND user_id = ?
		`, value, roomID, userID)
		if err != nil || n > 0 || state == core.StateUnset {
			return err
		}
		_, err = c.ExecContext(ctx, `
			INSERT INTO participants (id, user_id, room_id, state, created_at) VALUES (?, ?, ?, ?, ?)
		`, core.NewUUID(), userID, roomID, value, core.Millis(core.Now()))
		return err
	})
}
