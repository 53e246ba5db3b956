package room

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/liliang-cn/agentstore/internal/encoding"
	"github.com/liliang-cn/agentstore/pkg/core"
)

// CreateAccount inserts an account. It returns false, without error, when
// an account with the same id already exists.
func (s *Store) CreateAccount(ctx context.Context, a *core.Account) (bool, error) {
	const op = "account.create"

	if a == nil {
		return false, core.InvalidInput(op, "account is nil")
	}
	if a.ID.IsZero() {
		a.ID = core.NewUUID()
	} else if err := a.ID.Validate(); err != nil {
		return false, core.WrapError(op, err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = core.Now()
	}

	details, err := encoding.EncodeJSON(a.Details, "{}")
	if err != nil {
		return false, core.InvalidInput(op, "details: %v", err)
	}

	err = s.db.WithTransaction(ctx, op, func(ctx context.Context, c *core.Conn) error {
		return c.Insert(ctx, op, `
			INSERT INTO accounts (id, name, username, email, avatar_url, details, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, a.ID, a.Name, a.Username, a.Email, a.AvatarURL, details, core.Millis(a.CreatedAt))
	})
	if errors.Is(err, core.ErrConstraint) {
		s.logger.Debug("account already exists", "id", a.ID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetAccount returns the account with id; found is false when there is none.
func (s *Store) GetAccount(ctx context.Context, id core.UUID) (*core.Account, bool, error) {
	const op = "account.get"

	if err := core.CheckIDs(op, map[string]core.UUID{"id": id}); err != nil {
		return nil, false, err
	}

	var acct *core.Account
	err := s.db.WithConn(ctx, op, func(c *core.Conn) error {
		var (
			a         core.Account
			details   string
			createdAt int64
		)
		err := c.QueryRowContext(ctx, `
			SELECT id, name, username, email, avatar_url, details, created_at
			FROM accounts WHERE id = ?
		`, id).Scan(&a.ID, &a.Name, &a.Username, &a.Email, &a.AvatarURL, &details, &createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := encoding.DecodeJSON(details, &a.Details); err != nil {
			return fmt.Errorf("account %s: %w", a.ID, err)
		}
		a.CreatedAt = core.FromMillis(createdAt)
		acct = &a
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return acct, acct != nil, nil
}

// GetActorDetails returns the accounts taking part in a room, in the order
// they joined.
func (s *Store) GetActorDetails(ctx context.Context, roomID core.UUID) ([]core.Actor, error) {
	const op = "account.get_actor_details"

	if err := core.CheckIDs(op, map[string]core.UUID{"roomId": roomID}); err != nil {
		return nil, err
	}

	var actors []core.Actor
	err := s.db.WithConn(ctx, op, func(c *core.Conn) error {
		rows, err := c.QueryContext(ctx, `
			SELECT a.id, a.name, a.username, a.details
			FROM participants p
			JOIN accounts a ON a.id = p.user_id
			WHERE p.room_id = ?
			ORDER BY p.created_at, a.id
		`, roomID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				a       core.Actor
				details string
			)
			if err := rows.Scan(&a.ID, &a.Name, &a.Username, &details); err != nil {
				return err
			}
			if err := encoding.DecodeJSON(details, &a.Details); err != nil {
				return fmt.Errorf("actor %s: %w", a.ID, err)
			}
			if len(a.Details) == 0 {
				a.Details = nil
			}
			actors = append(actors, a)
		}
		return rows.Err()
	})
	return actors, err
}
