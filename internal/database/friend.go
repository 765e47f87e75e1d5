// internal/database/friend.go
package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RowQuerier is the subset of *pgxpool.Pool the friend graph needs.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// FriendGraph answers friendship questions from the friends table.
type FriendGraph struct {
	db RowQuerier
}

// NewFriendGraph wraps a pool.
func NewFriendGraph(db RowQuerier) *FriendGraph {
	return &FriendGraph{db: db}
}

// AreFriends reports whether a and b share an accepted friendship, in either direction.
func (g *FriendGraph) AreFriends(ctx context.Context, a, b uuid.UUID) (bool, error) {
	if a == b {
		return false, nil
	}
	q := `
		SELECT EXISTS (
			SELECT 1 FROM friends
			WHERE status = 'accepted'
			  AND ((user1_id = $1 AND user2_id = $2)
			    OR (user1_id = $2 AND user2_id = $1))
		)
	`
	var ok bool
	if err := g.db.QueryRow(ctx, q, a, b).Scan(&ok); err != nil {
		return false, fmt.Errorf("friendship lookup: %w", err)
	}
	return ok, nil
}
