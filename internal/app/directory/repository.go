package directory

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository loads friend and block-list snapshots from Postgres and
// applies social-graph writes. Friendships are stored symmetrically:
// adding one writes both directions.
type Repository interface {
	EnsureSchema(ctx context.Context) error
	FriendsOf(ctx context.Context, userID string) (Snapshot, error)
	BlocksFor(ctx context.Context, userID string) (BlockSet, error)
	ResolveUsers(ctx context.Context, ids []string) (Snapshot, error)
	AddFriend(ctx context.Context, userID, friendID string) error
	RemoveFriend(ctx context.Context, userID, friendID string) error
	BlockUser(ctx context.Context, userID, blockedID string) error
	UnblockUser(ctx context.Context, userID, blockedID string) error
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

const createFriendsSQL = `
CREATE TABLE IF NOT EXISTS friendships (
  user_id text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  friend_id text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  added_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (user_id, friend_id)
)`

const createBlocksSQL = `
CREATE TABLE IF NOT EXISTS user_blocks (
  user_id text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  blocked_id text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  created_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (user_id, blocked_id)
)`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createFriendsSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createBlocksSQL); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRepository) FriendsOf(ctx context.Context, userID string) (Snapshot, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT u.id, u.display_name, u.avatar_url
		 FROM friendships f
		 INNER JOIN users u ON u.id = f.friend_id
		 WHERE f.user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap := Snapshot{}
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.ID, &f.DisplayName, &f.AvatarURL); err != nil {
			return nil, err
		}
		snap[f.ID] = f
	}
	return snap, rows.Err()
}

// BlocksFor folds both directions of every block pair involving the user
// into one set, so visibility filtering stays symmetric.
func (r *PostgresRepository) BlocksFor(ctx context.Context, userID string) (BlockSet, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT blocked_id FROM user_blocks WHERE user_id = $1
		 UNION
		 SELECT user_id FROM user_blocks WHERE blocked_id = $1`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := BlockSet{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		set[id] = struct{}{}
	}
	return set, rows.Err()
}

func (r *PostgresRepository) AddFriend(ctx context.Context, userID, friendID string) error {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const insert = `
INSERT INTO friendships (user_id, friend_id)
VALUES ($1, $2)
ON CONFLICT (user_id, friend_id) DO NOTHING`
	if _, err := tx.Exec(ctx, insert, userID, friendID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, insert, friendID, userID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) RemoveFriend(ctx context.Context, userID, friendID string) error {
	_, err := r.Pool.Exec(ctx,
		`DELETE FROM friendships
		 WHERE (user_id = $1 AND friend_id = $2) OR (user_id = $2 AND friend_id = $1)`,
		userID, friendID,
	)
	return err
}

func (r *PostgresRepository) BlockUser(ctx context.Context, userID, blockedID string) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO user_blocks (user_id, blocked_id)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id, blocked_id) DO NOTHING`,
		userID, blockedID,
	)
	return err
}

func (r *PostgresRepository) UnblockUser(ctx context.Context, userID, blockedID string) error {
	_, err := r.Pool.Exec(ctx,
		`DELETE FROM user_blocks WHERE user_id = $1 AND blocked_id = $2`,
		userID, blockedID,
	)
	return err
}

// ResolveUsers looks up display data for arbitrary user ids (event owners
// and attendees outside the viewer's friend list).
func (r *PostgresRepository) ResolveUsers(ctx context.Context, ids []string) (Snapshot, error) {
	snap := Snapshot{}
	if len(ids) == 0 {
		return snap, nil
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT id, display_name, avatar_url FROM users WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.ID, &f.DisplayName, &f.AvatarURL); err != nil {
			return nil, err
		}
		snap[f.ID] = f
	}
	return snap, rows.Err()
}
