package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/georgysavva/scany/pgxscan"
	"github.com/jackc/pgx/v4/pgxpool"

	"messengerService/pkg/api"
)

// UserStore keeps identity records in Postgres, table user_account. Presence
// and lastSeen live here too so contact lookups carry them without a second
// round trip.
type UserStore struct {
	db *pgxpool.Pool
}

func NewUserStore(db *pgxpool.Pool) *UserStore {
	return &UserStore{db: db}
}

func (r *UserStore) UpsertUser(ctx context.Context, user api.UserModel) (*api.UserModel, error) {
	var saved api.UserModel
	err := pgxscan.Get(ctx, r.db, &saved,
		`INSERT INTO user_account (uid, name, email, status, last_seen, last_login)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (uid) DO UPDATE SET name = $2, email = $3, last_login = $6
		 RETURNING *`,
		user.UID, user.Name, user.Email, user.Status, user.LastSeen, user.LastLogin)
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (r *UserStore) GetUserByUID(ctx context.Context, uid string) (*api.UserModel, error) {
	var user api.UserModel
	err := pgxscan.Get(ctx, r.db, &user, "SELECT * FROM user_account WHERE uid = $1", uid)
	if pgxscan.NotFound(err) {
		return nil, api.ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *UserStore) GetUserByEmail(ctx context.Context, email string) (*api.UserModel, error) {
	var user api.UserModel
	err := pgxscan.Get(ctx, r.db, &user, "SELECT * FROM user_account WHERE email = $1", email)
	if pgxscan.NotFound(err) {
		return nil, api.ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *UserStore) GetUsersByIds(ctx context.Context, uIds []string) ([]*api.UserModel, error) {
	if len(uIds) == 0 {
		return nil, nil
	}
	var users []*api.UserModel
	ids := make([]interface{}, len(uIds))
	ids[0] = uIds[0]
	inStmt := "$1"
	for i := 1; i < len(uIds); i++ {
		inStmt = inStmt + ",$" + strconv.Itoa(i+1)
		ids[i] = uIds[i]
	}
	if err := pgxscan.Select(ctx, r.db, &users, "SELECT * FROM user_account WHERE uid IN ("+inStmt+")", ids...); err != nil {
		return nil, err
	}
	return users, nil
}

func (r *UserStore) GetUsersByNameContaining(ctx context.Context, query string) ([]*api.UserModel, error) {
	var users []*api.UserModel
	err := pgxscan.Select(ctx, r.db, &users,
		"SELECT * FROM user_account WHERE name ILIKE '%' || $1 || '%' ORDER BY name", query)
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (r *UserStore) UpdatePresence(ctx context.Context, uid string, presence api.PresenceStatus, lastSeen time.Time) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE user_account SET status = $2, last_seen = $3 WHERE uid = $1",
		uid, presence, lastSeen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return api.ErrNoDocument
	}
	return nil
}
