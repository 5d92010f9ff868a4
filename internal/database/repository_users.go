package database

import (
	"context"
	"fmt"
)

const userColumns = `id, external_id, username, first_name, last_name, role, blocked,
	referral_code, referred_by, created_at, updated_at`

func scanUser(row interface{ Scan(dest ...any) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.ExternalID, &u.Username, &u.FirstName, &u.LastName,
		&u.Role, &u.Blocked, &u.ReferralCode, &u.ReferredBy, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &u, nil
}

// CreateUser inserts a new user
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO users (id, external_id, username, first_name, last_name, role, referral_code, referred_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.ExternalID, u.Username, u.FirstName, u.LastName, u.Role, u.ReferralCode, u.ReferredBy)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByID fetches a user by internal id
func (r *Repository) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetUserByExternalID fetches a user by the host identity
func (r *Repository) GetUserByExternalID(ctx context.Context, externalID int64) (*User, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID)
	return scanUser(row)
}

// GetUserByReferralCode fetches a user by referral code
func (r *Repository) GetUserByReferralCode(ctx context.Context, code string) (*User, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE referral_code = $1`, code)
	return scanUser(row)
}

// UpdateUserProfile refreshes the display fields supplied by the host on login
func (r *Repository) UpdateUserProfile(ctx context.Context, id string, username *string, firstName string, lastName *string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE users SET username = $2, first_name = $3, last_name = $4, updated_at = NOW()
		WHERE id = $1`,
		id, username, firstName, lastName)
	return err
}

// SetUserBlocked blocks or unblocks a user
func (r *Repository) SetUserBlocked(ctx context.Context, id string, blocked bool) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE users SET blocked = $2, updated_at = NOW() WHERE id = $1`, id, blocked)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUsers returns users ordered by creation time, newest first
func (r *Repository) ListUsers(ctx context.Context, limit, offset int) ([]*User, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
