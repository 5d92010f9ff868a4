package database

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const payoutColumns = `id, public_id, challenge_id, user_id, amount, wallet_address,
	network, status, tx_hash, requested_at, processed_at`

func scanPayout(row interface{ Scan(dest ...any) error }) (*PayoutRequest, error) {
	var p PayoutRequest
	err := row.Scan(&p.ID, &p.PublicID, &p.ChallengeID, &p.UserID, &p.Amount, &p.WalletAddress,
		&p.Network, &p.Status, &p.TxHash, &p.RequestedAt, &p.ProcessedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &p, nil
}

// CreatePayoutRequest inserts a pending payout. The partial unique index on
// (challenge_id) WHERE status = 'pending' rejects a second pending request.
func (r *Repository) CreatePayoutRequest(ctx context.Context, p *PayoutRequest) error {
	row := r.db.Pool.QueryRow(ctx, `
		INSERT INTO payout_requests (public_id, challenge_id, user_id, amount, wallet_address, network, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		RETURNING id, requested_at`,
		p.PublicID, p.ChallengeID, p.UserID, p.Amount, p.WalletAddress, p.Network)
	if err := row.Scan(&p.ID, &p.RequestedAt); err != nil {
		return fmt.Errorf("failed to create payout request: %w", err)
	}
	return nil
}

// GetPayoutRequest fetches a payout by id
func (r *Repository) GetPayoutRequest(ctx context.Context, id int64) (*PayoutRequest, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+payoutColumns+` FROM payout_requests WHERE id = $1`, id)
	return scanPayout(row)
}

// ListPayoutsByChallenge returns payouts for a challenge, newest first
func (r *Repository) ListPayoutsByChallenge(ctx context.Context, challengeID int64) ([]*PayoutRequest, error) {
	return r.queryPayouts(ctx,
		`SELECT `+payoutColumns+` FROM payout_requests
		WHERE challenge_id = $1 ORDER BY requested_at DESC`, challengeID)
}

// ListPayoutsByUser returns payouts for a user, newest first
func (r *Repository) ListPayoutsByUser(ctx context.Context, userID string) ([]*PayoutRequest, error) {
	return r.queryPayouts(ctx,
		`SELECT `+payoutColumns+` FROM payout_requests
		WHERE user_id = $1 ORDER BY requested_at DESC`, userID)
}

// ListPayoutsByStatus returns payouts in a given state for the admin surface
func (r *Repository) ListPayoutsByStatus(ctx context.Context, status string, limit, offset int) ([]*PayoutRequest, error) {
	return r.queryPayouts(ctx,
		`SELECT `+payoutColumns+` FROM payout_requests
		WHERE status = $1 ORDER BY requested_at ASC LIMIT $2 OFFSET $3`, status, limit, offset)
}

// TransitionPayout moves a payout from one status to another, guarding the
// transition in the WHERE clause so concurrent admins cannot double-apply.
func (r *Repository) TransitionPayout(ctx context.Context, id int64, from, to string, txHash *string) (*PayoutRequest, error) {
	var processedAt *time.Time
	if to == PayoutApproved || to == PayoutRejected || to == PayoutSent {
		now := time.Now().UTC()
		processedAt = &now
	}

	row := r.db.Pool.QueryRow(ctx, `
		UPDATE payout_requests
		SET status = $3, tx_hash = COALESCE($4, tx_hash), processed_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+payoutColumns,
		id, from, to, txHash, processedAt)
	return scanPayout(row)
}

// SumPayoutsCommitted returns the total of approved, sent, and pending
// amounts for a challenge — everything counted against available profit.
func (r *Repository) SumPayoutsCommitted(ctx context.Context, challengeID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payout_requests
		WHERE challenge_id = $1 AND status IN ('pending', 'approved', 'sent')`,
		challengeID).Scan(&sum)
	return sum, err
}

// HasPendingPayout reports whether a challenge has a pending request
func (r *Repository) HasPendingPayout(ctx context.Context, challengeID int64) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM payout_requests WHERE challenge_id = $1 AND status = 'pending')`,
		challengeID).Scan(&exists)
	return exists, err
}

func (r *Repository) queryPayouts(ctx context.Context, query string, args ...any) ([]*PayoutRequest, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []*PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}
