// Package payouts gates withdrawals from funded challenges and tracks their
// administrative approval.
package payouts

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"prop-trading-engine/internal/apperr"
	"prop-trading-engine/internal/database"
	"prop-trading-engine/internal/events"
)

const minWalletLength = 10

var hundred = decimal.NewFromInt(100)

// Store is the persistence surface for the payout ledger.
type Store interface {
	GetChallenge(ctx context.Context, id int64) (*database.Challenge, error)
	GetChallengeType(ctx context.Context, id int64) (*database.ChallengeType, error)
	CreatePayoutRequest(ctx context.Context, p *database.PayoutRequest) error
	GetPayoutRequest(ctx context.Context, id int64) (*database.PayoutRequest, error)
	ListPayoutsByChallenge(ctx context.Context, challengeID int64) ([]*database.PayoutRequest, error)
	ListPayoutsByUser(ctx context.Context, userID string) ([]*database.PayoutRequest, error)
	ListPayoutsByStatus(ctx context.Context, status string, limit, offset int) ([]*database.PayoutRequest, error)
	TransitionPayout(ctx context.Context, id int64, from, to string, txHash *string) (*database.PayoutRequest, error)
	SumPayoutsCommitted(ctx context.Context, challengeID int64) (decimal.Decimal, error)
	HasPendingPayout(ctx context.Context, challengeID int64) (bool, error)
}

// Service implements the payout ledger.
type Service struct {
	store     Store
	bus       *events.EventBus
	minPayout decimal.Decimal
	logger    zerolog.Logger
}

// NewService builds the payout service.
func NewService(store Store, bus *events.EventBus, minPayout float64, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		bus:       bus,
		minPayout: decimal.NewFromFloat(minPayout),
		logger:    logger,
	}
}

// MinPayout is the platform minimum per request.
func (s *Service) MinPayout() decimal.Decimal {
	return s.minPayout
}

// Available computes what the trader can still withdraw: the profit split of
// realized funded profit, minus everything already pending, approved, or
// sent. Never negative.
func (s *Service) Available(ctx context.Context, challengeID int64) (decimal.Decimal, error) {
	c, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	t, err := s.store.GetChallengeType(ctx, c.TypeID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	committed, err := s.store.SumPayoutsCommitted(ctx, challengeID)
	if err != nil {
		return decimal.Decimal{}, err
	}

	share := c.TotalPnlRealized.Mul(t.ProfitSplitPct).Div(hundred)
	available := share.Sub(committed)
	if available.IsNegative() {
		available = decimal.Zero
	}
	return available.Round(2), nil
}

// Request validates and records a withdrawal. Only a funded challenge can
// request, the amount must clear the platform minimum and fit inside the
// available split, and at most one request may be pending at a time.
func (s *Service) Request(ctx context.Context, userID string, challengeID int64,
	amount decimal.Decimal, wallet, network string) (*database.PayoutRequest, error) {

	if !validNetwork(network) {
		return nil, apperr.InvalidInput("invalid_network", "unsupported payout network")
	}
	if len(wallet) < minWalletLength {
		return nil, apperr.InvalidInput("invalid_wallet", "wallet address is too short")
	}
	if amount.LessThan(s.minPayout) {
		return nil, apperr.PreconditionFailed("below_minimum", "amount is below the minimum payout")
	}

	c, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, apperr.Forbidden("not_owner", "challenge belongs to another user")
	}
	if c.Status != database.StatusFunded {
		return nil, apperr.PreconditionFailed("not_funded", "payouts are available to funded challenges only")
	}

	pending, err := s.store.HasPendingPayout(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, apperr.Conflict("pending_payout_exists", "a payout request is already pending")
	}

	available, err := s.Available(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(available) {
		return nil, apperr.PreconditionFailed("exceeds_available", "amount exceeds the available profit split")
	}

	p := &database.PayoutRequest{
		PublicID:      uuid.New().String(),
		ChallengeID:   challengeID,
		UserID:        userID,
		Amount:        amount.Round(2),
		WalletAddress: wallet,
		Network:       network,
		Status:        database.PayoutPending,
	}
	if err := s.store.CreatePayoutRequest(ctx, p); err != nil {
		if database.IsUniqueViolation(err, "idx_payouts_one_pending") {
			return nil, apperr.Conflict("pending_payout_exists", "a payout request is already pending")
		}
		return nil, err
	}

	s.publishStatus(p)
	s.logger.Info().Int64("challenge_id", challengeID).Str("payout", p.PublicID).
		Str("amount", p.Amount.String()).Msg("payout requested")
	return p, nil
}

// Approve moves a pending request to approved.
func (s *Service) Approve(ctx context.Context, id int64) (*database.PayoutRequest, error) {
	return s.transition(ctx, id, database.PayoutPending, database.PayoutApproved, nil)
}

// Reject moves a pending request to rejected, releasing its amount back into
// the available split.
func (s *Service) Reject(ctx context.Context, id int64) (*database.PayoutRequest, error) {
	return s.transition(ctx, id, database.PayoutPending, database.PayoutRejected, nil)
}

// MarkSent records the on-chain transfer of an approved request.
func (s *Service) MarkSent(ctx context.Context, id int64, txHash string) (*database.PayoutRequest, error) {
	if txHash == "" {
		return nil, apperr.InvalidInput("tx_hash_required", "tx hash is required to mark a payout sent")
	}
	return s.transition(ctx, id, database.PayoutApproved, database.PayoutSent, &txHash)
}

func (s *Service) transition(ctx context.Context, id int64, from, to string, txHash *string) (*database.PayoutRequest, error) {
	p, err := s.store.TransitionPayout(ctx, id, from, to, txHash)
	if errors.Is(err, database.ErrNotFound) {
		// Distinguish a missing payout from one in the wrong state.
		if _, getErr := s.store.GetPayoutRequest(ctx, id); getErr == nil {
			return nil, apperr.Conflict("invalid_transition", "payout is not in the required state")
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s.publishStatus(p)
	s.logger.Info().Str("payout", p.PublicID).Str("status", p.Status).Msg("payout transitioned")
	return p, nil
}

// ListForUser returns the user's payout history, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]*database.PayoutRequest, error) {
	return s.store.ListPayoutsByUser(ctx, userID)
}

// ListForChallenge returns a challenge's payout history, newest first.
func (s *Service) ListForChallenge(ctx context.Context, challengeID int64) ([]*database.PayoutRequest, error) {
	return s.store.ListPayoutsByChallenge(ctx, challengeID)
}

// ListByStatus serves the admin queue.
func (s *Service) ListByStatus(ctx context.Context, status string, limit, offset int) ([]*database.PayoutRequest, error) {
	switch status {
	case database.PayoutPending, database.PayoutApproved, database.PayoutRejected, database.PayoutSent:
	default:
		return nil, apperr.InvalidInput("invalid_status", "unknown payout status")
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListPayoutsByStatus(ctx, status, limit, offset)
}

func (s *Service) publishStatus(p *database.PayoutRequest) {
	s.bus.Publish(events.Event{
		Type:        events.EventPayoutStatus,
		ChallengeID: p.ChallengeID,
		Data: map[string]interface{}{
			"payout_id": p.PublicID,
			"status":    p.Status,
			"amount":    p.Amount,
		},
	})
}

func validNetwork(network string) bool {
	for _, n := range database.PayoutNetworks {
		if n == network {
			return true
		}
	}
	return false
}
