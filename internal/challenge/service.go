package challenge

import (
	"context"

	"github.com/rs/zerolog"

	"prop-trading-engine/internal/apperr"
	"prop-trading-engine/internal/database"
)

// Store is the persistence surface for challenge purchase and lookup.
type Store interface {
	ListChallengeTypes(ctx context.Context, activeOnly bool) ([]*database.ChallengeType, error)
	GetChallengeType(ctx context.Context, id int64) (*database.ChallengeType, error)
	CreateChallenge(ctx context.Context, c *database.Challenge) error
	GetChallenge(ctx context.Context, id int64) (*database.Challenge, error)
	ListChallengesByUser(ctx context.Context, userID, status string) ([]*database.Challenge, error)
	GetActiveChallengeByUser(ctx context.Context, userID string) (*database.Challenge, error)
}

// Service handles the catalog and challenge purchase.
type Service struct {
	store  Store
	logger zerolog.Logger
}

// NewService builds the challenge service.
func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Catalog lists purchasable plans.
func (s *Service) Catalog(ctx context.Context) ([]*database.ChallengeType, error) {
	return s.store.ListChallengeTypes(ctx, true)
}

// Purchase creates a fresh challenge in phase1 for the user. Payment itself
// is handled by the host platform; this records the resulting account. The
// unique active index enforces one live challenge per user.
func (s *Service) Purchase(ctx context.Context, userID string, typeID int64) (*database.Challenge, error) {
	t, err := s.store.GetChallengeType(ctx, typeID)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, apperr.PreconditionFailed("plan_inactive", "challenge type is no longer offered")
	}

	c := &database.Challenge{
		UserID:            userID,
		TypeID:            typeID,
		Status:            database.StatusPhase1,
		AccountMode:       database.ModeDemo,
		InitialBalance:    t.AccountSize,
		CurrentBalance:    t.AccountSize,
		PeakEquity:        t.AccountSize,
		DailyAnchorEquity: t.AccountSize,
	}
	if err := s.store.CreateChallenge(ctx, c); err != nil {
		if database.IsUniqueViolation(err, "idx_challenges_one_active") {
			return nil, apperr.Conflict("active_challenge_exists", "user already has an active challenge")
		}
		return nil, err
	}

	s.logger.Info().Str("user_id", userID).Int64("challenge_id", c.ID).
		Str("plan", t.Name).Int("attempt", c.AttemptNumber).Msg("challenge purchased")
	return c, nil
}

// Get fetches a challenge, enforcing ownership unless the caller is admin.
func (s *Service) Get(ctx context.Context, userID string, isAdmin bool, challengeID int64) (*database.Challenge, error) {
	c, err := s.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !isAdmin && c.UserID != userID {
		return nil, apperr.Forbidden("not_owner", "challenge belongs to another user")
	}
	return c, nil
}

// ListForUser returns the user's challenges, optionally filtered by status.
func (s *Service) ListForUser(ctx context.Context, userID, status string) ([]*database.Challenge, error) {
	return s.store.ListChallengesByUser(ctx, userID, status)
}

// Active returns the user's single active challenge, or NotFound.
func (s *Service) Active(ctx context.Context, userID string) (*database.Challenge, error) {
	return s.store.GetActiveChallengeByUser(ctx, userID)
}
