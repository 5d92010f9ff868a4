package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"prop-trading-engine/internal/apperr"
	"prop-trading-engine/internal/cache"
	"prop-trading-engine/internal/database"
)

const (
	referralPrefix   = "KR"
	referralLength   = 6
	referralAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	referralAttempts = 5
)

var errBlocked = apperr.Forbidden("user_blocked", "account is blocked")

// UserStore is the persistence surface for identities.
type UserStore interface {
	GetUserByExternalID(ctx context.Context, externalID int64) (*database.User, error)
	GetUserByID(ctx context.Context, id string) (*database.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*database.User, error)
	CreateUser(ctx context.Context, u *database.User) error
	UpdateUserProfile(ctx context.Context, id string, username *string, firstName string, lastName *string) error
}

// SessionStore keeps refresh sessions; Redis in production.
type SessionStore interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Service is the session gateway.
type Service struct {
	users    UserStore
	sessions SessionStore
	jwt      *JWTManager
	botToken string
	maxAge   time.Duration
	logger   zerolog.Logger
}

// NewService builds the auth service.
func NewService(users UserStore, sessions SessionStore, jwt *JWTManager,
	botToken string, initDataMaxAge time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		users:    users,
		sessions: sessions,
		jwt:      jwt,
		botToken: botToken,
		maxAge:   initDataMaxAge,
		logger:   logger,
	}
}

// Login verifies initData, finds or creates the user, and issues a token
// pair. On signup, a referral code (explicit or carried in start_param)
// attributes the new user to its owner. Returns whether the user was just
// created.
func (s *Service) Login(ctx context.Context, rawInitData, referralCode string) (*database.User, *TokenPair, bool, error) {
	data, err := VerifyInitData(rawInitData, s.botToken, s.maxAge, time.Now().UTC())
	if err != nil {
		return nil, nil, false, err
	}

	isNew := false
	user, err := s.users.GetUserByExternalID(ctx, data.User.ID)
	switch {
	case err == nil:
		if user.Blocked {
			return nil, nil, false, errBlocked
		}
		s.syncProfile(ctx, user, data.User)
	case errors.Is(err, database.ErrNotFound):
		if referralCode == "" {
			referralCode = data.StartParam
		}
		user, err = s.createUser(ctx, data.User, referralCode)
		if err != nil {
			return nil, nil, false, err
		}
		isNew = true
	default:
		return nil, nil, false, err
	}

	pair, err := s.issuePair(ctx, user)
	if err != nil {
		return nil, nil, false, err
	}
	return user, pair, isNew, nil
}

// Refresh rotates a refresh session into a fresh token pair. The old token
// is deleted first so a replayed token cannot mint two sessions.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*database.User, *TokenPair, error) {
	key := cache.RefreshTokenKey(refreshToken)
	userID, err := s.sessions.Get(ctx, key)
	if err != nil {
		return nil, nil, apperr.Unauthenticated("refresh_invalid", "refresh token is unknown or expired")
	}
	if err := s.sessions.Delete(ctx, key); err != nil {
		return nil, nil, apperr.Unavailable("session_store", "session store unavailable")
	}

	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, nil, apperr.Unauthenticated("refresh_invalid", "refresh token is unknown or expired")
	}
	if user.Blocked {
		return nil, nil, errBlocked
	}

	pair, err := s.issuePair(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Logout discards a refresh session.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.sessions.Delete(ctx, cache.RefreshTokenKey(refreshToken))
}

func (s *Service) issuePair(ctx context.Context, user *database.User) (*TokenPair, error) {
	pair, err := s.jwt.GenerateTokenPair(UserClaims{UserID: user.ID, Role: user.Role})
	if err != nil {
		return nil, apperr.Internal("failed to issue tokens", err)
	}
	key := cache.RefreshTokenKey(pair.RefreshToken)
	if err := s.sessions.Set(ctx, key, user.ID, s.jwt.GetRefreshTokenDuration()); err != nil {
		return nil, apperr.Unavailable("session_store", "session store unavailable")
	}
	return pair, nil
}

func (s *Service) createUser(ctx context.Context, tg TelegramUser, referralCode string) (*database.User, error) {
	user := &database.User{
		ID:         uuid.New().String(),
		ExternalID: tg.ID,
		FirstName:  tg.FirstName,
		Role:       database.RoleTrader,
	}
	if tg.Username != "" {
		username := tg.Username
		user.Username = &username
	}
	if tg.LastName != "" {
		lastName := tg.LastName
		user.LastName = &lastName
	}

	if referralCode != "" {
		if referrer, err := s.users.GetUserByReferralCode(ctx, referralCode); err == nil {
			user.ReferredBy = &referrer.ID
		}
	}

	// Referral codes collide rarely; retry on the unique index.
	var err error
	for attempt := 0; attempt < referralAttempts; attempt++ {
		user.ReferralCode, err = generateReferralCode()
		if err != nil {
			return nil, apperr.Internal("failed to generate referral code", err)
		}
		err = s.users.CreateUser(ctx, user)
		if err == nil {
			s.logger.Info().Str("user_id", user.ID).Int64("external_id", user.ExternalID).
				Msg("user created")
			return user, nil
		}
		if !database.IsUniqueViolation(err, "users_referral_code_key") {
			return nil, err
		}
	}
	return nil, apperr.Internal("referral code collision", err)
}

// syncProfile keeps display fields current with the host identity;
// best-effort, login proceeds on failure.
func (s *Service) syncProfile(ctx context.Context, user *database.User, tg TelegramUser) {
	var username, lastName *string
	if tg.Username != "" {
		username = &tg.Username
	}
	if tg.LastName != "" {
		lastName = &tg.LastName
	}

	changed := tg.FirstName != user.FirstName ||
		!equalPtr(username, user.Username) || !equalPtr(lastName, user.LastName)
	if !changed {
		return
	}
	if err := s.users.UpdateUserProfile(ctx, user.ID, username, tg.FirstName, lastName); err != nil {
		s.logger.Warn().Err(err).Str("user_id", user.ID).Msg("profile sync failed")
		return
	}
	user.Username = username
	user.FirstName = tg.FirstName
	user.LastName = lastName
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func generateReferralCode() (string, error) {
	buf := make([]byte, referralLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = referralAlphabet[int(b)%len(referralAlphabet)]
	}
	return referralPrefix + string(buf), nil
}
