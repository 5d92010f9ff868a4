// Package leaderboard ranks challenges by profit percentage, with a short
// cache in front of the aggregation queries.
package leaderboard

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"prop-trading-engine/internal/cache"
	"prop-trading-engine/internal/database"
)

const (
	ScopeMonthly = "monthly"
	ScopeAllTime = "alltime"

	cacheTTL     = 60 * time.Second
	defaultLimit = 50
	maxLimit     = 100
)

// Store is the aggregation surface.
type Store interface {
	MonthlyLeaderboard(ctx context.Context, monthStart time.Time, limit int) ([]*database.LeaderboardRow, error)
	AllTimeLeaderboard(ctx context.Context, limit int) ([]*database.LeaderboardRow, error)
}

// Cache is the result cache surface. Errors degrade to the database.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Service serves ranked boards.
type Service struct {
	store  Store
	cache  Cache
	logger zerolog.Logger

	now func() time.Time
}

// NewService builds the leaderboard service.
func NewService(store Store, c Cache, logger zerolog.Logger) *Service {
	return &Service{store: store, cache: c, logger: logger, now: time.Now}
}

// Board returns the ranked rows for a scope, cached for a minute per
// (scope, limit).
func (s *Service) Board(ctx context.Context, scope string, limit int) ([]*database.LeaderboardRow, error) {
	if limit <= 0 || limit > maxLimit {
		limit = defaultLimit
	}

	key := cache.LeaderboardKey(scope, limit)
	var cached []*database.LeaderboardRow
	if err := s.cache.GetJSON(ctx, key, &cached); err == nil {
		return cached, nil
	}

	var rows []*database.LeaderboardRow
	var err error
	switch scope {
	case ScopeAllTime:
		rows, err = s.store.AllTimeLeaderboard(ctx, limit)
	default:
		rows, err = s.store.MonthlyLeaderboard(ctx, s.monthStart(), limit)
	}
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetJSON(ctx, key, rows, cacheTTL); err != nil {
		s.logger.Debug().Err(err).Str("scope", scope).Msg("leaderboard cache write skipped")
	}
	return rows, nil
}

func (s *Service) monthStart() time.Time {
	now := s.now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
