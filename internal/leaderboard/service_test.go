package leaderboard

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"prop-trading-engine/internal/database"
)

type fakeStore struct {
	monthlyCalls int
	alltimeCalls int
	lastMonth    time.Time
	rows         []*database.LeaderboardRow
}

func (f *fakeStore) MonthlyLeaderboard(_ context.Context, monthStart time.Time, _ int) ([]*database.LeaderboardRow, error) {
	f.monthlyCalls++
	f.lastMonth = monthStart
	return f.rows, nil
}

func (f *fakeStore) AllTimeLeaderboard(_ context.Context, _ int) ([]*database.LeaderboardRow, error) {
	f.alltimeCalls++
	return f.rows, nil
}

type fakeCache struct {
	data map[string][]byte
	down bool
}

func (f *fakeCache) GetJSON(_ context.Context, key string, dest interface{}) error {
	if f.down {
		return errors.New("cache unavailable")
	}
	raw, ok := f.data[key]
	if !ok {
		return errors.New("miss")
	}
	return json.Unmarshal(raw, dest)
}

func (f *fakeCache) SetJSON(_ context.Context, key string, value interface{}, _ time.Duration) error {
	if f.down {
		return errors.New("cache unavailable")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = raw
	return nil
}

func fixture() (*Service, *fakeStore, *fakeCache) {
	store := &fakeStore{rows: []*database.LeaderboardRow{
		{ChallengeID: 1, DisplayName: "alice", ProfitPct: decimal.NewFromInt(12)},
		{ChallengeID: 2, DisplayName: "bob", ProfitPct: decimal.NewFromInt(8)},
	}}
	c := &fakeCache{data: make(map[string][]byte)}
	svc := NewService(store, c, zerolog.Nop())
	return svc, store, c
}

func TestBoardCachesPerScopeAndLimit(t *testing.T) {
	svc, store, _ := fixture()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rows, err := svc.Board(ctx, ScopeMonthly, 10)
		if err != nil {
			t.Fatalf("Board: %v", err)
		}
		if len(rows) != 2 || rows[0].DisplayName != "alice" {
			t.Fatalf("unexpected rows: %v", rows)
		}
	}
	if store.monthlyCalls != 1 {
		t.Errorf("monthly queries = %d, want 1 (cached afterwards)", store.monthlyCalls)
	}

	// A different limit is a different cache entry.
	if _, err := svc.Board(ctx, ScopeMonthly, 25); err != nil {
		t.Fatalf("Board: %v", err)
	}
	if store.monthlyCalls != 2 {
		t.Errorf("monthly queries = %d, want 2 after new limit", store.monthlyCalls)
	}

	if _, err := svc.Board(ctx, ScopeAllTime, 10); err != nil {
		t.Fatalf("Board: %v", err)
	}
	if store.alltimeCalls != 1 {
		t.Errorf("alltime queries = %d, want 1", store.alltimeCalls)
	}
}

func TestBoardDegradedCacheFallsThrough(t *testing.T) {
	svc, store, c := fixture()
	c.down = true

	for i := 0; i < 2; i++ {
		rows, err := svc.Board(context.Background(), ScopeMonthly, 10)
		if err != nil {
			t.Fatalf("Board: %v", err)
		}
		if len(rows) != 2 {
			t.Fatalf("unexpected rows: %v", rows)
		}
	}
	if store.monthlyCalls != 2 {
		t.Errorf("monthly queries = %d, want 2 when the cache is down", store.monthlyCalls)
	}
}

func TestBoardMonthStart(t *testing.T) {
	svc, store, _ := fixture()
	svc.now = func() time.Time {
		return time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)
	}

	if _, err := svc.Board(context.Background(), ScopeMonthly, 10); err != nil {
		t.Fatalf("Board: %v", err)
	}

	want := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if !store.lastMonth.Equal(want) {
		t.Errorf("month start = %v, want %v", store.lastMonth, want)
	}
}

func TestBoardLimitClamped(t *testing.T) {
	svc, _, c := fixture()

	if _, err := svc.Board(context.Background(), ScopeMonthly, 5000); err != nil {
		t.Fatalf("Board: %v", err)
	}
	if _, ok := c.data["leaderboard:monthly:50"]; !ok {
		t.Error("oversized limit must clamp to the default")
	}
}
