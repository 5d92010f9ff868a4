package database

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// GetDailyCounter fetches the counter for a challenge and UTC day
func (r *Repository) GetDailyCounter(ctx context.Context, challengeID int64, day time.Time) (*DailyCounter, error) {
	var dc DailyCounter
	err := r.db.Pool.QueryRow(ctx, `
		SELECT challenge_id, day, realized_pnl, worst_equity_drop_pct, trades_opened
		FROM daily_counters WHERE challenge_id = $1 AND day = $2`,
		challengeID, day).Scan(&dc.ChallengeID, &dc.Day, &dc.RealizedPnl, &dc.WorstEquityDropPct, &dc.TradesOpened)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &dc, nil
}

// ListDailySnapshots returns the equity curve for a challenge, oldest first
func (r *Repository) ListDailySnapshots(ctx context.Context, challengeID int64) ([]*DailySnapshot, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, challenge_id, day, equity, balance, trades_closed
		FROM daily_snapshots WHERE challenge_id = $1 ORDER BY day ASC`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []*DailySnapshot
	for rows.Next() {
		var s DailySnapshot
		if err := rows.Scan(&s.ID, &s.ChallengeID, &s.Day, &s.Equity, &s.Balance, &s.TradesClosed); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, &s)
	}
	return snapshots, rows.Err()
}

// ListViolations returns the rule breaches recorded for a challenge
func (r *Repository) ListViolations(ctx context.Context, challengeID int64) ([]*Violation, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, challenge_id, rule, detail, created_at
		FROM violations WHERE challenge_id = $1 ORDER BY created_at ASC`, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var violations []*Violation
	for rows.Next() {
		var v Violation
		if err := rows.Scan(&v.ID, &v.ChallengeID, &v.Rule, &v.Detail, &v.CreatedAt); err != nil {
			return nil, err
		}
		violations = append(violations, &v)
	}
	return violations, rows.Err()
}

// LeaderboardRow is one ranked challenge.
type LeaderboardRow struct {
	ChallengeID      int64           `json:"challenge_id"`
	DisplayName      string          `json:"display_name"`
	Status           string          `json:"status"`
	ProfitPct        decimal.Decimal `json:"profit_pct"`
	TradingDaysCount int             `json:"trading_days_count"`
	TotalTrades      int             `json:"total_trades"`
	WinningTrades    int             `json:"winning_trades"`
	StartedAt        time.Time       `json:"started_at"`
}

// MonthlyLeaderboard ranks non-failed challenges by profit against their
// balance at the start of the current month (last snapshot before the month,
// falling back to initial_balance for challenges started inside it).
func (r *Repository) MonthlyLeaderboard(ctx context.Context, monthStart time.Time, limit int) ([]*LeaderboardRow, error) {
	return r.queryLeaderboard(ctx, `
		SELECT c.id, COALESCE(u.username, u.first_name), c.status,
			CASE WHEN base.balance > 0
				THEN (c.current_balance - base.balance) / base.balance * 100
				ELSE 0 END AS profit_pct,
			c.trading_days_count, c.total_trades, c.winning_trades, c.started_at
		FROM challenges c
		JOIN users u ON u.id = c.user_id
		CROSS JOIN LATERAL (
			SELECT COALESCE(
				(SELECT s.balance FROM daily_snapshots s
					WHERE s.challenge_id = c.id AND s.day < $1
					ORDER BY s.day DESC LIMIT 1),
				c.initial_balance) AS balance
		) base
		WHERE c.status <> 'failed' AND u.blocked = FALSE
		ORDER BY profit_pct DESC, c.trading_days_count ASC, c.started_at ASC
		LIMIT $2`, monthStart, limit)
}

// AllTimeLeaderboard ranks challenges by lifetime profit percentage. Failed
// challenges appear only when they completed a funded payout.
func (r *Repository) AllTimeLeaderboard(ctx context.Context, limit int) ([]*LeaderboardRow, error) {
	return r.queryLeaderboard(ctx, `
		SELECT c.id, COALESCE(u.username, u.first_name), c.status,
			CASE WHEN c.initial_balance > 0
				THEN (c.current_balance - c.initial_balance) / c.initial_balance * 100
				ELSE 0 END AS profit_pct,
			c.trading_days_count, c.total_trades, c.winning_trades, c.started_at
		FROM challenges c
		JOIN users u ON u.id = c.user_id
		WHERE u.blocked = FALSE AND (c.status <> 'failed' OR EXISTS (
			SELECT 1 FROM payout_requests p
			WHERE p.challenge_id = c.id AND p.status = 'sent'))
		ORDER BY profit_pct DESC, c.trading_days_count ASC, c.started_at ASC
		LIMIT $1`, limit)
}

func (r *Repository) queryLeaderboard(ctx context.Context, query string, args ...any) ([]*LeaderboardRow, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*LeaderboardRow
	for rows.Next() {
		var row LeaderboardRow
		if err := rows.Scan(&row.ChallengeID, &row.DisplayName, &row.Status, &row.ProfitPct,
			&row.TradingDaysCount, &row.TotalTrades, &row.WinningTrades, &row.StartedAt); err != nil {
			return nil, err
		}
		result = append(result, &row)
	}
	return result, rows.Err()
}
