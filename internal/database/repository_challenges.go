package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const challengeTypeColumns = `id, name, account_size, price, profit_target_p1, profit_target_p2,
	max_daily_loss_pct, max_total_loss_pct, min_trading_days, drawdown_type, max_leverage,
	profit_split_pct, is_one_phase, is_instant, active, created_at`

const challengeColumns = `id, user_id, type_id, status, account_mode, initial_balance,
	current_balance, peak_equity, daily_anchor_equity, daily_anchor_date, daily_pnl_realized,
	total_pnl_realized, trading_days_count, total_trades, winning_trades, scaling_step,
	attempt_number, failed_reason, version, started_at, transitioned_at, failed_at, updated_at`

func scanChallengeType(row interface{ Scan(dest ...any) error }) (*ChallengeType, error) {
	var t ChallengeType
	err := row.Scan(&t.ID, &t.Name, &t.AccountSize, &t.Price, &t.ProfitTargetP1, &t.ProfitTargetP2,
		&t.MaxDailyLossPct, &t.MaxTotalLossPct, &t.MinTradingDays, &t.DrawdownType, &t.MaxLeverage,
		&t.ProfitSplitPct, &t.IsOnePhase, &t.IsInstant, &t.Active, &t.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &t, nil
}

func scanChallenge(row interface{ Scan(dest ...any) error }) (*Challenge, error) {
	var c Challenge
	err := row.Scan(&c.ID, &c.UserID, &c.TypeID, &c.Status, &c.AccountMode, &c.InitialBalance,
		&c.CurrentBalance, &c.PeakEquity, &c.DailyAnchorEquity, &c.DailyAnchorDate, &c.DailyPnlRealized,
		&c.TotalPnlRealized, &c.TradingDaysCount, &c.TotalTrades, &c.WinningTrades, &c.ScalingStep,
		&c.AttemptNumber, &c.FailedReason, &c.Version, &c.StartedAt, &c.TransitionedAt, &c.FailedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &c, nil
}

// ListChallengeTypes returns the catalog
func (r *Repository) ListChallengeTypes(ctx context.Context, activeOnly bool) ([]*ChallengeType, error) {
	query := `SELECT ` + challengeTypeColumns + ` FROM challenge_types`
	if activeOnly {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY account_size ASC`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []*ChallengeType
	for rows.Next() {
		t, err := scanChallengeType(rows)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// GetChallengeType fetches a catalog entry by id
func (r *Repository) GetChallengeType(ctx context.Context, id int64) (*ChallengeType, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+challengeTypeColumns+` FROM challenge_types WHERE id = $1`, id)
	return scanChallengeType(row)
}

// SeedChallengeTypes inserts the default catalog when the table is empty.
func (r *Repository) SeedChallengeTypes(ctx context.Context, types []*ChallengeType) error {
	var count int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM challenge_types`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	for _, t := range types {
		_, err := r.db.Pool.Exec(ctx, `
			INSERT INTO challenge_types (name, account_size, price, profit_target_p1, profit_target_p2,
				max_daily_loss_pct, max_total_loss_pct, min_trading_days, drawdown_type, max_leverage,
				profit_split_pct, is_one_phase, is_instant, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			t.Name, t.AccountSize, t.Price, t.ProfitTargetP1, t.ProfitTargetP2,
			t.MaxDailyLossPct, t.MaxTotalLossPct, t.MinTradingDays, t.DrawdownType, t.MaxLeverage,
			t.ProfitSplitPct, t.IsOnePhase, t.IsInstant, t.Active)
		if err != nil {
			return fmt.Errorf("failed to seed challenge type %q: %w", t.Name, err)
		}
	}
	return nil
}

// CreateChallenge inserts a new challenge and returns it with id and
// attempt_number populated. The unique active index rejects a second active
// challenge for the same user.
func (r *Repository) CreateChallenge(ctx context.Context, c *Challenge) error {
	row := r.db.Pool.QueryRow(ctx, `
		INSERT INTO challenges (user_id, type_id, status, account_mode, initial_balance,
			current_balance, peak_equity, daily_anchor_equity, attempt_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
			(SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM challenges
				WHERE user_id = $1 AND type_id = $2))
		RETURNING id, attempt_number, started_at, updated_at`,
		c.UserID, c.TypeID, c.Status, c.AccountMode, c.InitialBalance,
		c.CurrentBalance, c.PeakEquity, c.DailyAnchorEquity)

	return row.Scan(&c.ID, &c.AttemptNumber, &c.StartedAt, &c.UpdatedAt)
}

// GetChallenge fetches a challenge by id
func (r *Repository) GetChallenge(ctx context.Context, id int64) (*Challenge, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id)
	return scanChallenge(row)
}

// ListChallengesByUser returns a user's challenges, optionally filtered by status
func (r *Repository) ListChallengesByUser(ctx context.Context, userID, status string) ([]*Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM challenges WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY started_at DESC`

	return r.queryChallenges(ctx, query, args...)
}

// GetActiveChallengeByUser returns the user's single active challenge, if any
func (r *Repository) GetActiveChallengeByUser(ctx context.Context, userID string) (*Challenge, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+challengeColumns+` FROM challenges
		WHERE user_id = $1 AND status IN ('phase1', 'phase2', 'funded')`, userID)
	return scanChallenge(row)
}

// ListActiveChallenges returns every non-terminal challenge, for the evaluator
func (r *Repository) ListActiveChallenges(ctx context.Context) ([]*Challenge, error) {
	return r.queryChallenges(ctx,
		`SELECT `+challengeColumns+` FROM challenges
		WHERE status IN ('phase1', 'phase2', 'funded') ORDER BY id`)
}

// ListChallenges returns challenges for the admin surface
func (r *Repository) ListChallenges(ctx context.Context, status string, limit, offset int) ([]*Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM challenges`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	return r.queryChallenges(ctx, query, args...)
}

func (r *Repository) queryChallenges(ctx context.Context, query string, args ...any) ([]*Challenge, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var challenges []*Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		challenges = append(challenges, c)
	}
	return challenges, rows.Err()
}

// ChallengeMutation is the unit of durable change for one challenge. All
// parts commit in a single transaction so a crash can never leave a
// half-applied tick, close, or phase transition.
type ChallengeMutation struct {
	Challenge       *Challenge  // required; optimistic version check
	NewPosition     *Position   // inserted open, id backfilled
	ClosedPositions []*Position // close fields persisted
	Violation       *Violation
	DailyCounter    *DailyCounter // upserted (pnl and trades added)
	DailySnapshot   *DailySnapshot
	PromoteUserRole string // when non-empty, the owner's role is raised
}

// ApplyChallengeMutation persists a mutation atomically. Returns
// ErrVersionConflict when the challenge row changed underneath the caller.
func (r *Repository) ApplyChallengeMutation(ctx context.Context, m *ChallengeMutation) error {
	c := m.Challenge
	return r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE challenges SET
				status = $2, account_mode = $3, initial_balance = $4, current_balance = $5,
				peak_equity = $6, daily_anchor_equity = $7, daily_anchor_date = $8,
				daily_pnl_realized = $9, total_pnl_realized = $10, trading_days_count = $11,
				total_trades = $12, winning_trades = $13, scaling_step = $14,
				failed_reason = $15, transitioned_at = $16, failed_at = $17,
				version = version + 1, updated_at = NOW()
			WHERE id = $1 AND version = $18`,
			c.ID, c.Status, c.AccountMode, c.InitialBalance, c.CurrentBalance,
			c.PeakEquity, c.DailyAnchorEquity, c.DailyAnchorDate,
			c.DailyPnlRealized, c.TotalPnlRealized, c.TradingDaysCount,
			c.TotalTrades, c.WinningTrades, c.ScalingStep,
			c.FailedReason, c.TransitionedAt, c.FailedAt, c.Version)
		if err != nil {
			return fmt.Errorf("failed to update challenge %d: %w", c.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		c.Version++

		if p := m.NewPosition; p != nil {
			row := tx.QueryRow(ctx, `
				INSERT INTO positions (challenge_id, symbol, side, qty, leverage, entry_price,
					take_profit, stop_loss, margin_used)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				RETURNING id, opened_at`,
				p.ChallengeID, p.Symbol, p.Side, p.Qty, p.Leverage, p.EntryPrice,
				p.TakeProfit, p.StopLoss, p.MarginUsed)
			if err := row.Scan(&p.ID, &p.OpenedAt); err != nil {
				return fmt.Errorf("failed to insert position: %w", err)
			}
		}

		for _, p := range m.ClosedPositions {
			tag, err := tx.Exec(ctx, `
				UPDATE positions SET closed_at = $2, close_price = $3, close_reason = $4, realized_pnl = $5
				WHERE id = $1 AND closed_at IS NULL`,
				p.ID, p.ClosedAt, p.ClosePrice, p.CloseReason, p.RealizedPnl)
			if err != nil {
				return fmt.Errorf("failed to close position %d: %w", p.ID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("position %d already closed: %w", p.ID, ErrVersionConflict)
			}
		}

		if v := m.Violation; v != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO violations (challenge_id, rule, detail) VALUES ($1, $2, $3)`,
				v.ChallengeID, v.Rule, v.Detail); err != nil {
				return fmt.Errorf("failed to insert violation: %w", err)
			}
		}

		if dc := m.DailyCounter; dc != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO daily_counters (challenge_id, day, realized_pnl, worst_equity_drop_pct, trades_opened)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (challenge_id, day) DO UPDATE SET
					realized_pnl = daily_counters.realized_pnl + EXCLUDED.realized_pnl,
					worst_equity_drop_pct = GREATEST(daily_counters.worst_equity_drop_pct, EXCLUDED.worst_equity_drop_pct),
					trades_opened = daily_counters.trades_opened + EXCLUDED.trades_opened`,
				dc.ChallengeID, dc.Day, dc.RealizedPnl, dc.WorstEquityDropPct, dc.TradesOpened); err != nil {
				return fmt.Errorf("failed to upsert daily counter: %w", err)
			}
		}

		if s := m.DailySnapshot; s != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO daily_snapshots (challenge_id, day, equity, balance, trades_closed)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (challenge_id, day) DO UPDATE SET
					equity = EXCLUDED.equity, balance = EXCLUDED.balance,
					trades_closed = EXCLUDED.trades_closed`,
				s.ChallengeID, s.Day, s.Equity, s.Balance, s.TradesClosed); err != nil {
				return fmt.Errorf("failed to upsert daily snapshot: %w", err)
			}
		}

		if m.PromoteUserRole != "" {
			if _, err := tx.Exec(ctx, `
				UPDATE users SET role = $2, updated_at = NOW()
				WHERE id = $1 AND role NOT IN ('admin', 'super_admin')`,
				c.UserID, m.PromoteUserRole); err != nil {
				return fmt.Errorf("failed to promote user: %w", err)
			}
		}

		return nil
	})
}
