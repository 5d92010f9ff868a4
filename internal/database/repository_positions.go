package database

import (
	"context"
	"fmt"
)

const positionColumns = `id, challenge_id, symbol, side, qty, leverage, entry_price,
	take_profit, stop_loss, margin_used, opened_at, closed_at, close_price, close_reason, realized_pnl`

func scanPosition(row interface{ Scan(dest ...any) error }) (*Position, error) {
	var p Position
	err := row.Scan(&p.ID, &p.ChallengeID, &p.Symbol, &p.Side, &p.Qty, &p.Leverage, &p.EntryPrice,
		&p.TakeProfit, &p.StopLoss, &p.MarginUsed, &p.OpenedAt, &p.ClosedAt, &p.ClosePrice,
		&p.CloseReason, &p.RealizedPnl)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &p, nil
}

// GetPosition fetches a position by id
func (r *Repository) GetPosition(ctx context.Context, id int64) (*Position, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	return scanPosition(row)
}

// ListOpenPositions returns the open positions of a challenge
func (r *Repository) ListOpenPositions(ctx context.Context, challengeID int64) ([]*Position, error) {
	return r.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions
		WHERE challenge_id = $1 AND closed_at IS NULL ORDER BY opened_at DESC`, challengeID)
}

// HistoryFilter narrows a trade-history page.
type HistoryFilter struct {
	Side   string
	Symbol string
}

// HistoryPage is one page of closed positions, newest first. Cursor is the
// id of the last row of the previous page; zero means start.
type HistoryPage struct {
	Positions  []*Position `json:"positions"`
	NextCursor int64       `json:"next_cursor"`
	HasMore    bool        `json:"has_more"`
}

// PositionHistory returns a page of closed positions using keyset pagination.
func (r *Repository) PositionHistory(ctx context.Context, challengeID, cursor int64, limit int, f HistoryFilter) (*HistoryPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE challenge_id = $1 AND closed_at IS NOT NULL`
	args := []any{challengeID}

	if cursor > 0 {
		args = append(args, cursor)
		query += fmt.Sprintf(` AND id < $%d`, len(args))
	}
	if f.Side != "" {
		args = append(args, f.Side)
		query += fmt.Sprintf(` AND side = $%d`, len(args))
	}
	if f.Symbol != "" {
		args = append(args, f.Symbol)
		query += fmt.Sprintf(` AND symbol = $%d`, len(args))
	}

	// Fetch one extra row to detect another page.
	args = append(args, limit+1)
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, len(args))

	positions, err := r.queryPositions(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	page := &HistoryPage{Positions: positions}
	if len(positions) > limit {
		page.Positions = positions[:limit]
		page.HasMore = true
	}
	if n := len(page.Positions); n > 0 {
		page.NextCursor = page.Positions[n-1].ID
	}
	return page, nil
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...any) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
