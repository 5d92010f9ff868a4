package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// User roles
const (
	RoleTrader       = "trader"
	RoleFundedTrader = "funded_trader"
	RoleAdmin        = "admin"
	RoleSuperAdmin   = "super_admin"
)

// Challenge statuses
const (
	StatusPhase1    = "phase1"
	StatusPhase2    = "phase2"
	StatusFunded    = "funded"
	StatusFailed    = "failed"
	StatusCompleted = "completed"
)

// Account modes
const (
	ModeDemo   = "demo"
	ModeFunded = "funded"
)

// Position sides
const (
	SideLong  = "long"
	SideShort = "short"
)

// Close reasons
const (
	CloseManual           = "manual"
	CloseTakeProfit       = "take_profit"
	CloseStopLoss         = "stop_loss"
	CloseDailyDrawdown    = "daily_drawdown"
	CloseTrailingDrawdown = "trailing_drawdown"
	CloseAdmin            = "admin"
)

// Failure reasons
const (
	FailDailyDrawdown    = "daily_drawdown"
	FailTrailingDrawdown = "trailing_drawdown"
)

// Drawdown types
const (
	DrawdownStatic   = "static"
	DrawdownTrailing = "trailing"
)

// Payout statuses
const (
	PayoutPending  = "pending"
	PayoutApproved = "approved"
	PayoutRejected = "rejected"
	PayoutSent     = "sent"
)

// Payout networks
var PayoutNetworks = []string{"TRC20", "ERC20", "BEP20"}

// ActiveStatuses are the non-terminal challenge statuses.
var ActiveStatuses = []string{StatusPhase1, StatusPhase2, StatusFunded}

type User struct {
	ID           string    `json:"id"`
	ExternalID   int64     `json:"external_id"`
	Username     *string   `json:"username,omitempty"`
	FirstName    string    `json:"first_name"`
	LastName     *string   `json:"last_name,omitempty"`
	Role         string    `json:"role"`
	Blocked      bool      `json:"blocked"`
	ReferralCode string    `json:"referral_code"`
	ReferredBy   *string   `json:"referred_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ChallengeType is a catalog entry; immutable once referenced by a challenge.
type ChallengeType struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	AccountSize     decimal.Decimal `json:"account_size"`
	Price           decimal.Decimal `json:"price"`
	ProfitTargetP1  decimal.Decimal `json:"profit_target_p1"`
	ProfitTargetP2  decimal.Decimal `json:"profit_target_p2"`
	MaxDailyLossPct decimal.Decimal `json:"max_daily_loss_pct"`
	MaxTotalLossPct decimal.Decimal `json:"max_total_loss_pct"`
	MinTradingDays  int             `json:"min_trading_days"`
	DrawdownType    string          `json:"drawdown_type"`
	MaxLeverage     int             `json:"max_leverage"`
	ProfitSplitPct  decimal.Decimal `json:"profit_split_pct"`
	IsOnePhase      bool            `json:"is_one_phase"`
	IsInstant       bool            `json:"is_instant"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
}

type Challenge struct {
	ID                int64           `json:"id"`
	UserID            string          `json:"user_id"`
	TypeID            int64           `json:"type_id"`
	Status            string          `json:"status"`
	AccountMode       string          `json:"account_mode"`
	InitialBalance    decimal.Decimal `json:"initial_balance"`
	CurrentBalance    decimal.Decimal `json:"current_balance"`
	PeakEquity        decimal.Decimal `json:"peak_equity"`
	DailyAnchorEquity decimal.Decimal `json:"daily_anchor_equity"`
	DailyAnchorDate   *time.Time      `json:"daily_anchor_date,omitempty"`
	DailyPnlRealized  decimal.Decimal `json:"daily_pnl_realized"`
	TotalPnlRealized  decimal.Decimal `json:"total_pnl_realized"`
	TradingDaysCount  int             `json:"trading_days_count"`
	TotalTrades       int             `json:"total_trades"`
	WinningTrades     int             `json:"winning_trades"`
	ScalingStep       int             `json:"scaling_step"`
	AttemptNumber     int             `json:"attempt_number"`
	FailedReason      *string         `json:"failed_reason,omitempty"`
	Version           int64           `json:"-"`
	StartedAt         time.Time       `json:"started_at"`
	TransitionedAt    *time.Time      `json:"transitioned_at,omitempty"`
	FailedAt          *time.Time      `json:"failed_at,omitempty"`
	UpdatedAt         time.Time       `json:"-"`
}

// IsActive reports whether the challenge is in a tradable phase.
func (c *Challenge) IsActive() bool {
	switch c.Status {
	case StatusPhase1, StatusPhase2, StatusFunded:
		return true
	}
	return false
}

// IsTerminal reports whether the challenge reached an immutable state.
func (c *Challenge) IsTerminal() bool {
	return c.Status == StatusFailed || c.Status == StatusCompleted
}

type Position struct {
	ID          int64               `json:"id"`
	ChallengeID int64               `json:"challenge_id"`
	Symbol      string              `json:"symbol"`
	Side        string              `json:"side"`
	Qty         decimal.Decimal     `json:"qty"`
	Leverage    int                 `json:"leverage"`
	EntryPrice  decimal.Decimal     `json:"entry_price"`
	TakeProfit  decimal.NullDecimal `json:"take_profit,omitempty"`
	StopLoss    decimal.NullDecimal `json:"stop_loss,omitempty"`
	MarginUsed  decimal.Decimal     `json:"margin_used"`
	OpenedAt    time.Time           `json:"opened_at"`
	ClosedAt    *time.Time          `json:"closed_at,omitempty"`
	ClosePrice  decimal.NullDecimal `json:"close_price,omitempty"`
	CloseReason *string             `json:"close_reason,omitempty"`
	RealizedPnl decimal.NullDecimal `json:"realized_pnl,omitempty"`
}

// IsOpen reports whether the position has not been closed.
func (p *Position) IsOpen() bool { return p.ClosedAt == nil }

// Direction returns +1 for long, -1 for short.
func (p *Position) Direction() decimal.Decimal {
	if p.Side == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

type DailyCounter struct {
	ChallengeID        int64           `json:"challenge_id"`
	Day                time.Time       `json:"day"`
	RealizedPnl        decimal.Decimal `json:"realized_pnl"`
	WorstEquityDropPct decimal.Decimal `json:"worst_equity_drop_pct"`
	TradesOpened       int             `json:"trades_opened"`
}

type DailySnapshot struct {
	ID           int64           `json:"id"`
	ChallengeID  int64           `json:"challenge_id"`
	Day          time.Time       `json:"day"`
	Equity       decimal.Decimal `json:"equity"`
	Balance      decimal.Decimal `json:"balance"`
	TradesClosed int             `json:"trades_closed"`
}

type PayoutRequest struct {
	ID            int64           `json:"id"`
	PublicID      string          `json:"public_id"`
	ChallengeID   int64           `json:"challenge_id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	WalletAddress string          `json:"wallet_address"`
	Network       string          `json:"network"`
	Status        string          `json:"status"`
	TxHash        *string         `json:"tx_hash,omitempty"`
	RequestedAt   time.Time       `json:"requested_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

type Violation struct {
	ID          int64     `json:"id"`
	ChallengeID int64     `json:"challenge_id"`
	Rule        string    `json:"rule"`
	Detail      string    `json:"detail"`
	CreatedAt   time.Time `json:"created_at"`
}
