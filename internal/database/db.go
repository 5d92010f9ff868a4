package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection from a connection URL
func NewDB(url string, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info().Msg("connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			external_id BIGINT NOT NULL UNIQUE,
			username VARCHAR(64),
			first_name VARCHAR(64) NOT NULL DEFAULT '',
			last_name VARCHAR(64),
			role VARCHAR(20) NOT NULL DEFAULT 'trader',
			blocked BOOLEAN NOT NULL DEFAULT FALSE,
			referral_code VARCHAR(16) NOT NULL UNIQUE,
			referred_by UUID REFERENCES users(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_external_id ON users(external_id)`,

		`CREATE TABLE IF NOT EXISTS challenge_types (
			id SERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			account_size DECIMAL(18, 2) NOT NULL,
			price DECIMAL(18, 2) NOT NULL,
			profit_target_p1 DECIMAL(5, 2) NOT NULL,
			profit_target_p2 DECIMAL(5, 2) NOT NULL,
			max_daily_loss_pct DECIMAL(5, 2) NOT NULL,
			max_total_loss_pct DECIMAL(5, 2) NOT NULL,
			min_trading_days INTEGER NOT NULL DEFAULT 5,
			drawdown_type VARCHAR(10) NOT NULL DEFAULT 'trailing',
			max_leverage INTEGER NOT NULL DEFAULT 10,
			profit_split_pct DECIMAL(5, 2) NOT NULL DEFAULT 80.00,
			is_one_phase BOOLEAN NOT NULL DEFAULT FALSE,
			is_instant BOOLEAN NOT NULL DEFAULT FALSE,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS challenges (
			id BIGSERIAL PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			type_id INTEGER NOT NULL REFERENCES challenge_types(id),
			status VARCHAR(12) NOT NULL DEFAULT 'phase1',
			account_mode VARCHAR(8) NOT NULL DEFAULT 'demo',
			initial_balance DECIMAL(18, 2) NOT NULL,
			current_balance DECIMAL(18, 2) NOT NULL,
			peak_equity DECIMAL(18, 2) NOT NULL,
			daily_anchor_equity DECIMAL(18, 2) NOT NULL,
			daily_anchor_date DATE,
			daily_pnl_realized DECIMAL(18, 2) NOT NULL DEFAULT 0,
			total_pnl_realized DECIMAL(18, 2) NOT NULL DEFAULT 0,
			trading_days_count INTEGER NOT NULL DEFAULT 0,
			total_trades INTEGER NOT NULL DEFAULT 0,
			winning_trades INTEGER NOT NULL DEFAULT 0,
			scaling_step INTEGER NOT NULL DEFAULT 0,
			attempt_number INTEGER NOT NULL DEFAULT 1,
			failed_reason VARCHAR(32),
			version BIGINT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			transitioned_at TIMESTAMPTZ,
			failed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_challenges_user_id ON challenges(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_challenges_status ON challenges(status)`,
		// One active challenge per user.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_challenges_one_active
			ON challenges(user_id) WHERE status IN ('phase1', 'phase2', 'funded')`,

		`CREATE TABLE IF NOT EXISTS positions (
			id BIGSERIAL PRIMARY KEY,
			challenge_id BIGINT NOT NULL REFERENCES challenges(id),
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			qty DECIMAL(24, 8) NOT NULL,
			leverage INTEGER NOT NULL DEFAULT 1,
			entry_price DECIMAL(24, 8) NOT NULL,
			take_profit DECIMAL(24, 8),
			stop_loss DECIMAL(24, 8),
			margin_used DECIMAL(18, 2) NOT NULL,
			opened_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMPTZ,
			close_price DECIMAL(24, 8),
			close_reason VARCHAR(20),
			realized_pnl DECIMAL(18, 2)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_challenge_opened
			ON positions(challenge_id, opened_at)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_open
			ON positions(challenge_id) WHERE closed_at IS NULL`,

		`CREATE TABLE IF NOT EXISTS daily_counters (
			challenge_id BIGINT NOT NULL REFERENCES challenges(id),
			day DATE NOT NULL,
			realized_pnl DECIMAL(18, 2) NOT NULL DEFAULT 0,
			worst_equity_drop_pct DECIMAL(8, 4) NOT NULL DEFAULT 0,
			trades_opened INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (challenge_id, day)
		)`,

		`CREATE TABLE IF NOT EXISTS daily_snapshots (
			id BIGSERIAL PRIMARY KEY,
			challenge_id BIGINT NOT NULL REFERENCES challenges(id),
			day DATE NOT NULL,
			equity DECIMAL(18, 2) NOT NULL,
			balance DECIMAL(18, 2) NOT NULL,
			trades_closed INTEGER NOT NULL DEFAULT 0,
			UNIQUE (challenge_id, day)
		)`,

		`CREATE TABLE IF NOT EXISTS payout_requests (
			id BIGSERIAL PRIMARY KEY,
			public_id UUID NOT NULL UNIQUE,
			challenge_id BIGINT NOT NULL REFERENCES challenges(id),
			user_id UUID NOT NULL REFERENCES users(id),
			amount DECIMAL(18, 2) NOT NULL,
			wallet_address VARCHAR(128) NOT NULL,
			network VARCHAR(10) NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'pending',
			tx_hash VARCHAR(128),
			requested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payouts_challenge ON payout_requests(challenge_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payouts_one_pending
			ON payout_requests(challenge_id) WHERE status = 'pending'`,

		`CREATE TABLE IF NOT EXISTS violations (
			id BIGSERIAL PRIMARY KEY,
			challenge_id BIGINT NOT NULL REFERENCES challenges(id),
			rule VARCHAR(32) NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_challenge ON violations(challenge_id)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("count", len(migrations)).Msg("migrations complete")
	return nil
}
