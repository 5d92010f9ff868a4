package challenge

import (
	"github.com/shopspring/decimal"

	"prop-trading-engine/internal/database"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// DefaultCatalog is the plan catalog seeded into an empty database. Two-phase
// plans target 8% then 5%; the one-phase plan trades a single 10% target for
// a tighter trailing drawdown; the instant plan starts funded-eligible with
// no minimum days.
func DefaultCatalog() []*database.ChallengeType {
	twoPhase := func(name string, size, price float64) *database.ChallengeType {
		return &database.ChallengeType{
			Name:            name,
			AccountSize:     d(size),
			Price:           d(price),
			ProfitTargetP1:  d(8),
			ProfitTargetP2:  d(5),
			MaxDailyLossPct: d(5),
			MaxTotalLossPct: d(10),
			MinTradingDays:  5,
			DrawdownType:    database.DrawdownStatic,
			MaxLeverage:     20,
			ProfitSplitPct:  d(80),
			Active:          true,
		}
	}

	return []*database.ChallengeType{
		twoPhase("Starter 5K", 5_000, 49),
		twoPhase("Standard 10K", 10_000, 89),
		twoPhase("Advanced 25K", 25_000, 189),
		twoPhase("Pro 50K", 50_000, 329),
		twoPhase("Elite 100K", 100_000, 549),
		{
			Name:            "Rapid 10K",
			AccountSize:     d(10_000),
			Price:           d(119),
			ProfitTargetP1:  d(10),
			ProfitTargetP2:  d(0),
			MaxDailyLossPct: d(4),
			MaxTotalLossPct: d(8),
			MinTradingDays:  5,
			DrawdownType:    database.DrawdownTrailing,
			MaxLeverage:     20,
			ProfitSplitPct:  d(80),
			IsOnePhase:      true,
			Active:          true,
		},
		{
			Name:            "Instant 10K",
			AccountSize:     d(10_000),
			Price:           d(249),
			ProfitTargetP1:  d(10),
			ProfitTargetP2:  d(0),
			MaxDailyLossPct: d(4),
			MaxTotalLossPct: d(8),
			MinTradingDays:  0,
			DrawdownType:    database.DrawdownTrailing,
			MaxLeverage:     10,
			ProfitSplitPct:  d(70),
			IsOnePhase:      true,
			IsInstant:       true,
			Active:          true,
		},
	}
}
