package pricefeed

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is an OHLC bar aggregated from trade prices.
type Candle struct {
	Symbol    string          `json:"symbol"`
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Trades    int             `json:"trades"`
}

// Raw points are kept at a fixed base resolution and aggregated on demand.
const (
	baseInterval = time.Minute
	maxBars      = 1500
)

// candleStore keeps a rolling per-symbol buffer of minute bars.
type candleStore struct {
	mu   sync.RWMutex
	bars map[string][]Candle
}

func newCandleStore(symbols []string) *candleStore {
	bars := make(map[string][]Candle, len(symbols))
	for _, s := range symbols {
		bars[s] = nil
	}
	return &candleStore{bars: bars}
}

// record folds a trade price into the current minute bar for its symbol.
func (cs *candleStore) record(p PricePoint) {
	openTime := p.Timestamp.Truncate(baseInterval)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	bars := cs.bars[p.Symbol]
	if n := len(bars); n > 0 && bars[n-1].OpenTime.Equal(openTime) {
		bar := &bars[n-1]
		if p.Price.GreaterThan(bar.High) {
			bar.High = p.Price
		}
		if p.Price.LessThan(bar.Low) {
			bar.Low = p.Price
		}
		bar.Close = p.Price
		bar.Trades++
		return
	}

	bars = append(bars, Candle{
		Symbol:    p.Symbol,
		OpenTime:  openTime,
		CloseTime: openTime.Add(baseInterval),
		Open:      p.Price,
		High:      p.Price,
		Low:       p.Price,
		Close:     p.Price,
		Trades:    1,
	})
	if len(bars) > maxBars {
		bars = bars[len(bars)-maxBars:]
	}
	cs.bars[p.Symbol] = bars
}

// aggregate rolls minute bars up into the requested interval, newest last.
// Intervals below the base resolution fall back to the base resolution.
func (cs *candleStore) aggregate(symbol string, interval time.Duration, limit int) []Candle {
	if interval < baseInterval {
		interval = baseInterval
	}
	if limit <= 0 || limit > maxBars {
		limit = maxBars
	}

	// record mutates the newest bar in place, so the whole walk stays under
	// the read lock.
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	source := cs.bars[symbol]
	if len(source) == 0 {
		return nil
	}

	var out []Candle
	for _, bar := range source {
		openTime := bar.OpenTime.Truncate(interval)
		if n := len(out); n > 0 && out[n-1].OpenTime.Equal(openTime) {
			agg := &out[n-1]
			if bar.High.GreaterThan(agg.High) {
				agg.High = bar.High
			}
			if bar.Low.LessThan(agg.Low) {
				agg.Low = bar.Low
			}
			agg.Close = bar.Close
			agg.Trades += bar.Trades
			continue
		}
		out = append(out, Candle{
			Symbol:    symbol,
			OpenTime:  openTime,
			CloseTime: openTime.Add(interval),
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Trades:    bar.Trades,
		})
	}

	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
