// Package pricefeed maintains the last-known mark price for every tracked
// symbol. Two paths write the table: a REST snapshot seeder and a streaming
// subscription. Everyone else reads through Latest or Subscribe.
package pricefeed

import (
	"context"
	"sync"
	"time"

	"prop-trading-engine/config"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PricePoint is the last observed price for a symbol.
type PricePoint struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

const subscriberBuffer = 256

// Feed owns the in-memory price table. A single writer goroutine applies
// updates; Latest reads are lock-protected and non-blocking.
type Feed struct {
	cfg    config.ExchangeConfig
	logger zerolog.Logger

	staleAfter time.Duration
	symbols    []string
	symbolSet  map[string]bool

	mu     sync.RWMutex
	table  map[string]PricePoint
	seeded bool

	subMu sync.Mutex
	subs  []chan PricePoint

	candles *candleStore

	stream *streamClient
	rest   *restClient

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New builds a Feed for the configured symbols.
func New(cfg config.ExchangeConfig, engine config.EngineConfig, logger zerolog.Logger) *Feed {
	symbolSet := make(map[string]bool, len(engine.TrackedSymbols))
	for _, s := range engine.TrackedSymbols {
		symbolSet[s] = true
	}

	f := &Feed{
		cfg:        cfg,
		logger:     logger,
		staleAfter: engine.PriceStaleAfter,
		symbols:    engine.TrackedSymbols,
		symbolSet:  symbolSet,
		table:      make(map[string]PricePoint),
		candles:    newCandleStore(engine.TrackedSymbols),
		stopChan:   make(chan struct{}),
	}
	f.rest = newRESTClient(cfg.RESTURL, logger)
	f.stream = newStreamClient(cfg.StreamURL, engine.TrackedSymbols, f.apply, logger)
	return f
}

// Start seeds the table from REST and launches the stream consumer. Seed
// failure after retries is fatal only for never-seeded symbols: the engine
// refuses to open positions in them until a price arrives.
func (f *Feed) Start(ctx context.Context) error {
	points, err := f.rest.SeedPrices(ctx, f.symbols)
	if err != nil {
		f.logger.Error().Err(err).Msg("price seed failed, relying on stream")
	} else {
		for _, p := range points {
			f.apply(p)
		}
		f.mu.Lock()
		f.seeded = true
		f.mu.Unlock()
		f.logger.Info().Int("symbols", len(points)).Msg("price table seeded")
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.stream.Run(f.stopChan)
	}()

	return nil
}

// Stop shuts down the stream consumer and closes subscriber channels.
func (f *Feed) Stop() {
	close(f.stopChan)
	f.wg.Wait()

	f.subMu.Lock()
	for _, ch := range f.subs {
		close(ch)
	}
	f.subs = nil
	f.subMu.Unlock()
}

// TrackedSymbols returns the configured symbol set.
func (f *Feed) TrackedSymbols() []string {
	out := make([]string, len(f.symbols))
	copy(out, f.symbols)
	return out
}

// Tracks reports whether the feed follows a symbol.
func (f *Feed) Tracks(symbol string) bool {
	return f.symbolSet[symbol]
}

// Latest returns the last price with its staleness. ok is false when no
// price was ever received for the symbol.
func (f *Feed) Latest(symbol string) (price decimal.Decimal, staleness time.Duration, ok bool) {
	f.mu.RLock()
	point, exists := f.table[symbol]
	f.mu.RUnlock()

	if !exists {
		return decimal.Decimal{}, 0, false
	}
	return point.Price, time.Since(point.Timestamp), true
}

// Fresh returns the last price only when it is within the staleness
// threshold.
func (f *Feed) Fresh(symbol string) (decimal.Decimal, bool) {
	price, staleness, ok := f.Latest(symbol)
	if !ok || staleness > f.staleAfter {
		return decimal.Decimal{}, false
	}
	return price, true
}

// StaleAfter returns the configured staleness threshold.
func (f *Feed) StaleAfter() time.Duration { return f.staleAfter }

// Subscribe returns a channel of price updates. Slow subscribers are
// conflated: the oldest buffered update is dropped, so each subscriber
// still observes monotonically newer prices per symbol.
func (f *Feed) Subscribe() <-chan PricePoint {
	ch := make(chan PricePoint, subscriberBuffer)
	f.subMu.Lock()
	f.subs = append(f.subs, ch)
	f.subMu.Unlock()
	return ch
}

// Klines returns aggregated candles for a symbol.
func (f *Feed) Klines(symbol string, interval time.Duration, limit int) []Candle {
	return f.candles.aggregate(symbol, interval, limit)
}

// apply inserts a price point if it is not older than the stored one.
func (f *Feed) apply(p PricePoint) {
	if !f.symbolSet[p.Symbol] {
		return
	}

	f.mu.Lock()
	current, exists := f.table[p.Symbol]
	if exists && p.Timestamp.Before(current.Timestamp) {
		f.mu.Unlock()
		return
	}
	f.table[p.Symbol] = p
	f.mu.Unlock()

	f.candles.record(p)

	f.subMu.Lock()
	for _, ch := range f.subs {
		select {
		case ch <- p:
		default:
			// Conflate: drop the oldest update, keep the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- p:
			default:
			}
		}
	}
	f.subMu.Unlock()
}
