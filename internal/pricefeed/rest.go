package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

const (
	seedAttempts  = 5
	seedBaseDelay = 500 * time.Millisecond
)

// restClient fetches price snapshots from the exchange REST API. A circuit
// breaker keeps a flapping exchange from stalling startup retries.
type restClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

func newRESTClient(baseURL string, logger zerolog.Logger) *restClient {
	return &restClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "exchange-rest",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().Str("breaker", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		}),
		logger: logger,
	}
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// SeedPrices fetches the full ticker snapshot and filters it to the tracked
// symbols, retrying with jittered exponential backoff.
func (rc *restClient) SeedPrices(ctx context.Context, symbols []string) ([]PricePoint, error) {
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	var lastErr error
	for attempt := 0; attempt < seedAttempts; attempt++ {
		if attempt > 0 {
			delay := seedBaseDelay * (1 << (attempt - 1))
			delay += time.Duration(rand.Int63n(int64(delay / 2)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		points, err := rc.fetchSnapshot(ctx, wanted)
		if err != nil {
			lastErr = err
			rc.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("price snapshot fetch failed")
			continue
		}
		return points, nil
	}
	return nil, fmt.Errorf("price snapshot failed after %d attempts: %w", seedAttempts, lastErr)
}

func (rc *restClient) fetchSnapshot(ctx context.Context, wanted map[string]bool) ([]PricePoint, error) {
	result, err := rc.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rc.baseURL+"/api/v3/ticker/price", nil)
		if err != nil {
			return nil, err
		}

		resp, err := rc.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("ticker snapshot returned %d: %s", resp.StatusCode, string(body))
		}

		var tickers []tickerPrice
		if err := json.NewDecoder(resp.Body).Decode(&tickers); err != nil {
			return nil, fmt.Errorf("failed to decode ticker snapshot: %w", err)
		}
		return tickers, nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var points []PricePoint
	for _, t := range result.([]tickerPrice) {
		if !wanted[t.Symbol] {
			continue
		}
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			rc.logger.Warn().Str("symbol", t.Symbol).Str("price", t.Price).Msg("unparseable ticker price")
			continue
		}
		points = append(points, PricePoint{Symbol: t.Symbol, Price: price, Timestamp: now})
	}
	return points, nil
}
