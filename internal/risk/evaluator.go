// Package risk runs the evaluator: a fixed-cadence coordinator that marks
// every active challenge to market, enforces stop, target, and drawdown
// rules, advances phases, and persists each tick's outcome atomically.
package risk

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"prop-trading-engine/internal/database"
	"prop-trading-engine/internal/events"
	"prop-trading-engine/internal/ledger"
)

const (
	// tickRetries bounds optimistic-lock retries inside one tick.
	tickRetries = 3
	// quarantineAfter is the consecutive persist-failure count that parks a
	// challenge; quarantineRetryEvery is how often a parked challenge gets
	// another chance.
	quarantineAfter      = 10
	quarantineRetryEvery = time.Minute
)

// Store is the persistence surface the evaluator needs.
type Store interface {
	ListActiveChallenges(ctx context.Context) ([]*database.Challenge, error)
	GetChallenge(ctx context.Context, id int64) (*database.Challenge, error)
	GetChallengeType(ctx context.Context, id int64) (*database.ChallengeType, error)
	ListOpenPositions(ctx context.Context, challengeID int64) ([]*database.Position, error)
	GetDailyCounter(ctx context.Context, challengeID int64, day time.Time) (*database.DailyCounter, error)
	ApplyChallengeMutation(ctx context.Context, m *database.ChallengeMutation) error
}

// Prices is the price feed surface the evaluator needs.
type Prices interface {
	Latest(symbol string) (price decimal.Decimal, staleness time.Duration, ok bool)
	StaleAfter() time.Duration
}

type quarantineState struct {
	failures  int
	lastRetry time.Time
}

// Evaluator coordinates per-challenge evaluation tasks on a fixed cadence.
// Tasks for distinct challenges run in parallel under a bounded worker pool;
// the same per-challenge lock the trade ledger takes serializes them against
// user-initiated opens and closes.
type Evaluator struct {
	store  Store
	prices Prices
	bus    *events.EventBus
	locks  *ledger.ChallengeLocks
	logger zerolog.Logger

	tick    time.Duration
	workers int

	typeMu sync.RWMutex
	types  map[int64]*database.ChallengeType

	stateMu    sync.Mutex
	inFlight   map[int64]bool
	quarantine map[int64]*quarantineState
	warned     map[warnKey]bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

type warnKey struct {
	challengeID int64
	rule        string
	day         string
}

// NewEvaluator builds the evaluator.
func NewEvaluator(store Store, prices Prices, bus *events.EventBus, locks *ledger.ChallengeLocks,
	tick time.Duration, workers int, logger zerolog.Logger) *Evaluator {
	if workers < 1 {
		workers = 1
	}
	return &Evaluator{
		store:      store,
		prices:     prices,
		bus:        bus,
		locks:      locks,
		logger:     logger,
		tick:       tick,
		workers:    workers,
		types:      make(map[int64]*database.ChallengeType),
		inFlight:   make(map[int64]bool),
		quarantine: make(map[int64]*quarantineState),
		warned:     make(map[warnKey]bool),
		stopChan:   make(chan struct{}),
	}
}

// Start launches the coordinator loop.
func (e *Evaluator) Start() {
	e.wg.Add(1)
	go e.run()
	e.logger.Info().Dur("tick", e.tick).Int("workers", e.workers).Msg("risk evaluator started")
}

// Stop drains in-flight evaluations and returns.
func (e *Evaluator) Stop() {
	close(e.stopChan)
	e.wg.Wait()
	e.logger.Info().Msg("risk evaluator stopped")
}

func (e *Evaluator) run() {
	defer e.wg.Done()

	sem := make(chan struct{}, e.workers)
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			// Drain: wait for every worker slot.
			for i := 0; i < e.workers; i++ {
				sem <- struct{}{}
			}
			return
		case <-ticker.C:
			e.dispatch(sem)
		}
	}
}

// dispatch schedules one evaluation task per active challenge. A challenge
// whose previous task is still running is skipped this tick, so one slow
// challenge never backs up the rest.
func (e *Evaluator) dispatch(sem chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), e.tick*10)
	defer cancel()

	challenges, err := e.store.ListActiveChallenges(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list active challenges")
		return
	}

	for _, c := range challenges {
		if !e.claim(c.ID) {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-e.stopChan:
			e.release(c.ID)
			return
		}

		e.wg.Add(1)
		go func(challengeID int64) {
			defer e.wg.Done()
			defer func() { <-sem }()
			defer e.release(challengeID)

			taskCtx, taskCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer taskCancel()
			e.evaluate(taskCtx, challengeID)
		}(c.ID)
	}
}

// claim marks a challenge as having a running task, honoring quarantine.
func (e *Evaluator) claim(challengeID int64) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if e.inFlight[challengeID] {
		return false
	}
	if q := e.quarantine[challengeID]; q != nil && q.failures >= quarantineAfter {
		if time.Since(q.lastRetry) < quarantineRetryEvery {
			return false
		}
		q.lastRetry = time.Now()
	}

	e.inFlight[challengeID] = true
	return true
}

func (e *Evaluator) release(challengeID int64) {
	e.stateMu.Lock()
	delete(e.inFlight, challengeID)
	e.stateMu.Unlock()
}

func (e *Evaluator) recordPersistFailure(challengeID int64, err error) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	q := e.quarantine[challengeID]
	if q == nil {
		q = &quarantineState{}
		e.quarantine[challengeID] = q
	}
	q.failures++
	q.lastRetry = time.Now()

	if q.failures == quarantineAfter {
		e.logger.Error().Err(err).Int64("challenge_id", challengeID).
			Msg("challenge quarantined after repeated persist failures")
	}
}

func (e *Evaluator) recordPersistSuccess(challengeID int64) {
	e.stateMu.Lock()
	delete(e.quarantine, challengeID)
	e.stateMu.Unlock()
}

// challengeType returns the catalog entry, cached since the catalog is
// immutable once referenced.
func (e *Evaluator) challengeType(ctx context.Context, id int64) (*database.ChallengeType, error) {
	e.typeMu.RLock()
	t, ok := e.types[id]
	e.typeMu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := e.store.GetChallengeType(ctx, id)
	if err != nil {
		return nil, err
	}

	e.typeMu.Lock()
	e.types[id] = t
	e.typeMu.Unlock()
	return t, nil
}

// evaluate runs one tick for one challenge, retrying version conflicts.
// Events publish only after the challenge lock drops; subscribers never run
// under it.
func (e *Evaluator) evaluate(ctx context.Context, challengeID int64) {
	var pending []events.Event
	var err error

	e.locks.Lock(challengeID)
	for attempt := 0; attempt < tickRetries; attempt++ {
		pending, err = e.evaluateOnce(ctx, challengeID, time.Now().UTC())
		if !errors.Is(err, database.ErrVersionConflict) {
			break
		}
	}
	e.locks.Unlock(challengeID)

	for _, ev := range pending {
		e.bus.Publish(ev)
	}

	switch {
	case err == nil:
		e.recordPersistSuccess(challengeID)
	case errors.Is(err, database.ErrNotFound):
		// Challenge left the active set between listing and evaluation.
	default:
		e.recordPersistFailure(challengeID, err)
		e.logger.Error().Err(err).Int64("challenge_id", challengeID).Msg("tick evaluation failed")
	}
}
