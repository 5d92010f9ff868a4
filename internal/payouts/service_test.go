package payouts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"prop-trading-engine/internal/apperr"
	"prop-trading-engine/internal/database"
	"prop-trading-engine/internal/events"
)

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type fakeStore struct {
	challenge *database.Challenge
	ctype     *database.ChallengeType
	payouts   map[int64]*database.PayoutRequest
	nextID    int64
}

func (f *fakeStore) GetChallenge(_ context.Context, id int64) (*database.Challenge, error) {
	if f.challenge == nil || f.challenge.ID != id {
		return nil, database.ErrNotFound
	}
	return f.challenge, nil
}

func (f *fakeStore) GetChallengeType(_ context.Context, id int64) (*database.ChallengeType, error) {
	if f.ctype == nil || f.ctype.ID != id {
		return nil, database.ErrNotFound
	}
	return f.ctype, nil
}

func (f *fakeStore) CreatePayoutRequest(_ context.Context, p *database.PayoutRequest) error {
	f.nextID++
	p.ID = f.nextID
	p.RequestedAt = time.Now().UTC()
	cp := *p
	f.payouts[p.ID] = &cp
	return nil
}

func (f *fakeStore) GetPayoutRequest(_ context.Context, id int64) (*database.PayoutRequest, error) {
	p, ok := f.payouts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) ListPayoutsByChallenge(_ context.Context, challengeID int64) ([]*database.PayoutRequest, error) {
	var out []*database.PayoutRequest
	for _, p := range f.payouts {
		if p.ChallengeID == challengeID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) ListPayoutsByUser(_ context.Context, userID string) ([]*database.PayoutRequest, error) {
	var out []*database.PayoutRequest
	for _, p := range f.payouts {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) ListPayoutsByStatus(_ context.Context, status string, _, _ int) ([]*database.PayoutRequest, error) {
	var out []*database.PayoutRequest
	for _, p := range f.payouts {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) TransitionPayout(_ context.Context, id int64, from, to string, txHash *string) (*database.PayoutRequest, error) {
	p, ok := f.payouts[id]
	if !ok || p.Status != from {
		return nil, database.ErrNotFound
	}
	p.Status = to
	if txHash != nil {
		p.TxHash = txHash
	}
	now := time.Now().UTC()
	p.ProcessedAt = &now
	cp := *p
	return &cp, nil
}

func (f *fakeStore) SumPayoutsCommitted(_ context.Context, challengeID int64) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, p := range f.payouts {
		if p.ChallengeID != challengeID {
			continue
		}
		switch p.Status {
		case database.PayoutPending, database.PayoutApproved, database.PayoutSent:
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

func (f *fakeStore) HasPendingPayout(_ context.Context, challengeID int64) (bool, error) {
	for _, p := range f.payouts {
		if p.ChallengeID == challengeID && p.Status == database.PayoutPending {
			return true, nil
		}
	}
	return false, nil
}

const wallet = "TXYZabcdef1234567890"

func newTestService() (*Service, *fakeStore, *[]events.Event) {
	store := &fakeStore{
		challenge: &database.Challenge{
			ID:               1,
			UserID:           "user-1",
			TypeID:           1,
			Status:           database.StatusFunded,
			AccountMode:      database.ModeFunded,
			InitialBalance:   dec("10000"),
			CurrentBalance:   dec("12000"),
			TotalPnlRealized: dec("2000"),
		},
		ctype:   &database.ChallengeType{ID: 1, ProfitSplitPct: dec("80")},
		payouts: make(map[int64]*database.PayoutRequest),
	}
	bus := events.NewEventBus()
	var seen []events.Event
	bus.SubscribeAll(func(e events.Event) { seen = append(seen, e) })

	return NewService(store, bus, 100, zerolog.Nop()), store, &seen
}

func TestAvailable(t *testing.T) {
	svc, store, _ := newTestService()

	// 80% of 2000 realized profit.
	got, err := svc.Available(context.Background(), 1)
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if !got.Equal(dec("1600")) {
		t.Errorf("available = %s, want 1600", got)
	}

	// Committed requests reduce it.
	store.payouts[1] = &database.PayoutRequest{
		ID: 1, ChallengeID: 1, Amount: dec("600"), Status: database.PayoutSent,
	}
	got, _ = svc.Available(context.Background(), 1)
	if !got.Equal(dec("1000")) {
		t.Errorf("available after sent payout = %s, want 1000", got)
	}

	// Never negative.
	store.challenge.TotalPnlRealized = dec("-500")
	got, _ = svc.Available(context.Background(), 1)
	if !got.IsZero() {
		t.Errorf("available = %s, want 0 on negative profit", got)
	}
}

func TestRequest(t *testing.T) {
	svc, _, seen := newTestService()

	p, err := svc.Request(context.Background(), "user-1", 1, dec("500"), wallet, "TRC20")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if p.Status != database.PayoutPending {
		t.Errorf("status = %s, want pending", p.Status)
	}
	if p.PublicID == "" {
		t.Error("public id must be assigned")
	}
	if len(*seen) != 1 || (*seen)[0].Type != events.EventPayoutStatus {
		t.Error("request must publish payout_status")
	}
}

func TestRequestRejections(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		amount  string
		wallet  string
		network string
		mutate  func(store *fakeStore)
		wantErr error
	}{
		{
			"bad network", "user-1", "500", wallet, "SOL", nil,
			apperr.InvalidInput("invalid_network", ""),
		},
		{
			"short wallet", "user-1", "500", "abc", "TRC20", nil,
			apperr.InvalidInput("invalid_wallet", ""),
		},
		{
			"below minimum", "user-1", "99.99", wallet, "TRC20", nil,
			apperr.PreconditionFailed("below_minimum", ""),
		},
		{
			"wrong owner", "user-2", "500", wallet, "TRC20", nil,
			apperr.Forbidden("not_owner", ""),
		},
		{
			"not funded", "user-1", "500", wallet, "TRC20",
			func(s *fakeStore) { s.challenge.Status = database.StatusPhase2 },
			apperr.PreconditionFailed("not_funded", ""),
		},
		{
			"exceeds available", "user-1", "1600.01", wallet, "TRC20", nil,
			apperr.PreconditionFailed("exceeds_available", ""),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := newTestService()
			if tt.mutate != nil {
				tt.mutate(store)
			}
			_, err := svc.Request(context.Background(), tt.userID, 1, dec(tt.amount), tt.wallet, tt.network)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestSecondPendingRejected(t *testing.T) {
	svc, _, _ := newTestService()

	if _, err := svc.Request(context.Background(), "user-1", 1, dec("500"), wallet, "TRC20"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := svc.Request(context.Background(), "user-1", 1, dec("200"), wallet, "TRC20")
	if !errors.Is(err, apperr.Conflict("pending_payout_exists", "")) {
		t.Errorf("err = %v, want pending_payout_exists", err)
	}
}

func TestApprovalFlow(t *testing.T) {
	svc, _, seen := newTestService()

	p, err := svc.Request(context.Background(), "user-1", 1, dec("500"), wallet, "TRC20")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	approved, err := svc.Approve(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != database.PayoutApproved || approved.ProcessedAt == nil {
		t.Error("approved payout must carry status and processed_at")
	}

	sent, err := svc.MarkSent(context.Background(), p.ID, "0xabc123")
	if err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if sent.Status != database.PayoutSent || sent.TxHash == nil || *sent.TxHash != "0xabc123" {
		t.Error("sent payout must record the tx hash")
	}

	statuses := 0
	for _, e := range *seen {
		if e.Type == events.EventPayoutStatus {
			statuses++
		}
	}
	if statuses != 3 {
		t.Errorf("payout_status events = %d, want 3 (request, approve, send)", statuses)
	}
}

func TestRejectReleasesAvailable(t *testing.T) {
	svc, _, _ := newTestService()

	p, err := svc.Request(context.Background(), "user-1", 1, dec("1600"), wallet, "TRC20")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if available, _ := svc.Available(context.Background(), 1); !available.IsZero() {
		t.Errorf("available = %s, want 0 while pending", available)
	}

	if _, err := svc.Reject(context.Background(), p.ID); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if available, _ := svc.Available(context.Background(), 1); !available.Equal(dec("1600")) {
		t.Errorf("available = %s, want 1600 after rejection", available)
	}
}

func TestInvalidTransitions(t *testing.T) {
	svc, _, _ := newTestService()

	p, err := svc.Request(context.Background(), "user-1", 1, dec("500"), wallet, "TRC20")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	// Sending before approval skips a state.
	if _, err := svc.MarkSent(context.Background(), p.ID, "0xabc"); !errors.Is(err, apperr.Conflict("invalid_transition", "")) {
		t.Errorf("err = %v, want invalid_transition", err)
	}

	// Double approval.
	if _, err := svc.Approve(context.Background(), p.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := svc.Approve(context.Background(), p.ID); !errors.Is(err, apperr.Conflict("invalid_transition", "")) {
		t.Errorf("err = %v, want invalid_transition on double approve", err)
	}

	// Unknown payout.
	if _, err := svc.Approve(context.Background(), 999); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}

	// Missing tx hash.
	if _, err := svc.MarkSent(context.Background(), p.ID, ""); !errors.Is(err, apperr.InvalidInput("tx_hash_required", "")) {
		t.Errorf("err = %v, want tx_hash_required", err)
	}
}
