package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"prop-trading-engine/internal/apperr"
	"prop-trading-engine/internal/database"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func TestFailStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"not found sentinel", database.ErrNotFound, http.StatusNotFound},
		{"wrapped not found", apperr.Internal("lookup", database.ErrNotFound), http.StatusNotFound},
		{"invalid input", apperr.InvalidInput("bad", "bad input"), http.StatusBadRequest},
		{"unauthenticated", apperr.Unauthenticated("token", "bad token"), http.StatusUnauthorized},
		{"forbidden", apperr.Forbidden("owner", "not yours"), http.StatusForbidden},
		{"conflict", apperr.Conflict("dupe", "already exists"), http.StatusConflict},
		{"precondition", apperr.ErrInsufficientMargin, http.StatusUnprocessableEntity},
		{"unavailable", apperr.ErrPriceUnavailable, http.StatusServiceUnavailable},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			fail(c, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body envelope
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal body: %v", err)
			}
			if body.Success {
				t.Error("success = true on an error response")
			}
			if body.Message == "" {
				t.Error("error response has no message")
			}
		})
	}
}

func TestRespondEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	respond(c, gin.H{"value": 42})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body envelope
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if !body.Success {
		t.Error("success = false on a success response")
	}
	if len(body.Data) == 0 {
		t.Error("data missing from success envelope")
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"1m", time.Minute, false},
		{"5m", 5 * time.Minute, false},
		{"15m", 15 * time.Minute, false},
		{"1h", time.Hour, false},
		{"4h", 4 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"30s", 0, true},
		{"90s", 0, true},
		{"0m", 0, true},
		{"xd", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseInterval(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseInterval(%q) accepted, want error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseInterval(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("parseInterval(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestProgressPct(t *testing.T) {
	tests := []struct {
		name     string
		realized string
		target   string
		want     string
	}{
		{"halfway", "400", "800", "50"},
		{"past target", "1000", "800", "125"},
		{"negative clamps to zero", "-50", "800", "0"},
		{"zero target", "100", "0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := progressPct(decimal.RequireFromString(tt.realized), decimal.RequireFromString(tt.target))
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("progressPct(%s, %s) = %s, want %s", tt.realized, tt.target, got, tt.want)
			}
		})
	}
}

func TestPageParams(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"limit=20&offset=40", 20, 40},
		{"", 50, 0},
		{"limit=0", 50, 0},
		{"limit=500", 50, 0},
		{"offset=-3", 50, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)

			limit, offset := pageParams(c)
			if limit != tt.wantLimit || offset != tt.wantOffset {
				t.Errorf("pageParams(%q) = (%d, %d), want (%d, %d)",
					tt.query, limit, offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}
