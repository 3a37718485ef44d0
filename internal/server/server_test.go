package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/observability"
	"PerpVault/internal/query"
	"PerpVault/internal/server"
	"PerpVault/internal/state"
	"PerpVault/internal/testutil"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
)

var genesis = time.Unix(1_700_000_000, 0)

// --- Test helpers ---

type testServer struct {
	core    *core.DeterministicCore
	feed    *testutil.PriceFeed
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	feed := testutil.NewPriceFeed("USDC", "WETH", 10_000)
	c, err := core.NewDeterministicCore(core.Config{
		Genesis:             genesis,
		RiskParams:          state.DefaultRiskParams,
		CollateralAsset:     "USDC",
		IdempotencyCapacity: 1024,
	}, feed.Pair, 0, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	deps := &server.Deps{
		Core:    c,
		Query:   query.NewQueryService(nil, c),
		Admin:   ingestion.NewAdminInjector(c, feed.Cache),
		Health:  observability.NewHealthChecker(),
		Metrics: observability.NewMetricsWith(prometheus.NewRegistry()),
		Now:     func() time.Time { return genesis },
	}
	return &testServer{core: c, feed: feed, handler: server.NewHTTPHandler(deps)}
}

func (s *testServer) fund(t *testing.T, owner uuid.UUID, units uint64) {
	t.Helper()
	_, err := s.core.ProcessEvent(context.Background(), &event.WalletDeposit{
		DepositID: uuid.New(),
		OwnerID:   owner,
		Asset:     "USDC",
		Amount:    testutil.Units(units),
		Timestamp: genesis,
	})
	if err != nil {
		t.Fatalf("fund %s: %v", owner, err)
	}
}

func (s *testServer) do(t *testing.T, method, path string, caller uuid.UUID, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != uuid.Nil {
		req.Header.Set(server.TraderHeader, caller.String())
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

func units(n uint64) string { return testutil.Units(n).Dec() }

// ============================================================================
// Test: error mapping
// ============================================================================

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code codes.Code
	}{
		{"nil", nil, http.StatusOK, codes.OK},
		{"invalid", fmt.Errorf("%w: side", core.ErrInvalidCommand), http.StatusBadRequest, codes.InvalidArgument},
		{"zero", state.ErrZeroAmount, http.StatusBadRequest, codes.InvalidArgument},
		{"ownership", state.ErrNotCallerOwned, http.StatusForbidden, codes.PermissionDenied},
		{"risk", fmt.Errorf("open: %w", state.ErrLeverageExceeded), http.StatusUnprocessableEntity, codes.FailedPrecondition},
		{"insufficient", state.ErrNotEnoughCollateral, http.StatusUnprocessableEntity, codes.FailedPrecondition},
		{"store", core.ErrStoreUnavailable, http.StatusServiceUnavailable, codes.Unavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := server.HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus: got %d, want %d", got, tt.want)
			}
			if got := server.Code(tt.err); got != tt.code {
				t.Errorf("Code: got %s, want %s", got, tt.code)
			}
		})
	}
}

// ============================================================================
// Test: commands
// ============================================================================

func TestHTTP_CommandFlow(t *testing.T) {
	s := newTestServer(t)
	lp, trader := uuid.New(), uuid.New()
	s.fund(t, lp, 20)
	s.fund(t, trader, 1)

	code, body := s.do(t, "POST", "/v1/liquidity:deposit", lp, map[string]string{"amount": units(20)})
	if code != http.StatusOK {
		t.Fatalf("deposit liquidity: got %d %v", code, body)
	}
	code, body = s.do(t, "POST", "/v1/collateral:add", trader, map[string]string{"amount": units(1)})
	if code != http.StatusOK {
		t.Fatalf("add collateral: got %d %v", code, body)
	}
	code, body = s.do(t, "POST", "/v1/positions:open", trader, map[string]string{
		"notional": units(5),
		"side":     "long",
	})
	if code != http.StatusOK {
		t.Fatalf("open: got %d %v", code, body)
	}
	if body["state_hash"] == "" || body["sequence"] == nil {
		t.Errorf("open response missing sequence or hash: %v", body)
	}
	if body["price_ratio"] != units(10_000) {
		t.Errorf("price_ratio: got %v, want %s", body["price_ratio"], units(10_000))
	}

	code, body = s.do(t, "GET", "/v1/traders/"+trader.String(), uuid.Nil, nil)
	if code != http.StatusOK {
		t.Fatalf("get trader: got %d %v", code, body)
	}
	if body["collateral"] != units(1) {
		t.Errorf("collateral: got %v, want %s", body["collateral"], units(1))
	}
	long := body["long"].(map[string]interface{})
	if long["open_interest"] != units(5) {
		t.Errorf("long open interest: got %v, want %s", long["open_interest"], units(5))
	}

	code, body = s.do(t, "GET", "/v1/pool", uuid.Nil, nil)
	if code != http.StatusOK {
		t.Fatalf("get pool: got %d %v", code, body)
	}
	if body["deposited_liquidity"] != units(20) {
		t.Errorf("deposited_liquidity: got %v, want %s", body["deposited_liquidity"], units(20))
	}
}

func TestHTTP_DuplicateRequest(t *testing.T) {
	s := newTestServer(t)
	trader := uuid.New()
	s.fund(t, trader, 2)

	reqID := uuid.New().String()
	payload := map[string]string{"request_id": reqID, "amount": units(1)}
	code, first := s.do(t, "POST", "/v1/collateral:add", trader, payload)
	if code != http.StatusOK {
		t.Fatalf("first: got %d %v", code, first)
	}
	if first["request_id"] != reqID {
		t.Errorf("request_id: got %v, want %s", first["request_id"], reqID)
	}

	code, second := s.do(t, "POST", "/v1/collateral:add", trader, payload)
	if code != http.StatusOK {
		t.Fatalf("retry: got %d %v", code, second)
	}
	if second["duplicate"] != true {
		t.Errorf("retry should report duplicate, got %v", second)
	}

	_, body := s.do(t, "GET", "/v1/traders/"+trader.String(), uuid.Nil, nil)
	if body["collateral"] != units(1) {
		t.Errorf("collateral after retry: got %v, want %s", body["collateral"], units(1))
	}
}

func TestHTTP_Rejections(t *testing.T) {
	s := newTestServer(t)
	lp, trader, other := uuid.New(), uuid.New(), uuid.New()
	s.fund(t, lp, 20)
	s.fund(t, trader, 1)
	s.do(t, "POST", "/v1/liquidity:deposit", lp, map[string]string{"amount": units(20)})
	s.do(t, "POST", "/v1/collateral:add", trader, map[string]string{"amount": units(1)})
	s.do(t, "POST", "/v1/positions:open", trader, map[string]string{"notional": units(5), "side": "long"})

	tests := []struct {
		name       string
		path       string
		caller     uuid.UUID
		body       interface{}
		wantStatus int
		wantReason string
	}{
		{
			name:       "missing caller",
			path:       "/v1/collateral:add",
			body:       map[string]string{"amount": units(1)},
			wantStatus: http.StatusBadRequest,
			wantReason: "invalid_command",
		},
		{
			name:       "fractional amount",
			path:       "/v1/collateral:add",
			caller:     trader,
			body:       map[string]string{"amount": "1.5"},
			wantStatus: http.StatusBadRequest,
			wantReason: "invalid_command",
		},
		{
			name:       "unknown field",
			path:       "/v1/collateral:add",
			caller:     trader,
			body:       map[string]string{"amount": units(1), "asset": "USDC"},
			wantStatus: http.StatusBadRequest,
			wantReason: "invalid_command",
		},
		{
			name:       "bad side",
			path:       "/v1/positions:open",
			caller:     trader,
			body:       map[string]string{"notional": units(1), "side": "up"},
			wantStatus: http.StatusBadRequest,
			wantReason: "invalid_command",
		},
		{
			name:       "zero amount",
			path:       "/v1/collateral:add",
			caller:     trader,
			body:       map[string]string{"amount": "0"},
			wantStatus: http.StatusBadRequest,
			wantReason: "zero_amount",
		},
		{
			name:   "decrease someone else's position",
			path:   "/v1/positions:decrease",
			caller: other,
			body: map[string]string{
				"trader_id":    trader.String(),
				"token_amount": testutil.Milli(1).Dec(),
				"side":         "long",
			},
			wantStatus: http.StatusForbidden,
			wantReason: "not_caller_owned",
		},
		{
			name:       "self liquidation",
			path:       "/v1/liquidations",
			caller:     trader,
			body:       map[string]string{"target_id": trader.String()},
			wantStatus: http.StatusForbidden,
			wantReason: "self_liquidation",
		},
		{
			name:       "healthy target",
			path:       "/v1/liquidations",
			caller:     other,
			body:       map[string]string{"target_id": trader.String()},
			wantStatus: http.StatusUnprocessableEntity,
			wantReason: "not_liquidatable",
		},
		{
			name:       "over leverage",
			path:       "/v1/positions:open",
			caller:     trader,
			body:       map[string]string{"notional": units(15), "side": "short"},
			wantStatus: http.StatusUnprocessableEntity,
			wantReason: "leverage_exceeded",
		},
		{
			name:       "empty wallet",
			path:       "/v1/collateral:add",
			caller:     other,
			body:       map[string]string{"amount": units(1)},
			wantStatus: http.StatusUnprocessableEntity,
			wantReason: "insufficient_transfer",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := s.do(t, "POST", tt.path, tt.caller, tt.body)
			if code != tt.wantStatus {
				t.Fatalf("status: got %d, want %d (%v)", code, tt.wantStatus, body)
			}
			if body["reason"] != tt.wantReason {
				t.Errorf("reason: got %v, want %s", body["reason"], tt.wantReason)
			}
		})
	}
}

// ============================================================================
// Test: reads and admin
// ============================================================================

func TestHTTP_HistoryWithoutDatabase(t *testing.T) {
	s := newTestServer(t)
	trader := uuid.New()

	for _, path := range []string{
		"/v1/traders/" + trader.String() + "/liquidations",
		"/v1/traders/" + trader.String() + "/journal",
		"/v1/admin/integrity",
	} {
		code, body := s.do(t, "GET", path, uuid.Nil, nil)
		if code != http.StatusServiceUnavailable {
			t.Errorf("%s: got %d, want 503 (%v)", path, code, body)
		}
	}

	code, _ := s.do(t, "GET", "/v1/traders/not-a-uuid", uuid.Nil, nil)
	if code != http.StatusBadRequest {
		t.Errorf("bad trader id: got %d, want 400", code)
	}
}

func TestHTTP_AdminRoutes(t *testing.T) {
	s := newTestServer(t)
	owner := uuid.New()
	id := uuid.New()

	code, body := s.do(t, "POST", "/v1/admin/deposits", uuid.Nil, map[string]string{
		"id":       id.String(),
		"owner_id": owner.String(),
		"asset":    "USDC",
		"amount":   units(3),
	})
	if code != http.StatusOK {
		t.Fatalf("admin deposit: got %d %v", code, body)
	}
	if body["request_id"] != id.String() {
		t.Errorf("request_id: got %v, want %s", body["request_id"], id)
	}
	_, body = s.do(t, "GET", "/v1/traders/"+owner.String(), uuid.Nil, nil)
	if body["wallet"] != units(3) {
		t.Errorf("wallet: got %v, want %s", body["wallet"], units(3))
	}

	code, body = s.do(t, "POST", "/v1/admin/withdrawals", uuid.Nil, map[string]string{
		"owner_id": owner.String(),
		"asset":    "USDC",
		"amount":   units(4),
	})
	if code != http.StatusUnprocessableEntity {
		t.Errorf("overdrawn withdrawal: got %d, want 422 (%v)", code, body)
	}

	code, body = s.do(t, "POST", "/v1/admin/prices", uuid.Nil, map[string]interface{}{
		"asset":    "WETH",
		"price":    "0",
		"decimals": 8,
	})
	if code != http.StatusBadRequest {
		t.Errorf("zero price: got %d, want 400 (%v)", code, body)
	}
}

func TestHTTP_Health(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz: got %d, want 200", rec.Code)
	}
}
