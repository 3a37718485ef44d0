package server

import (
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/observability"
	"PerpVault/internal/query"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// TraderHeader carries the authenticated caller's id. Authentication
// itself happens upstream of this service.
const TraderHeader = "X-Trader-Id"

const maxBodyBytes = 64 << 10

// Deps holds everything the HTTP and gRPC surfaces call into.
type Deps struct {
	Core    ingestion.Submitter
	Query   *query.QueryService
	Admin   *ingestion.AdminInjector // nil disables /v1/admin routes
	Health  *observability.HealthChecker
	Metrics *observability.Metrics
	Now     func() time.Time
}

type handler func(*http.Request, map[string]string) (interface{}, error)

type route struct {
	method, pattern, endpoint string
	h                         handler
}

type api struct {
	deps   *Deps
	logger zerolog.Logger
}

// NewHTTPHandler builds the HTTP/JSON API: a grpc-gateway runtime mux for
// the /v1 routes behind health endpoints.
func NewHTTPHandler(deps *Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	a := &api{deps: deps, logger: observability.NewLogger("http")}

	mux := runtime.NewServeMux()
	routes := []route{
		{"POST", "/v1/collateral:add", "add_collateral", a.addCollateral},
		{"POST", "/v1/collateral:decrease", "decrease_collateral", a.decreaseCollateral},
		{"POST", "/v1/positions:open", "open_position", a.openPosition},
		{"POST", "/v1/positions:decrease", "decrease_position", a.decreasePosition},
		{"POST", "/v1/liquidations", "liquidate", a.liquidate},
		{"POST", "/v1/liquidity:deposit", "deposit_liquidity", a.depositLiquidity},
		{"POST", "/v1/liquidity:withdraw", "withdraw_liquidity", a.withdrawLiquidity},
		{"GET", "/v1/traders/{trader_id}", "get_trader", a.getTrader},
		{"GET", "/v1/traders/{trader_id}/liquidations", "list_liquidations", a.listLiquidations},
		{"GET", "/v1/traders/{trader_id}/journal", "list_journal", a.listJournal},
		{"GET", "/v1/pool", "get_pool", a.getPool},
	}
	if deps.Admin != nil {
		routes = append(routes,
			route{"POST", "/v1/admin/deposits", "admin_deposit", a.adminDeposit},
			route{"POST", "/v1/admin/withdrawals", "admin_withdrawal", a.adminWithdrawal},
			route{"POST", "/v1/admin/prices", "admin_price", a.adminPrice},
			route{"GET", "/v1/admin/integrity", "admin_integrity", a.adminIntegrity},
		)
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, a.wrap(rt.endpoint, rt.h)); err != nil {
			panic(fmt.Sprintf("register %s %s: %v", rt.method, rt.pattern, err))
		}
	}

	root := http.NewServeMux()
	if deps.Health != nil {
		root.HandleFunc("/healthz", deps.Health.LivenessHandler)
		root.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	}
	root.Handle("/", mux)
	return root
}

// errorBody is the JSON error shape.
type errorBody struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (a *api) wrap(endpoint string, h handler) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		resp, err := h(r, params)
		code := http.StatusOK
		if err != nil {
			code = HTTPStatus(err)
			kind, reason := core.Classify(err)
			resp = errorBody{Code: int(Code(err)), Kind: kind.String(), Reason: reason, Message: err.Error()}
			if code >= 500 {
				a.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("request failed")
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(resp)

		if m := a.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

// --- request parsing ---

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", core.ErrInvalidCommand, fmt.Sprintf(format, args...))
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalid("body: %v", err)
	}
	return nil
}

func callerID(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get(TraderHeader)
	if raw == "" {
		return uuid.Nil, invalid("%s header is required", TraderHeader)
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, invalid("%s header: bad id %q", TraderHeader, raw)
	}
	return id, nil
}

func pathID(params map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(params[name])
	if err != nil {
		return uuid.Nil, invalid("%s: %v", name, err)
	}
	return id, nil
}

// requestID reuses the client's id for idempotent retries or draws one.
func requestID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, invalid("request_id: bad id %q", raw)
	}
	return id, nil
}

func amount(field, raw string) (*uint256.Int, error) {
	if raw == "" {
		return nil, invalid("%s is required", field)
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, invalid("%s: %v", field, err)
	}
	return v, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalid("%s: %v", name, err)
	}
	return v, nil
}

// --- command responses ---

// CommandResponse reports an applied command, or a duplicate that was
// ignored.
type CommandResponse struct {
	RequestID     string          `json:"request_id"`
	Duplicate     bool            `json:"duplicate,omitempty"`
	Sequence      int64           `json:"sequence,omitempty"`
	StateHash     string          `json:"state_hash,omitempty"`
	PriceRatio    string          `json:"price_ratio,omitempty"`
	Notifications json.RawMessage `json:"notifications,omitempty"`
}

func (a *api) submit(ctx context.Context, req uuid.UUID, evt event.Event) (interface{}, error) {
	out, err := a.deps.Core.ProcessEvent(ctx, evt)
	if err != nil {
		return nil, err
	}
	return commandResponse(req, out)
}

func commandResponse(req uuid.UUID, out *core.CoreOutput) (*CommandResponse, error) {
	resp := &CommandResponse{RequestID: req.String()}
	if out == nil {
		if req == uuid.Nil {
			resp.RequestID = ""
		}
		resp.Duplicate = true
		return resp, nil
	}
	env := out.Envelope
	resp.RequestID = env.IdempotencyKey
	notes, err := event.MarshalNotifications(env.Notifications)
	if err != nil {
		return nil, err
	}
	resp.Sequence = env.Sequence
	resp.StateHash = hex.EncodeToString(env.StateHash[:])
	resp.Notifications = notes
	if env.PriceRatio != nil {
		resp.PriceRatio = env.PriceRatio.Dec()
	}
	return resp, nil
}

// --- ledger commands ---

type amountRequest struct {
	RequestID string `json:"request_id"`
	Amount    string `json:"amount"`
}

func (a *api) addCollateral(r *http.Request, _ map[string]string) (interface{}, error) {
	trader, req, amt, err := a.amountCommand(r)
	if err != nil {
		return nil, err
	}
	return a.submit(r.Context(), req, &event.AddCollateral{RequestID: req, TraderID: trader, Amount: amt, Timestamp: a.deps.Now()})
}

func (a *api) decreaseCollateral(r *http.Request, _ map[string]string) (interface{}, error) {
	trader, req, amt, err := a.amountCommand(r)
	if err != nil {
		return nil, err
	}
	return a.submit(r.Context(), req, &event.DecreaseCollateral{RequestID: req, TraderID: trader, Amount: amt, Timestamp: a.deps.Now()})
}

func (a *api) depositLiquidity(r *http.Request, _ map[string]string) (interface{}, error) {
	provider, req, amt, err := a.amountCommand(r)
	if err != nil {
		return nil, err
	}
	return a.submit(r.Context(), req, &event.DepositLiquidity{RequestID: req, ProviderID: provider, Amount: amt, Timestamp: a.deps.Now()})
}

type withdrawLiquidityRequest struct {
	RequestID string `json:"request_id"`
	Shares    string `json:"shares"`
}

func (a *api) withdrawLiquidity(r *http.Request, _ map[string]string) (interface{}, error) {
	provider, err := callerID(r)
	if err != nil {
		return nil, err
	}
	var body withdrawLiquidityRequest
	if err := decodeBody(r, &body); err != nil {
		return nil, err
	}
	req, err := requestID(body.RequestID)
	if err != nil {
		return nil, err
	}
	shares, err := amount("shares", body.Shares)
	if err != nil {
		return nil, err
	}
	return a.submit(r.Context(), req, &event.WithdrawLiquidity{RequestID: req, ProviderID: provider, Shares: shares, Timestamp: a.deps.Now()})
}

func (a *api) amountCommand(r *http.Request) (uuid.UUID, uuid.UUID, *uint256.Int, error) {
	caller, err := callerID(r)
	if err != nil {
		return uuid.Nil, uuid.Nil, nil, err
	}
	var body amountRequest
	if err := decodeBody(r, &body); err != nil {
		return uuid.Nil, uuid.Nil, nil, err
	}
	req, err := requestID(body.RequestID)
	if err != nil {
		return uuid.Nil, uuid.Nil, nil, err
	}
	amt, err := amount("amount", body.Amount)
	if err != nil {
		return uuid.Nil, uuid.Nil, nil, err
	}
	return caller, req, amt, nil
}

type openPositionRequest struct {
	RequestID string `json:"request_id"`
	Notional  string `json:"notional"`
	Side      string `json:"side"`
}

func (a *api) openPosition(r *http.Request, _ map[string]string) (interface{}, error) {
	trader, err := callerID(r)
	if err != nil {
		return nil, err
	}
	var body openPositionRequest
	if err := decodeBody(r, &body); err != nil {
		return nil, err
	}
	req, err := requestID(body.RequestID)
	if err != nil {
		return nil, err
	}
	notional, err := amount("notional", body.Notional)
	if err != nil {
		return nil, err
	}
	isLong, err := ingestion.ParseSide(body.Side)
	if err != nil {
		return nil, invalid("%v", err)
	}
	return a.submit(r.Context(), req, &event.OpenPosition{
		RequestID: req,
		TraderID:  trader,
		Notional:  notional,
		IsLong:    isLong,
		Timestamp: a.deps.Now(),
	})
}

type decreasePositionRequest struct {
	RequestID   string `json:"request_id"`
	TraderID    string `json:"trader_id"` // defaults to the caller
	TokenAmount string `json:"token_amount"`
	Side        string `json:"side"`
}

func (a *api) decreasePosition(r *http.Request, _ map[string]string) (interface{}, error) {
	caller, err := callerID(r)
	if err != nil {
		return nil, err
	}
	var body decreasePositionRequest
	if err := decodeBody(r, &body); err != nil {
		return nil, err
	}
	req, err := requestID(body.RequestID)
	if err != nil {
		return nil, err
	}
	trader := caller
	if body.TraderID != "" {
		if trader, err = uuid.Parse(body.TraderID); err != nil {
			return nil, invalid("trader_id: %v", err)
		}
	}
	tokens, err := amount("token_amount", body.TokenAmount)
	if err != nil {
		return nil, err
	}
	isLong, err := ingestion.ParseSide(body.Side)
	if err != nil {
		return nil, invalid("%v", err)
	}
	return a.submit(r.Context(), req, &event.DecreasePosition{
		RequestID:   req,
		CallerID:    caller,
		TraderID:    trader,
		TokenAmount: tokens,
		IsLong:      isLong,
		Timestamp:   a.deps.Now(),
	})
}

type liquidateRequest struct {
	RequestID string `json:"request_id"`
	TargetID  string `json:"target_id"`
}

func (a *api) liquidate(r *http.Request, _ map[string]string) (interface{}, error) {
	caller, err := callerID(r)
	if err != nil {
		return nil, err
	}
	var body liquidateRequest
	if err := decodeBody(r, &body); err != nil {
		return nil, err
	}
	req, err := requestID(body.RequestID)
	if err != nil {
		return nil, err
	}
	target, err := uuid.Parse(body.TargetID)
	if err != nil {
		return nil, invalid("target_id: %v", err)
	}
	return a.submit(r.Context(), req, &event.Liquidate{RequestID: req, CallerID: caller, TargetID: target, Timestamp: a.deps.Now()})
}

// --- reads ---

func (a *api) getTrader(r *http.Request, params map[string]string) (interface{}, error) {
	trader, err := pathID(params, "trader_id")
	if err != nil {
		return nil, err
	}
	return a.deps.Query.GetTrader(r.Context(), trader)
}

func (a *api) getPool(r *http.Request, _ map[string]string) (interface{}, error) {
	return a.deps.Query.GetPool(r.Context())
}

func (a *api) listLiquidations(r *http.Request, params map[string]string) (interface{}, error) {
	trader, err := pathID(params, "trader_id")
	if err != nil {
		return nil, err
	}
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		return nil, err
	}
	return a.deps.Query.GetLiquidations(r.Context(), trader, limit)
}

func (a *api) listJournal(r *http.Request, params map[string]string) (interface{}, error) {
	trader, err := pathID(params, "trader_id")
	if err != nil {
		return nil, err
	}
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		return nil, err
	}
	var before *int64
	if raw := r.URL.Query().Get("before_sequence"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, invalid("before_sequence: %v", err)
		}
		before = &v
	}
	return a.deps.Query.GetJournalHistory(r.Context(), trader, limit, before)
}

// --- admin ---

type walletRequest struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

func (a *api) parseWallet(r *http.Request) (id, owner uuid.UUID, amt *uint256.Int, asset string, err error) {
	var body walletRequest
	if err = decodeBody(r, &body); err != nil {
		return
	}
	if body.ID != "" {
		if id, err = uuid.Parse(body.ID); err != nil {
			err = invalid("id: %v", err)
			return
		}
	}
	if owner, err = uuid.Parse(body.OwnerID); err != nil {
		err = invalid("owner_id: %v", err)
		return
	}
	if body.Asset == "" {
		err = invalid("asset is required")
		return
	}
	amt, err = amount("amount", body.Amount)
	return id, owner, amt, body.Asset, err
}

func (a *api) adminDeposit(r *http.Request, _ map[string]string) (interface{}, error) {
	id, owner, amt, asset, err := a.parseWallet(r)
	if err != nil {
		return nil, err
	}
	out, err := a.deps.Admin.InjectDeposit(r.Context(), id, owner, asset, amt)
	if err != nil {
		return nil, err
	}
	return commandResponse(id, out)
}

func (a *api) adminWithdrawal(r *http.Request, _ map[string]string) (interface{}, error) {
	id, owner, amt, asset, err := a.parseWallet(r)
	if err != nil {
		return nil, err
	}
	out, err := a.deps.Admin.InjectWithdrawal(r.Context(), id, owner, asset, amt)
	if err != nil {
		return nil, err
	}
	return commandResponse(id, out)
}

type priceRequest struct {
	Asset    string `json:"asset"`
	Price    string `json:"price"`
	Decimals uint8  `json:"decimals"`
}

func (a *api) adminPrice(r *http.Request, _ map[string]string) (interface{}, error) {
	var body priceRequest
	if err := decodeBody(r, &body); err != nil {
		return nil, err
	}
	if body.Asset == "" {
		return nil, invalid("asset is required")
	}
	price, err := amount("price", body.Price)
	if err != nil {
		return nil, err
	}
	if err := a.deps.Admin.InjectPrice(body.Asset, price, body.Decimals); err != nil {
		return nil, err
	}
	return map[string]string{"asset": body.Asset, "price": price.Dec()}, nil
}

func (a *api) adminIntegrity(r *http.Request, _ map[string]string) (interface{}, error) {
	report, err := a.deps.Query.VerifyIntegrity(r.Context())
	if err != nil {
		return nil, err
	}
	if !report.IsHealthy {
		a.logger.Error().Interface("report", report).Msg("integrity check failed")
	}
	return report, nil
}
