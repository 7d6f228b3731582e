package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trashure-engine/pkg/config"
	"trashure-engine/pkg/health"
	"trashure-engine/services/actor"
	"trashure-engine/services/fraud"
	"trashure-engine/services/ledger"
	"trashure-engine/services/payout"
	"trashure-engine/services/settlement"
	"trashure-engine/services/testutil"
	"trashure-engine/services/token"
)

type stubSequence struct {
	mu sync.Mutex
	n  int
}

func (s *stubSequence) NextTokenReference(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("TOK-HTTP-%04d", s.n), nil
}

func (s *stubSequence) NextTransferCode(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("TRF-HTTP-%04d", s.n), nil
}

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	ctx := context.Background()

	db := testutil.NewTestDB(t,
		&token.Token{}, &token.TokenTransition{}, &token.IdempotencyRecord{},
		&fraud.FraudRule{}, &fraud.FraudFlag{},
		&ledger.Account{}, &ledger.LedgerEntry{}, &ledger.TreasuryDelta{},
		&actor.Actor{},
	)

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	cfg := config.Default()

	engine := fraud.NewEngine(fraud.EngineParams{Config: cfg, DB: db, Logger: zap.NewNop(), Node: node})
	require.NoError(t, engine.SeedRules(ctx, cfg.Fraud))

	books := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Sequence: &stubSequence{}, Config: cfg})
	_, err = books.EnsureAccount(ctx, books.TreasuryAccountID(), ledger.AccountTreasury)
	require.NoError(t, err)

	settlements := settlement.NewService(settlement.ServiceParams{DB: db, Config: cfg, Logger: zap.NewNop()})
	calc := payout.NewCalculator(payout.Params{Config: cfg, Activity: settlements})

	seed := []*actor.Actor{
		{ID: "collector-1", Role: actor.RoleCollector, Verified: true, Region: "jakarta-selatan"},
		{ID: "vendor-1", Role: actor.RoleVendor, Verified: true, Region: "jakarta-selatan"},
		{ID: "factory-1", Role: actor.RoleFactory, Verified: true, Region: "bekasi"},
	}
	for _, a := range seed {
		require.NoError(t, db.Create(a).Error)
	}

	tokens := token.NewService(token.ServiceParams{
		DB:       db,
		Config:   cfg,
		Node:     node,
		Sequence: &stubSequence{},
		Actors:   actor.NewService(actor.ServiceParams{DB: db}),
		Payout:   calc,
		Fraud:    engine,
		Ledger:   books,
		Logger:   zap.NewNop(),
	})

	handler := NewHandler(HandlerParams{Tokens: tokens, Ledger: books, Settlements: settlements})
	return NewRouter(RouterParams{
		Config:  cfg,
		Handler: handler,
		Health:  health.ProvideHealth(health.HealthParams{DB: db}),
	})
}

func do(t *testing.T, r http.Handler, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestTokenLifecycleOverHTTP(t *testing.T) {
	r := newRouter(t)

	rec, body := do(t, r, http.MethodPost, "/v1/tokens", map[string]interface{}{
		"collector_id": "collector-1",
		"vendor_id":    "vendor-1",
		"waste_type":   "plastic",
		"weight_kg":    "50",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "pending_vendor_confirmation", body["status"])
	tokenID := body["id"].(string)

	rec, body = do(t, r, http.MethodPost, "/v1/tokens/"+tokenID+"/confirm", map[string]interface{}{
		"confirmed_weight_kg": "50",
	}, map[string]string{"X-Idempotency-Key": "c1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "vendor_confirmed", body["status"])

	rec, _ = do(t, r, http.MethodPost, "/v1/tokens/"+tokenID+"/ship", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = do(t, r, http.MethodPost, "/v1/tokens/"+tokenID+"/receive", map[string]interface{}{
		"factory_id":         "factory-1",
		"received_weight_kg": "50",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "factory_received", body["status"])

	rec, body = do(t, r, http.MethodPost, "/v1/tokens/"+tokenID+"/release", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "payout_released", body["status"])
	require.EqualValues(t, 4000, body["collector_payout"])
	require.EqualValues(t, 750, body["vendor_payout"])

	rec, body = do(t, r, http.MethodGet, "/v1/tokens/"+tokenID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["transitions"], 5)

	rec, body = do(t, r, http.MethodGet, "/v1/settlements?role=collector", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 4000, body["settled_amount"])
	require.EqualValues(t, 1, body["settled_count"])
}

func TestErrorEnvelopes(t *testing.T) {
	r := newRouter(t)

	rec, body := do(t, r, http.MethodPost, "/v1/tokens", map[string]interface{}{
		"collector_id": "collector-1",
		"vendor_id":    "vendor-1",
		"waste_type":   "plastic",
		"weight_kg":    "0",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errObj := body["error"].(map[string]interface{})
	require.Equal(t, "invalid_input", errObj["code"])

	rec, body = do(t, r, http.MethodGet, "/v1/tokens/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	errObj = body["error"].(map[string]interface{})
	require.Equal(t, "not_found", errObj["code"])

	// releasing a pending token is a state machine violation
	rec, body = do(t, r, http.MethodPost, "/v1/tokens", map[string]interface{}{
		"collector_id": "collector-1",
		"vendor_id":    "vendor-1",
		"waste_type":   "metal",
		"weight_kg":    "10",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	tokenID := body["id"].(string)

	rec, body = do(t, r, http.MethodPost, "/v1/tokens/"+tokenID+"/release", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	errObj = body["error"].(map[string]interface{})
	require.Equal(t, "invalid_transition", errObj["code"])
}

func TestWalletEndpoints(t *testing.T) {
	r := newRouter(t)

	rec, body := do(t, r, http.MethodGet, "/v1/wallet/treasury", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 0, body["balance"])

	// the treasury pool is off the wallet surface entirely
	rec, _ = do(t, r, http.MethodPost, "/v1/wallet/redeem", map[string]interface{}{
		"account_id": "treasury",
		"amount":     100,
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, r, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWalletTransfer_CannotTouchTreasury(t *testing.T) {
	r := newRouter(t)

	for _, body := range []map[string]interface{}{
		{"from_account_id": "treasury", "to_account_id": "vendor-wallet", "amount": 999999},
		{"from_account_id": "vendor-wallet", "to_account_id": "treasury", "amount": 100},
	} {
		rec, decoded := do(t, r, http.MethodPost, "/v1/wallet/transfer", body, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		errBody := decoded["error"].(map[string]interface{})
		require.Equal(t, "invalid_input", errBody["code"])
	}

	// the pool balance is untouched
	rec, body := do(t, r, http.MethodGet, "/v1/wallet/treasury", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 0, body["balance"])
}
