package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Komala-2k/Payment-wallet-week2/internal/auth"
	"github.com/Komala-2k/Payment-wallet-week2/internal/directory"
	"github.com/Komala-2k/Payment-wallet-week2/internal/ledger"
	"github.com/Komala-2k/Payment-wallet-week2/internal/logger"
	"github.com/Komala-2k/Payment-wallet-week2/internal/money"
	"github.com/Komala-2k/Payment-wallet-week2/internal/storage/memory"
)

type testAPI struct {
	t      *testing.T
	router http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.NewNop()
	store := memory.NewMemoryStore()
	tokens := auth.NewTokenService("test-secret", time.Hour)
	h := NewHandler(
		ledger.NewLedger(store, ledger.DefaultConfig(), ledger.WithLogger(log)),
		ledger.NewQuery(store, 50, log),
		directory.NewService(store, "digitalwallet", log),
		tokens,
		money.Default(),
		log,
	)
	return &testAPI{t: t, router: NewRouter(RouterConfig{Handler: h, Tokens: tokens, Log: log, ServiceName: "wallet-test"})}
}

func (a *testAPI) do(method, path, token string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	a.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(a.t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func (a *testAPI) register(name, username string) string {
	a.t.Helper()
	rec, body := a.do(http.MethodPost, "/api/accounts", "", map[string]string{"name": name, "username": username})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	token, ok := body["token"].(string)
	require.True(a.t, ok)
	return token
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func amountOf(t *testing.T, v any) decimal.Decimal {
	t.Helper()
	s, ok := v.(string)
	require.True(t, ok, "amount %v is not a string", v)
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	rec, body := api.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestWalletFlow(t *testing.T) {
	api := newTestAPI(t)
	alice := api.register("Alice", "alice")
	bob := api.register("Bob", "Bob_99")

	rec, body := api.do(http.MethodGet, "/api/users/profile", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob99@digitalwallet", body["upiId"])

	rec, body = api.do(http.MethodPost, "/api/transactions/add-money", alice, `{"amount": 10.50}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decimal.RequireFromString("10.5").Equal(amountOf(t, body["balance"])))

	rec, body = api.do(http.MethodGet, "/api/transactions/user/BOB99@digitalwallet", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bob", body["name"])

	rec, body = api.do(http.MethodPost, "/api/transactions/send-money", alice, map[string]any{
		"receiverUpiId": "bob99@digitalwallet",
		"amount":        "3.25",
		"description":   "lunch",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decimal.RequireFromString("7.25").Equal(amountOf(t, body["balance"])))
	tx := body["transaction"].(map[string]any)
	assert.Equal(t, "TRANSFER", tx["type"])
	assert.Equal(t, "COMPLETED", tx["status"])
	assert.Equal(t, "Bob", tx["receiver"].(map[string]any)["name"])

	rec, body = api.do(http.MethodGet, "/api/users/balance", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decimal.RequireFromString("3.25").Equal(amountOf(t, body["balance"])))

	rec, body = api.do(http.MethodGet, "/api/transactions/history", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := body["transactions"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "CREDIT", item["direction"])
	assert.Equal(t, "lunch", item["description"])
	assert.Equal(t, "Alice", item["counterparty"].(map[string]any)["name"])

	rec, body = api.do(http.MethodGet, "/api/transactions/history?limit=1", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["transactions"].([]any), 1)
	cursor := body["nextCursor"].(string)

	rec, body = api.do(http.MethodGet, "/api/transactions/history?limit=1&before="+cursor, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	older := body["transactions"].([]any)
	require.Len(t, older, 1)
	assert.Equal(t, "DEPOSIT", older[0].(map[string]any)["type"])

	rec, body = api.do(http.MethodGet, "/api/transactions/reconcile", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["balanced"])
}

func TestIdempotencyKeyHeader(t *testing.T) {
	api := newTestAPI(t)
	alice := api.register("Alice", "alice")

	for i, want := range []bool{false, true} {
		rec, body := api.do(http.MethodPost, "/api/transactions/add-money", alice, `{"amount": "5"}`, "Idempotency-Key", "topup-1")
		require.Equal(t, http.StatusOK, rec.Code, "attempt %d", i)
		replayed, _ := body["replayed"].(bool)
		assert.Equal(t, want, replayed)
		assert.True(t, decimal.NewFromInt(5).Equal(amountOf(t, body["balance"])))
	}
}

func TestErrorResponses(t *testing.T) {
	api := newTestAPI(t)
	alice := api.register("Alice", "alice")
	api.register("Bob", "bob")

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"missing token", http.MethodGet, "/api/users/balance", "", nil, http.StatusUnauthorized, codeUnauthorized},
		{"bad token", http.MethodGet, "/api/users/balance", "nope", nil, http.StatusUnauthorized, codeUnauthorized},
		{"malformed body", http.MethodPost, "/api/transactions/add-money", alice, `{"amount":`, http.StatusBadRequest, "INVALID_INPUT"},
		{"sub-cent amount", http.MethodPost, "/api/transactions/add-money", alice, `{"amount":"0.001"}`, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"zero amount", http.MethodPost, "/api/transactions/add-money", alice, `{"amount":0}`, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"missing receiver", http.MethodPost, "/api/transactions/send-money", alice, `{"amount":"1"}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown receiver", http.MethodPost, "/api/transactions/send-money", alice, `{"receiverUpiId":"zed@digitalwallet","amount":"1"}`, http.StatusNotFound, "DEST_NOT_FOUND"},
		{"self transfer", http.MethodPost, "/api/transactions/send-money", alice, `{"receiverUpiId":"alice@digitalwallet","amount":"1"}`, http.StatusBadRequest, "SELF_TRANSFER_REJECTED"},
		{"insufficient", http.MethodPost, "/api/transactions/send-money", alice, `{"receiverUpiId":"bob@digitalwallet","amount":"1"}`, http.StatusBadRequest, "INSUFFICIENT_FUNDS"},
		{"unknown alias", http.MethodGet, "/api/transactions/user/zed@digitalwallet", alice, nil, http.StatusNotFound, codeAliasNotFound},
		{"bad limit", http.MethodGet, "/api/transactions/history?limit=x", alice, nil, http.StatusBadRequest, "INVALID_INPUT"},
		{"alias taken", http.MethodPost, "/api/accounts", "", `{"name":"Other","username":"ALICE"}`, http.StatusConflict, codeAliasTaken},
		{"short username", http.MethodPost, "/api/accounts", "", `{"name":"X","username":"a!"}`, http.StatusBadRequest, codeInvalidUsername},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := api.do(tc.method, tc.path, tc.token, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, errorCode(body))
		})
	}
}

func TestTokenForUnknownAccount(t *testing.T) {
	api := newTestAPI(t)
	token, err := auth.NewTokenService("test-secret", time.Hour).Issue("ghost")
	require.NoError(t, err)

	rec, body := api.do(http.MethodGet, "/api/users/balance", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ACCOUNT_NOT_FOUND", errorCode(body))
}

func TestRefreshToken(t *testing.T) {
	api := newTestAPI(t)
	alice := api.register("Alice", "alice")

	rec, body := api.do(http.MethodPost, "/api/users/token", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fresh, ok := body["token"].(string)
	require.True(t, ok)
	assert.EqualValues(t, time.Hour.Seconds(), body["expiresIn"])

	rec, body = api.do(http.MethodGet, "/api/users/profile", fresh, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice@digitalwallet", body["upiId"])

	rec, body = api.do(http.MethodPost, "/api/users/token", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, codeUnauthorized, errorCode(body))
}
