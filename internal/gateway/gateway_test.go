package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthpay/healthpayd/internal/audit"
	"github.com/healthpay/healthpayd/internal/limits"
	"github.com/healthpay/healthpayd/internal/settlement"
	"github.com/healthpay/healthpayd/internal/wallet"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// memStore is an in-memory settlement store shared by the recorder, the
// limit enforcer's history lookup, and the transactions listing.
type memStore struct {
	txs       []settlement.Transaction
	insertErr error
}

func (s *memStore) Insert(ctx context.Context, tx *settlement.Transaction) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.txs = append(s.txs, *tx)
	return nil
}

func (s *memStore) MonthlyConfirmedTotal(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, tx := range s.txs {
		if tx.UserID == userID && tx.Status == settlement.StatusConfirmed && !tx.CreatedAt.Before(since) {
			total = total.Add(tx.HealthcoinAmount)
		}
	}
	return total, nil
}

func (s *memStore) ListByUser(ctx context.Context, userID string, limit int) ([]settlement.Transaction, error) {
	var out []settlement.Transaction
	for _, tx := range s.txs {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	return out, nil
}

// scriptedProvider fakes the wallet provider per method.
type scriptedProvider struct {
	responses map[string]any
}

func (p *scriptedProvider) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	v, ok := p.responses[method]
	if !ok {
		return nil, fmt.Errorf("unscripted method %s", method)
	}
	if err, ok := v.(error); ok {
		return nil, err
	}
	return json.Marshal(v)
}

const treasury = "0x0000000000000000000000000000000000000000"

func newTestGateway(t *testing.T, store *memStore, provider wallet.Provider, auditURL string) *Gateway {
	t.Helper()
	if auditURL == "" {
		// A closed server: any audit hits the deterministic fallback.
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()
		auditURL = srv.URL
	}

	eng := audit.New(audit.Config{APIKey: "test-key", APIURL: auditURL}, nil)
	bridge := wallet.NewBridge(provider, wallet.PolygonAmoy, "0x41e94eb019c0762f9bfcf9fb1e58725bab9e7c0a", 6)
	return New(Config{Treasury: treasury},
		eng,
		limits.NewEnforcer(store, nil),
		bridge,
		settlement.NewRecorder(store, nil, nil),
		store,
	)
}

func doJSON(t *testing.T, g *Gateway, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	g.Router().ServeHTTP(w, req)
	return w
}

func auditJSON(audited, negotiable string) string {
	return fmt.Sprintf(`{"isValid": true, "originalAmount": 5000, "auditedAmount": %s,
		"negotiableAmount": %s, "confidence": 65, "reasoning": "ok",
		"recommendations": [], "flaggedItems": []}`, audited, negotiable)
}

func TestAuditEndpoint(t *testing.T) {
	t.Run("should return 500 when the credential is absent", func(t *testing.T) {
		store := &memStore{}
		g := newTestGateway(t, store, nil, "")
		g.auditor = audit.New(audit.Config{APIURL: "http://127.0.0.1:0"}, nil)

		w := doJSON(t, g, http.MethodPost, "/api/v1/audit",
			`{"billAmount": 5000, "hospitalName": "City General"}`)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.JSONEq(t, `{"error": "API key not configured"}`, w.Body.String())
	})

	t.Run("should return fallback-shaped 200 when upstream is unreachable", func(t *testing.T) {
		g := newTestGateway(t, &memStore{}, nil, "")

		w := doJSON(t, g, http.MethodPost, "/api/v1/audit",
			`{"billAmount": 5000, "hospitalName": "City General", "billDescription": "ER visit"}`)

		require.Equal(t, http.StatusOK, w.Code)
		var res struct {
			IsValid          bool            `json:"isValid"`
			AuditedAmount    decimal.Decimal `json:"auditedAmount"`
			NegotiableAmount decimal.Decimal `json:"negotiableAmount"`
			Confidence       int             `json:"confidence"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.True(t, res.IsValid)
		assert.Equal(t, "4500", res.AuditedAmount.String())
		assert.Equal(t, "3600", res.NegotiableAmount.String())
		assert.Equal(t, 65, res.Confidence)
	})

	t.Run("should reject malformed input at the boundary", func(t *testing.T) {
		g := newTestGateway(t, &memStore{}, nil, "")

		w := doJSON(t, g, http.MethodPost, "/api/v1/audit", `{"billAmount": 5000}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = doJSON(t, g, http.MethodPost, "/api/v1/audit",
			`{"billAmount": -1, "hospitalName": "City General"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPaymentEndpoint(t *testing.T) {
	paymentBody := func(amountChoice, audited, negotiable string) string {
		return fmt.Sprintf(`{"userId": "u1", "amountChoice": %q,
			"fromAddress": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "audit": %s}`,
			amountChoice, auditJSON(audited, negotiable))
	}

	t.Run("should settle and record a confirmed transaction", func(t *testing.T) {
		store := &memStore{}
		provider := &scriptedProvider{responses: map[string]any{
			"eth_sendTransaction": "0xdeadbeef",
		}}
		g := newTestGateway(t, store, provider, "")

		w := doJSON(t, g, http.MethodPost, "/api/v1/payments",
			paymentBody("negotiable", "4500", "3600"))

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), "3600 HealthCoin")
		assert.NotContains(t, w.Body.String(), "warning")

		require.Len(t, store.txs, 1)
		tx := store.txs[0]
		assert.Equal(t, settlement.StatusConfirmed, tx.Status)
		assert.Equal(t, "3600", tx.HealthcoinAmount.String())
		assert.Equal(t, "5000", tx.Amount.String())
		require.NotNil(t, tx.TxHash)
		assert.Equal(t, "0xdeadbeef", *tx.TxHash)
	})

	t.Run("should write no record when the signature is declined", func(t *testing.T) {
		store := &memStore{}
		provider := &scriptedProvider{responses: map[string]any{
			"eth_sendTransaction": &wallet.RPCError{Code: 4001, Message: "User denied"},
		}}
		g := newTestGateway(t, store, provider, "")

		w := doJSON(t, g, http.MethodPost, "/api/v1/payments",
			paymentBody("audited", "4500", "3600"))

		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Empty(t, store.txs)
	})

	t.Run("should enforce the rolling monthly cap across payments", func(t *testing.T) {
		store := &memStore{}
		provider := &scriptedProvider{responses: map[string]any{
			"eth_sendTransaction": "0xfeed",
		}}
		g := newTestGateway(t, store, provider, "")

		first := doJSON(t, g, http.MethodPost, "/api/v1/payments",
			paymentBody("audited", "600000", "500000"))
		require.Equal(t, http.StatusOK, first.Code, first.Body.String())

		second := doJSON(t, g, http.MethodPost, "/api/v1/payments",
			paymentBody("audited", "600000", "500000"))
		assert.Equal(t, http.StatusUnprocessableEntity, second.Code)
		assert.Contains(t, second.Body.String(), "$400000.00")
		assert.Len(t, store.txs, 1)
	})

	t.Run("should reject above the per-transaction cap", func(t *testing.T) {
		g := newTestGateway(t, &memStore{}, nil, "")

		w := doJSON(t, g, http.MethodPost, "/api/v1/payments",
			paymentBody("audited", "1000001", "900000"))

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Contains(t, w.Body.String(), "per-transaction limit")
	})

	t.Run("should warn but keep the payment when recording fails", func(t *testing.T) {
		store := &memStore{insertErr: errors.New("store down")}
		provider := &scriptedProvider{responses: map[string]any{
			"eth_sendTransaction": "0xdeadbeef",
		}}
		g := newTestGateway(t, store, provider, "")

		w := doJSON(t, g, http.MethodPost, "/api/v1/payments",
			paymentBody("audited", "4500", "3600"))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "warning")
	})

	t.Run("should return 503 without a wallet provider", func(t *testing.T) {
		g := newTestGateway(t, &memStore{}, nil, "")

		w := doJSON(t, g, http.MethodPost, "/api/v1/payments",
			paymentBody("audited", "4500", "3600"))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestBillEndpoint(t *testing.T) {
	t.Run("should store a pending bill without moving funds", func(t *testing.T) {
		store := &memStore{}
		g := newTestGateway(t, store, nil, "")

		w := doJSON(t, g, http.MethodPost, "/api/v1/bills",
			fmt.Sprintf(`{"userId": "u1", "billRef": "scan.jpg", "audit": %s}`, auditJSON("4500", "3600")))

		require.Equal(t, http.StatusCreated, w.Code)
		require.Len(t, store.txs, 1)
		assert.Equal(t, settlement.StatusPending, store.txs[0].Status)
		assert.Nil(t, store.txs[0].TxHash)
		assert.Equal(t, "4500", store.txs[0].HealthcoinAmount.String())
	})
}

func TestTransactionsEndpoint(t *testing.T) {
	t.Run("should require a user id", func(t *testing.T) {
		g := newTestGateway(t, &memStore{}, nil, "")
		w := doJSON(t, g, http.MethodGet, "/api/v1/transactions", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("should list the user's transactions", func(t *testing.T) {
		store := &memStore{}
		store.txs = append(store.txs, settlement.Transaction{
			UserID:           "u1",
			Amount:           decimal.NewFromInt(5000),
			HealthcoinAmount: decimal.NewFromInt(3600),
			Status:           settlement.StatusConfirmed,
		})
		g := newTestGateway(t, store, nil, "")

		w := doJSON(t, g, http.MethodGet, "/api/v1/transactions?userId=u1", "")

		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Transactions []settlement.Transaction `json:"transactions"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Transactions, 1)
		assert.Equal(t, "3600", resp.Transactions[0].HealthcoinAmount.String())
	})

	t.Run("should return an empty list for unknown users", func(t *testing.T) {
		g := newTestGateway(t, &memStore{}, nil, "")
		w := doJSON(t, g, http.MethodGet, "/api/v1/transactions?userId=nobody", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"transactions": []}`, w.Body.String())
	})
}

func TestWalletEndpoints(t *testing.T) {
	t.Run("should return the connected session", func(t *testing.T) {
		provider := &scriptedProvider{responses: map[string]any{
			"eth_requestAccounts": []string{"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
			"eth_chainId":         "0x13882",
			"eth_getBalance":      "0x10",
		}}
		g := newTestGateway(t, &memStore{}, provider, "")

		w := doJSON(t, g, http.MethodGet, "/api/v1/wallet/session", "")

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "0x13882")
	})

	t.Run("should return 503 without a provider", func(t *testing.T) {
		g := newTestGateway(t, &memStore{}, nil, "")
		w := doJSON(t, g, http.MethodGet, "/api/v1/wallet/session", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("should read a token balance", func(t *testing.T) {
		provider := &scriptedProvider{responses: map[string]any{
			"eth_call": "0x0000000000000000000000000000000000000000000000000000000000bc4b20",
		}}
		g := newTestGateway(t, &memStore{}, provider, "")

		w := doJSON(t, g, http.MethodGet,
			"/api/v1/wallet/balance?address=0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "")

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"12.34"`)
	})

	t.Run("should reject a malformed balance address", func(t *testing.T) {
		g := newTestGateway(t, &memStore{}, nil, "")
		w := doJSON(t, g, http.MethodGet, "/api/v1/wallet/balance?address=0x12", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHealth(t *testing.T) {
	g := newTestGateway(t, &memStore{}, nil, "")
	w := doJSON(t, g, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
