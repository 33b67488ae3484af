package gateway

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/healthpay/healthpayd/internal/audit"
	"github.com/healthpay/healthpayd/internal/settlement"
	"github.com/healthpay/healthpayd/internal/wallet"
	"github.com/healthpay/healthpayd/pkg/token"
)

// auditRequest is validated at the boundary; malformed input gets a typed
// 400 instead of silently defaulting inside the engine.
type auditRequest struct {
	BillAmount      decimal.Decimal `json:"billAmount"`
	HospitalName    string          `json:"hospitalName" binding:"required"`
	BillDescription string          `json:"billDescription"`
	Procedures      []string        `json:"procedures"`
	BillImage       string          `json:"billImage"`
}

func (g *Gateway) auditBill(c *gin.Context) {
	var req auditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid audit request: " + err.Error()})
		return
	}
	if req.BillAmount.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "billAmount must be non-negative"})
		return
	}

	if !g.auditor.Configured() {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "API key not configured"})
		return
	}

	result := g.auditor.Audit(c.Request.Context(), audit.BillFacts{
		HospitalName: req.HospitalName,
		BillAmount:   req.BillAmount,
		Description:  req.BillDescription,
		Procedures:   req.Procedures,
		BillImage:    req.BillImage,
	})

	c.JSON(http.StatusOK, result)
}

type paymentRequest struct {
	UserID       string       `json:"userId" binding:"required"`
	AmountChoice string       `json:"amountChoice" binding:"required,oneof=audited negotiable"`
	FromAddress  string       `json:"fromAddress"`
	BillRef      string       `json:"billRef"`
	Audit        audit.Result `json:"audit" binding:"required"`
}

func (g *Gateway) settleBill(c *gin.Context) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment request: " + err.Error()})
		return
	}

	selected := req.Audit.AuditedAmount
	if req.AmountChoice == "negotiable" {
		selected = req.Audit.NegotiableAmount
	}

	decision := g.enforcer.CheckAndAuthorize(c.Request.Context(), req.UserID, selected)
	if !decision.Authorized {
		g.settlementsTotal.WithLabelValues("limit_rejected").Inc()
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": decision.Reason})
		return
	}

	transfer, err := token.EncodeTransfer(g.cfg.Treasury, selected, g.cfg.TokenDecimals)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	handle, err := g.bridge.SubmitTransfer(c.Request.Context(), transfer, req.FromAddress)
	if err != nil {
		g.settlementsTotal.WithLabelValues("wallet_failed").Inc()
		status, msg := walletErrorStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	// The transfer is on chain from here: recording failures are warnings,
	// never reasons to retry the payment.
	tx, err := g.recorder.Record(c.Request.Context(), req.Audit, req.UserID,
		selected, &handle, settlement.StatusConfirmed, req.BillRef)

	resp := gin.H{
		"transaction": tx,
		"message":     "Payment of " + selected.String() + " HealthCoin sent",
	}
	switch {
	case err == nil:
		g.settlementsTotal.WithLabelValues("recorded").Inc()
	case errors.Is(err, settlement.ErrDeferred):
		g.settlementsTotal.WithLabelValues("record_deferred").Inc()
		resp["warning"] = "transaction saved for retry; it will appear in your history shortly"
	default:
		g.settlementsTotal.WithLabelValues("record_failed").Inc()
		slog.Error("transaction record lost", "tx_hash", handle.Hash, "error", err)
		resp["warning"] = "payment succeeded but the transaction record could not be saved"
	}

	c.JSON(http.StatusOK, resp)
}

type billRequest struct {
	UserID  string       `json:"userId" binding:"required"`
	BillRef string       `json:"billRef"`
	Audit   audit.Result `json:"audit" binding:"required"`
}

// submitBill stores an audited bill as a pending transaction without moving
// funds; settlement happens later.
func (g *Gateway) submitBill(c *gin.Context) {
	var req billRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bill request: " + err.Error()})
		return
	}

	tx, err := g.recorder.Record(c.Request.Context(), req.Audit, req.UserID,
		req.Audit.AuditedAmount, nil, settlement.StatusPending, req.BillRef)
	if err != nil && !errors.Is(err, settlement.ErrDeferred) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not save bill"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

func (g *Gateway) listTransactions(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}

	txs, err := g.lister.ListByUser(c.Request.Context(), userID, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load transactions"})
		return
	}
	if txs == nil {
		txs = []settlement.Transaction{}
	}

	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (g *Gateway) walletSession(c *gin.Context) {
	acct, err := g.bridge.Connect(c.Request.Context())
	if err != nil {
		status, msg := walletErrorStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusOK, acct)
}

func (g *Gateway) walletBalance(c *gin.Context) {
	address := c.Query("address")
	if !token.ValidAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}

	balance, err := g.bridge.TokenBalance(c.Request.Context(), address)
	if err != nil {
		status, msg := walletErrorStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address": address,
		"balance": balance.StringFixed(2),
	})
}

// walletErrorStatus maps wallet errors to user-actionable responses.
func walletErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, wallet.ErrProviderMissing):
		return http.StatusServiceUnavailable, "wallet provider is not available"
	case errors.Is(err, wallet.ErrUserRejected):
		return http.StatusForbidden, "wallet connection was rejected"
	case errors.Is(err, wallet.ErrNoAccounts):
		return http.StatusConflict, "no wallet account is connected"
	case errors.Is(err, wallet.ErrSubmissionRejected):
		return http.StatusPaymentRequired, "transaction signature was rejected"
	default:
		return http.StatusBadGateway, "wallet provider error"
	}
}
