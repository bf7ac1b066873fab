package creditsapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes the credits ledger over HTTP.
type Server struct {
	logger  *zap.Logger
	ledger  *credits.Service
	metrics *Metrics
}

// NewServer wires a Server.
func NewServer(logger *zap.Logger, ledger *credits.Service, metrics *Metrics) *Server {
	return &Server{logger: logger, ledger: ledger, metrics: metrics}
}

// Router builds the gin engine with all routes registered.
func (server *Server) Router(cfg Config, metricsHandler http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	router.GET("/metrics", gin.WrapH(metricsHandler))

	api := router.Group("/api/orgs/:org_id")
	api.POST("/topup", server.handleTopUp)
	api.POST("/debit", server.handleDebit)
	api.GET("/balance", server.handleBalance)
	api.POST("/holds", server.handleHold)
	api.POST("/holds/:approval_id/release", server.handleRelease)
	api.POST("/reversals", server.handleReverse)
	api.PUT("/gas-cap", server.handleGasCap)
	api.GET("/transactions", server.handleListTransactions)
	return router
}

// Run serves the API until the context is cancelled.
func (server *Server) Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(cfg, nil),
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("credits api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type topUpRequest struct {
	AmountCents    int64  `json:"amount_cents"`
	Provider       string `json:"provider"`
	ProviderRef    string `json:"provider_ref"`
	IdempotencyKey string `json:"idempotency_key"`
}

type debitRequest struct {
	AmountCents    int64  `json:"amount_cents"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type holdRequest struct {
	ApprovalID       string `json:"approval_id"`
	AmountCents      int64  `json:"amount_cents"`
	Method           string `json:"method"`
	ParamsHash       string `json:"params_hash"`
	FXSnapshot       string `json:"fx_snapshot"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc"`
}

type releaseRequest struct {
	Capture          bool  `json:"capture"`
	ActualDebitCents int64 `json:"actual_debit_cents"`
}

type reverseRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Kind        string `json:"kind"`
	Provider    string `json:"provider"`
	ProviderRef string `json:"provider_ref"`
	Reason      string `json:"reason"`
}

type gasCapRequest struct {
	CapCents int64 `json:"cap_cents"`
}

type transactionResponse struct {
	TransactionID  string `json:"transaction_id"`
	OrgID          string `json:"org_id"`
	Type           string `json:"type"`
	AmountCents    int64  `json:"amount_cents"`
	Reason         string `json:"reason,omitempty"`
	RefID          string `json:"ref_id,omitempty"`
	Provider       string `json:"provider,omitempty"`
	ProviderRef    string `json:"provider_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type balanceResponse struct {
	OrgID              string `json:"org_id"`
	BalanceCents       int64  `json:"balance_cents"`
	DailyGasCapCents   int64  `json:"daily_gas_cap_cents"`
	DailyGasSpendCents int64  `json:"daily_gas_spend_cents"`
	Currency           string `json:"currency"`
}

func (server *Server) handleTopUp(ctx *gin.Context) {
	orgID, ok := server.orgIDParam(ctx)
	if !ok {
		return
	}
	var request topUpRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", "malformed body"))
		return
	}
	amount, err := credits.NewAmountCents(request.AmountCents)
	if err != nil {
		server.respondError(ctx, "topup", err)
		return
	}
	transaction, err := server.ledger.TopUp(ctx.Request.Context(), orgID, amount, request.Provider, request.ProviderRef, request.IdempotencyKey)
	server.metrics.observe("topup", err)
	if err != nil {
		server.respondError(ctx, "topup", err)
		return
	}
	ctx.JSON(http.StatusOK, mapTransaction(transaction))
}

func (server *Server) handleDebit(ctx *gin.Context) {
	orgID, ok := server.orgIDParam(ctx)
	if !ok {
		return
	}
	var request debitRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", "malformed body"))
		return
	}
	amount, err := credits.NewAmountCents(request.AmountCents)
	if err != nil {
		server.respondError(ctx, "debit", err)
		return
	}
	transaction, err := server.ledger.Debit(ctx.Request.Context(), orgID, amount, request.Reason, request.IdempotencyKey)
	server.metrics.observe("debit", err)
	if err != nil {
		server.respondError(ctx, "debit", err)
		return
	}
	ctx.JSON(http.StatusOK, mapTransaction(transaction))
}

func (server *Server) handleBalance(ctx *gin.Context) {
	orgID, ok := server.orgIDParam(ctx)
	if !ok {
		return
	}
	account, err := server.ledger.Balance(ctx.Request.Context(), orgID)
	if err != nil {
		server.respondError(ctx, "balance", err)
		return
	}
	if account == nil {
		ctx.JSON(http.StatusNotFound, errorResponse("account_not_found", "no ledger account for org"))
		return
	}
	ctx.JSON(http.StatusOK, balanceResponse{
		OrgID:              account.OrgID,
		BalanceCents:       account.BalanceCents,
		DailyGasCapCents:   account.DailyGasCapCents,
		DailyGasSpendCents: account.DailyGasSpendCents,
		Currency:           account.Currency,
	})
}

func (server *Server) handleHold(ctx *gin.Context) {
	orgID, ok := server.orgIDParam(ctx)
	if !ok {
		return
	}
	var request holdRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", "malformed body"))
		return
	}
	approvalID, err := credits.NewApprovalID(request.ApprovalID)
	if err != nil {
		server.respondError(ctx, "hold", err)
		return
	}
	amount, err := credits.NewAmountCents(request.AmountCents)
	if err != nil {
		server.respondError(ctx, "hold", err)
		return
	}
	snapshot, err := credits.NewFXSnapshotJSON(request.FXSnapshot)
	if err != nil {
		server.respondError(ctx, "hold", err)
		return
	}
	result, err := server.ledger.Hold(ctx.Request.Context(), orgID, approvalID, amount, credits.HoldRequest{
		Method:           request.Method,
		ParamsHash:       request.ParamsHash,
		FXSnapshot:       snapshot,
		ExpiresAtUnixUTC: request.ExpiresAtUnixUTC,
	})
	server.metrics.observe("hold", err)
	if err != nil {
		server.respondError(ctx, "hold", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"hold_id":     result.HoldID,
		"transaction": mapTransaction(result.Transaction),
	})
}

func (server *Server) handleRelease(ctx *gin.Context) {
	orgID, ok := server.orgIDParam(ctx)
	if !ok {
		return
	}
	approvalID, err := credits.NewApprovalID(ctx.Param("approval_id"))
	if err != nil {
		server.respondError(ctx, "release", err)
		return
	}
	var request releaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", "malformed body"))
		return
	}
	transaction, err := server.ledger.Release(ctx.Request.Context(), orgID, approvalID, request.Capture, request.ActualDebitCents)
	server.metrics.observe("release", err)
	if err != nil {
		server.respondError(ctx, "release", err)
		return
	}
	if transaction == nil {
		ctx.JSON(http.StatusNotFound, errorResponse("hold_not_found", "no hold for approval id"))
		return
	}
	ctx.JSON(http.StatusOK, mapTransaction(*transaction))
}

func (server *Server) handleReverse(ctx *gin.Context) {
	orgID, ok := server.orgIDParam(ctx)
	if !ok {
		return
	}
	var request reverseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", "malformed body"))
		return
	}
	amount, err := credits.NewAmountCents(request.AmountCents)
	if err != nil {
		server.respondError(ctx, "reverse", err)
		return
	}
	transaction, err := server.ledger.Reverse(ctx.Request.Context(), orgID, amount, credits.TransactionType(request.Kind), request.Provider, request.ProviderRef, request.Reason)
	server.metrics.observe("reverse", err)
	if err != nil {
		server.respondError(ctx, "reverse", err)
		return
	}
	ctx.JSON(http.StatusOK, mapTransaction(transaction))
}

func (server *Server) handleGasCap(ctx *gin.Context) {
	orgID, ok := server.orgIDParam(ctx)
	if !ok {
		return
	}
	var request gasCapRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", "malformed body"))
		return
	}
	if err := server.ledger.SetGasCap(ctx.Request.Context(), orgID, request.CapCents); err != nil {
		server.respondError(ctx, "gas_cap", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (server *Server) handleListTransactions(ctx *gin.Context) {
	orgID, ok := server.orgIDParam(ctx)
	if !ok {
		return
	}
	before, _ := strconv.ParseInt(ctx.Query("before"), 10, 64)
	limit, _ := strconv.Atoi(ctx.Query("limit"))
	if limit <= 0 {
		limit = defaultTransactionListLimit
	}
	if limit > maxTransactionListLimit {
		limit = maxTransactionListLimit
	}
	transactions, err := server.ledger.ListTransactions(ctx.Request.Context(), orgID, before, limit)
	if err != nil {
		server.respondError(ctx, "list_transactions", err)
		return
	}
	responses := make([]transactionResponse, 0, len(transactions))
	for _, transaction := range transactions {
		responses = append(responses, mapTransaction(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": responses})
}

func (server *Server) orgIDParam(ctx *gin.Context) (credits.OrgID, bool) {
	orgID, err := credits.NewOrgID(ctx.Param("org_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_org_id", "org id is required"))
		return credits.OrgID{}, false
	}
	return orgID, true
}

func (server *Server) respondError(ctx *gin.Context, operation string, err error) {
	status, code := statusForError(err)
	if status == http.StatusInternalServerError {
		server.logger.Error("ledger operation failed", zap.String("operation", operation), zap.Error(err))
	} else {
		server.metrics.reject(operation, code)
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, credits.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, credits.ErrHoldInvalid):
		return http.StatusConflict, "hold_invalid"
	case errors.Is(err, credits.ErrHoldExists):
		return http.StatusConflict, "hold_exists"
	case errors.Is(err, credits.ErrGasCapExceeded):
		return http.StatusTooManyRequests, "gas_cap_exceeded"
	case errors.Is(err, credits.ErrInvalidOrgID):
		return http.StatusBadRequest, "invalid_org_id"
	case errors.Is(err, credits.ErrInvalidApprovalID):
		return http.StatusBadRequest, "invalid_approval_id"
	case errors.Is(err, credits.ErrInvalidAmountCents):
		return http.StatusBadRequest, "invalid_amount_cents"
	case errors.Is(err, credits.ErrInvalidFXSnapshot):
		return http.StatusBadRequest, "invalid_fx_snapshot"
	case errors.Is(err, credits.ErrInvalidTransactionType):
		return http.StatusBadRequest, "invalid_transaction_type"
	}
	return http.StatusInternalServerError, "internal_error"
}

func mapTransaction(transaction credits.Transaction) transactionResponse {
	return transactionResponse{
		TransactionID:  transaction.TransactionID,
		OrgID:          transaction.OrgID,
		Type:           transaction.Type.String(),
		AmountCents:    transaction.AmountCents,
		Reason:         transaction.Reason,
		RefID:          transaction.RefID,
		Provider:       transaction.Provider,
		ProviderRef:    transaction.ProviderRef,
		IdempotencyKey: transaction.IdempotencyKey,
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}
