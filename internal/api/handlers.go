package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/abkawan/sendmoney-ledger/internal/ledger"
	"github.com/abkawan/sendmoney-ledger/internal/models"
	"github.com/abkawan/sendmoney-ledger/internal/service"
)

const (
	// IdempotencyKeyHeader carries the client reference of a transfer.
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayHeader is set on a response that replays an earlier transfer.
	ReplayHeader = "X-Idempotent-Replay"

	// DefaultAccountID is the account behind GET /balance without an id.
	DefaultAccountID = "demoUser"

	maxBodyBytes = 1 << 20
)

// HealthChecker probes the backing store.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handler is for handling api requests
type Handler struct {
	accountService     *service.AccountService
	transactionService *service.TransactionService
	contactService     *service.ContactService
	health             HealthChecker
	logger             *slog.Logger
}

func NewHandler(logger *slog.Logger, accountService *service.AccountService, transactionService *service.TransactionService, contactService *service.ContactService, health HealthChecker) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		accountService:     accountService,
		transactionService: transactionService,
		contactService:     contactService,
		health:             health,
		logger:             logger,
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// for error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps a ledger error onto a status code. Server side
// failures are logged and answered with fallback instead of the cause.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case ledger.IsClientError(err):
		h.logger.Warn("request rejected", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrAccountNotFound):
		respondError(w, http.StatusNotFound, "account not found")
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, fallback)
	}
}

// GetBalance handles GET /balance/{accountId} and GET /balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := mux.Vars(r)["accountId"]
	if !ok {
		accountID = DefaultAccountID
	}

	balance, err := h.accountService.GetBalance(r.Context(), accountID)
	if err != nil {
		h.respondServiceError(w, r, err, "failed to fetch balance")
		return
	}

	respondJSON(w, http.StatusOK, models.BalanceResponse{Balance: balance})
}

// SendMoney handles POST /send-money
func (h *Handler) SendMoney(w http.ResponseWriter, r *http.Request) {
	var req models.SendMoneyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	reference, err := idempotencyKey(r, req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.transactionService.Transfer(r.Context(), service.TransferRequest{
		FromAccountID: req.Payer(),
		ToLabel:       req.Recipient(),
		ToPhotoURL:    strings.TrimSpace(req.ToPhotoURL),
		Amount:        amount,
		Reference:     reference,
	})
	if err != nil {
		h.respondServiceError(w, r, err, "failed to send money")
		return
	}

	if result.Replayed {
		w.Header().Set(ReplayHeader, "true")
	}
	respondJSON(w, http.StatusOK, models.SendMoneyResponse{
		TransactionID: result.Transaction.ID,
		NewBalance:    result.NewBalance,
	})
}

// idempotencyKey returns the transfer reference from the header or the body.
// Both may be given only if they agree.
func idempotencyKey(r *http.Request, req models.SendMoneyRequest) (string, error) {
	header := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	body := strings.TrimSpace(req.Reference)
	if header != "" && body != "" && header != body {
		return "", fmt.Errorf("%w: %s header and reference differ", ledger.ErrInvalidInput, IdempotencyKeyHeader)
	}
	if header != "" {
		return header, nil
	}
	return body, nil
}

// GetTransactions handles GET /transactions?limit=N&accountId=X
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	h.listTransactions(w, r, r.URL.Query().Get("accountId"))
}

// GetAccountTransactions handles GET /accounts/{accountId}/transactions
func (h *Handler) GetAccountTransactions(w http.ResponseWriter, r *http.Request) {
	h.listTransactions(w, r, mux.Vars(r)["accountId"])
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request, accountID string) {
	// default limit is set to 10
	limit := ledger.DefaultRecentLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	txs, err := h.transactionService.RecentTransactions(r.Context(), models.TransactionQuery{
		AccountID: accountID,
		Limit:     limit,
	})
	if err != nil {
		h.respondServiceError(w, r, err, "failed to fetch transactions")
		return
	}

	respondJSON(w, http.StatusOK, models.TransactionsResponse{Transactions: txs})
}

// GetContacts handles GET /contacts
func (h *Handler) GetContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := h.contactService.ListContacts(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err, "failed to fetch contacts")
		return
	}
	respondJSON(w, http.StatusOK, models.ContactsResponse{Contacts: contacts})
}

// handles health check
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	payload := map[string]string{"status": "ok"}
	if h.health != nil {
		if err := h.health.Ping(ctx); err != nil {
			h.logger.Error("health probe failed", "error", err)
			status = http.StatusServiceUnavailable
			payload["status"] = "degraded"
			payload["error"] = "ledger store unavailable"
		}
	}
	respondJSON(w, status, payload)
}

// sets up the API routes
func SetupRoutes(r *mux.Router, h *Handler) {
	// Health check (check if API is working)
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")

	// Balance and transfer routes
	r.HandleFunc("/balance", h.GetBalance).Methods("GET")
	r.HandleFunc("/balance/{accountId}", h.GetBalance).Methods("GET")
	r.HandleFunc("/send-money", h.SendMoney).Methods("POST")

	// Transaction log routes
	r.HandleFunc("/transactions", h.GetTransactions).Methods("GET")
	r.HandleFunc("/accounts/{accountId}/transactions", h.GetAccountTransactions).Methods("GET")

	r.HandleFunc("/contacts", h.GetContacts).Methods("GET")
}
