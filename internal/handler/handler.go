// Package handler содержит HTTP-обработчики API инвестиционного леджера.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/invest-ledger/internal/middleware"
	"github.com/mmeshcher/invest-ledger/internal/model"
	"github.com/mmeshcher/invest-ledger/internal/repository"
	"github.com/mmeshcher/invest-ledger/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, username, password string) error
	AuthenticateUser(ctx context.Context, username, password string) error
	RequestDeposit(ctx context.Context, username string, amount decimal.Decimal) (string, error)
	RequestWithdraw(ctx context.Context, username string, amount decimal.Decimal, destination string) (string, error)
	CancelPendingDeposit(ctx context.Context, username, requestID string) error
	OnApprovalDecision(ctx context.Context, requestID string, decision model.RequestStatus) error
	PlaceInvestment(ctx context.Context, username string, amount, ratePercent decimal.Decimal) (*model.Tranche, error)
	Sync(ctx context.Context, username string) (*model.BalanceSnapshot, error)
	GetHistory(ctx context.Context, username string) ([]model.Request, error)
	GetPortfolio(ctx context.Context, username string) ([]service.PortfolioItem, error)
	PreviewTodayAccrual(ctx context.Context, username string) (decimal.Decimal, error)
}

// Handler реализует HTTP-обработчики API инвестиционного леджера.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RegisterUser(r.Context(), req.Username, req.Password); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, req.Username)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.AuthenticateUser(r.Context(), req.Username, req.Password); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, req.Username)
	w.WriteHeader(http.StatusOK)
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type requestCreatedResponse struct {
	ID string `json:"id"`
}

// CreateDeposit создаёт заявку на пополнение от текущего пользователя.
func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	username, ok := middleware.GetUsernameFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.RequestDeposit(r.Context(), username, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDepositTooSmall), errors.Is(err, service.ErrDepositTooLarge):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.logger.Error("create deposit error", zap.Error(err), zap.String("username", username))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, requestCreatedResponse{ID: id})
}

// CancelDeposit отменяет ещё не рассмотренную заявку на пополнение.
func (h *Handler) CancelDeposit(w http.ResponseWriter, r *http.Request) {
	username, ok := middleware.GetUsernameFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	requestID := requestIDFromURL(r)
	if requestID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.CancelPendingDeposit(r.Context(), username, requestID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrRequestNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrAlreadyDecided):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("cancel deposit error", zap.Error(err), zap.String("request_id", requestID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type withdrawRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
}

// CreateWithdrawal создаёт заявку на вывод средств текущего пользователя.
func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	username, ok := middleware.GetUsernameFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.RequestWithdraw(r.Context(), username, req.Amount, req.Destination)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNonPositiveAmount):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, service.ErrInsufficientFunds):
			http.Error(w, err.Error(), http.StatusPaymentRequired)
		default:
			h.logger.Error("create withdrawal error", zap.Error(err), zap.String("username", username))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, requestCreatedResponse{ID: id})
}

type investRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	RatePercent decimal.Decimal `json:"rate_percent"`
}

type trancheResponse struct {
	ID              string          `json:"id"`
	Principal       decimal.Decimal `json:"principal"`
	RatePercent     decimal.Decimal `json:"rate_percent"`
	AccruedInterest decimal.Decimal `json:"accrued_interest"`
	CreatedAt       string          `json:"created_at"`
	FreezeUntil     *string         `json:"freeze_until,omitempty"`
	UnfrozenAt      *string         `json:"unfrozen_at,omitempty"`
	Locked          bool            `json:"locked"`
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// CreateInvestment размещает инвестиционную позицию текущего пользователя.
func (h *Handler) CreateInvestment(w http.ResponseWriter, r *http.Request) {
	username, ok := middleware.GetUsernameFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req investRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	tr, err := h.service.PlaceInvestment(r.Context(), username, req.Amount, req.RatePercent)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNonPositiveAmount):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, service.ErrInsufficientFunds):
			http.Error(w, err.Error(), http.StatusPaymentRequired)
		case errors.Is(err, service.ErrLockTimeout):
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		default:
			h.logger.Error("create investment error", zap.Error(err), zap.String("username", username))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, trancheResponse{
		ID:              tr.ID,
		Principal:       tr.Principal,
		RatePercent:     tr.RatePercent,
		AccruedInterest: tr.AccruedInterest,
		CreatedAt:       tr.CreatedAt.Format(time.RFC3339),
		FreezeUntil:     formatTimePtr(tr.FreezeUntil),
	})
}

// GetBalance синхронизирует счёт и возвращает снимок баланса.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	username, ok := middleware.GetUsernameFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	snap, err := h.service.Sync(r.Context(), username)
	if err != nil {
		h.logger.Error("sync error", zap.Error(err), zap.String("username", username))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

type historyItemResponse struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	Destination string          `json:"destination,omitempty"`
	CreatedAt   string          `json:"created_at"`
	DecidedAt   *string         `json:"decided_at,omitempty"`
}

// GetHistory возвращает историю заявок текущего пользователя.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	username, ok := middleware.GetUsernameFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	history, err := h.service.GetHistory(r.Context(), username)
	if err != nil {
		h.logger.Error("get history error", zap.Error(err), zap.String("username", username))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(history) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]historyItemResponse, 0, len(history))
	for _, req := range history {
		resp = append(resp, historyItemResponse{
			ID:          req.ID,
			Kind:        string(req.Kind),
			Amount:      req.Amount,
			Status:      string(req.Status),
			Destination: req.Destination,
			CreatedAt:   req.CreatedAt.Format(time.RFC3339),
			DecidedAt:   formatTimePtr(req.DecidedAt),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetPortfolio возвращает инвестиционные позиции текущего пользователя.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	username, ok := middleware.GetUsernameFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	items, err := h.service.GetPortfolio(r.Context(), username)
	if err != nil {
		h.logger.Error("get portfolio error", zap.Error(err), zap.String("username", username))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]trancheResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, trancheResponse{
			ID:              item.Tranche.ID,
			Principal:       item.Tranche.Principal,
			RatePercent:     item.Tranche.RatePercent,
			AccruedInterest: item.Tranche.AccruedInterest,
			CreatedAt:       item.Tranche.CreatedAt.Format(time.RFC3339),
			FreezeUntil:     formatTimePtr(item.Tranche.FreezeUntil),
			UnfrozenAt:      formatTimePtr(item.Tranche.UnfrozenAt),
			Locked:          item.Locked,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type previewResponse struct {
	TodayIncome decimal.Decimal `json:"today_income"`
}

// GetPreview возвращает проценты, заработанные с начала текущих суток.
func (h *Handler) GetPreview(w http.ResponseWriter, r *http.Request) {
	username, ok := middleware.GetUsernameFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	income, err := h.service.PreviewTodayAccrual(r.Context(), username)
	if err != nil {
		h.logger.Error("preview error", zap.Error(err), zap.String("username", username))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, previewResponse{TodayIncome: income})
}

type decisionRequest struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
}

// Decision принимает решение оператора из канала одобрения.
func (h *Handler) Decision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.OnApprovalDecision(r.Context(), req.RequestID, model.RequestStatus(req.Decision))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidDecision):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrRequestNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrLockTimeout):
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		default:
			h.logger.Error("decision error", zap.Error(err), zap.String("request_id", req.RequestID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
