// Package handler содержит HTTP-обработчики API сервиса лояльности.
package handler

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-spin-system/internal/middleware"
	"github.com/mmeshcher/loyalty-spin-system/internal/model"
	"github.com/mmeshcher/loyalty-spin-system/internal/repository"
	"github.com/mmeshcher/loyalty-spin-system/internal/service"
	"github.com/mmeshcher/loyalty-spin-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error
	GetBalance(ctx context.Context, shopDomain, externalID string) (*model.BalanceSnapshot, error)
	ListTransactions(ctx context.Context, shopDomain string, q service.TransactionQuery) ([]model.Transaction, int64, error)
	ExportTransactions(ctx context.Context, shopDomain string, q service.TransactionQuery) ([]model.Transaction, error)
	ListCustomers(ctx context.Context, shopDomain string, page, limit int) ([]model.Customer, int64, *repository.CustomerStats, error)
	Redeem(ctx context.Context, shopDomain, externalID string, points int64) (*service.RedeemResult, error)
	Adjust(ctx context.Context, shopDomain, externalID string, delta int64, reason string) (*service.AdjustResult, error)
	GetCatalog(ctx context.Context, shopDomain string) (*model.Wheel, error)
	AddReward(ctx context.Context, shopDomain string, in service.RewardInput) (*model.RewardDefinition, error)
	UpdateReward(ctx context.Context, shopDomain, rewardID string, in service.RewardInput) (*model.RewardDefinition, error)
	RemoveReward(ctx context.Context, shopDomain, rewardID string) error
	CheckSpinEligibility(ctx context.Context, shopDomain, externalID string) (bool, error)
	Spin(ctx context.Context, shopDomain, externalID string) (*service.SpinResult, error)
	ListSpins(ctx context.Context, shopDomain, externalID string, page, limit int) ([]model.SpinRecord, int64, error)
	ProcessOrderCreate(ctx context.Context, shopDomain string, order service.OrderEvent) error
	ProcessOrderUpdate(ctx context.Context, shopDomain string, order service.OrderEvent) error
}

// Handler реализует HTTP-обработчики API сервиса лояльности.
type Handler struct {
	service  Service
	logger   *zap.Logger
	verifier *middleware.WebhookVerifier
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, verifier *middleware.WebhookVerifier) *Handler {
	return &Handler{
		service:  s,
		logger:   logger,
		verifier: verifier,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	h.logger.Error(msg, append(fields, zap.Error(err))...)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// shopFromQuery извлекает и проверяет доменное имя магазина из query-параметра.
func shopFromQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	shop := r.URL.Query().Get("shop")
	if !validation.IsValidShopDomain(shop) {
		writeError(w, http.StatusBadRequest, "valid shop domain required")
		return "", false
	}
	return shop, true
}

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return v
}

type pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
	Pages int64 `json:"pages"`
}

func newPagination(page, limit int, total int64) pagination {
	pages := total / int64(limit)
	if total%int64(limit) != 0 {
		pages++
	}
	return pagination{Page: page, Limit: limit, Total: total, Pages: pages}
}

// Health возвращает статус сервиса и доступность БД.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":    "ERROR",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"database":  "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type balanceResponse struct {
	CustomerID          string     `json:"customerId"`
	PointsBalance       int64      `json:"pointsBalance"`
	TotalPointsEarned   int64      `json:"totalPointsEarned"`
	TotalPointsRedeemed int64      `json:"totalPointsRedeemed"`
	TotalOrders         int64      `json:"totalOrders"`
	LastSpinDate        *time.Time `json:"lastSpinDate,omitempty"`
	IsNew               bool       `json:"isNew"`
}

// GetBalance возвращает снимок бонусного счёта покупателя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	shop, ok := shopFromQuery(w, r)
	if !ok {
		return
	}
	customerID := chi.URLParam(r, "customerID")

	snapshot, err := h.service.GetBalance(r.Context(), shop, customerID)
	if err != nil {
		h.internalError(w, "get balance error", err, zap.String("customer", customerID))
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{
		CustomerID:          snapshot.ExternalID,
		PointsBalance:       snapshot.PointsBalance,
		TotalPointsEarned:   snapshot.TotalPointsEarned,
		TotalPointsRedeemed: snapshot.TotalPointsRedeemed,
		TotalOrders:         snapshot.TotalOrders,
		LastSpinDate:        snapshot.LastSpinDate,
		IsNew:               snapshot.IsNew,
	})
}

type transactionResponse struct {
	ID           int64             `json:"id"`
	CustomerID   string            `json:"customerId"`
	Type         string            `json:"type"`
	Points       int64             `json:"points"`
	Description  string            `json:"description"`
	OrderID      string            `json:"orderId,omitempty"`
	OrderNumber  string            `json:"orderNumber,omitempty"`
	DiscountCode string            `json:"discountCode,omitempty"`
	BalanceAfter int64             `json:"balanceAfter"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    string            `json:"createdAt"`
}

func toTransactionResponses(transactions []model.Transaction) []transactionResponse {
	resp := make([]transactionResponse, 0, len(transactions))
	for _, tr := range transactions {
		resp = append(resp, transactionResponse{
			ID:           tr.ID,
			CustomerID:   tr.ExternalID,
			Type:         string(tr.Type),
			Points:       tr.Points,
			Description:  tr.Description,
			OrderID:      tr.OrderID,
			OrderNumber:  tr.OrderNumber,
			DiscountCode: tr.DiscountCode,
			BalanceAfter: tr.BalanceAfter,
			Metadata:     tr.Metadata,
			CreatedAt:    tr.CreatedAt.Format(time.RFC3339),
		})
	}
	return resp
}

// ListTransactions возвращает страницу журнала операций покупателя.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	shop, ok := shopFromQuery(w, r)
	if !ok {
		return
	}

	page, limit := service.NormalizePage(queryInt(r, "page", 1), queryInt(r, "limit", 20), 20)
	q := service.TransactionQuery{
		ExternalID: chi.URLParam(r, "customerID"),
		Page:       page,
		Limit:      limit,
	}

	transactions, total, err := h.service.ListTransactions(r.Context(), shop, q)
	if err != nil {
		h.internalError(w, "list transactions error", err, zap.String("customer", q.ExternalID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": toTransactionResponses(transactions),
		"pagination":   newPagination(q.Page, q.Limit, total),
	})
}

// ListAllTransactions возвращает журнал операций магазина с фильтрами для админки.
func (h *Handler) ListAllTransactions(w http.ResponseWriter, r *http.Request) {
	shop, ok := shopFromQuery(w, r)
	if !ok {
		return
	}

	page, limit := service.NormalizePage(queryInt(r, "page", 1), queryInt(r, "limit", 25), 25)
	q := service.TransactionQuery{
		ExternalID:    r.URL.Query().Get("customer"),
		Type:          r.URL.Query().Get("type"),
		DateRangeDays: queryInt(r, "dateRange", 0),
		Page:          page,
		Limit:         limit,
	}

	transactions, total, err := h.service.ListTransactions(r.Context(), shop, q)
	if err != nil {
		h.internalError(w, "list all transactions error", err, zap.String("shop", shop))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": toTransactionResponses(transactions),
		"pagination":   newPagination(q.Page, q.Limit, total),
	})
}

// ExportTransactions выгружает журнал операций магазина в CSV.
func (h *Handler) ExportTransactions(w http.ResponseWriter, r *http.Request) {
	shop, ok := shopFromQuery(w, r)
	if !ok {
		return
	}

	q := service.TransactionQuery{
		Type:          r.URL.Query().Get("type"),
		DateRangeDays: queryInt(r, "dateRange", 0),
	}

	transactions, err := h.service.ExportTransactions(r.Context(), shop, q)
	if err != nil {
		h.internalError(w, "export transactions error", err, zap.String("shop", shop))
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="transactions-%s.csv"`, time.Now().UTC().Format("2006-01-02")))

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"Date", "Customer ID", "Type", "Description", "Points", "Balance After", "Order ID", "Discount Code"})
	for _, tr := range transactions {
		_ = cw.Write([]string{
			tr.CreatedAt.UTC().Format(time.RFC3339),
			tr.ExternalID,
			string(tr.Type),
			tr.Description,
			strconv.FormatInt(tr.Points, 10),
			strconv.FormatInt(tr.BalanceAfter, 10),
			tr.OrderID,
			tr.DiscountCode,
		})
	}
	cw.Flush()
}

type customerResponse struct {
	CustomerID          string     `json:"customerId"`
	Email               string     `json:"email"`
	FirstName           string     `json:"firstName"`
	LastName            string     `json:"lastName"`
	PointsBalance       int64      `json:"pointsBalance"`
	TotalPointsEarned   int64      `json:"totalPointsEarned"`
	TotalPointsRedeemed int64      `json:"totalPointsRedeemed"`
	TotalOrders         int64      `json:"totalOrders"`
	LastSpinDate        *time.Time `json:"lastSpinDate,omitempty"`
	CreatedAt           string     `json:"createdAt"`
}

// ListCustomers возвращает страницу покупателей магазина со сводной статистикой.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	shop, ok := shopFromQuery(w, r)
	if !ok {
		return
	}

	page, limit := service.NormalizePage(queryInt(r, "page", 1), queryInt(r, "limit", 50), 50)

	customers, total, stats, err := h.service.ListCustomers(r.Context(), shop, page, limit)
	if err != nil {
		h.internalError(w, "list customers error", err, zap.String("shop", shop))
		return
	}

	resp := make([]customerResponse, 0, len(customers))
	for _, c := range customers {
		resp = append(resp, customerResponse{
			CustomerID:          c.ExternalID,
			Email:               c.Email,
			FirstName:           c.FirstName,
			LastName:            c.LastName,
			PointsBalance:       c.PointsBalance,
			TotalPointsEarned:   c.TotalPointsEarned,
			TotalPointsRedeemed: c.TotalPointsRedeemed,
			TotalOrders:         c.TotalOrders,
			LastSpinDate:        c.LastSpinDate,
			CreatedAt:           c.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"customers":  resp,
		"pagination": newPagination(page, limit, total),
		"stats": map[string]int64{
			"totalCustomers":         stats.TotalCustomers,
			"totalPointsIssued":      stats.TotalPointsIssued,
			"totalPointsRedeemed":    stats.TotalPointsRedeemed,
			"totalPointsOutstanding": stats.TotalPointsOutstanding,
		},
	})
}

type redeemRequest struct {
	CustomerID     string `json:"customerId"`
	ShopDomain     string `json:"shopDomain"`
	PointsToRedeem int64  `json:"pointsToRedeem"`
}

// Redeem обменивает баллы покупателя на скидочный код.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.CustomerID == "" || !validation.IsValidShopDomain(req.ShopDomain) {
		writeError(w, http.StatusBadRequest, "customer id and shop domain required")
		return
	}

	result, err := h.service.Redeem(r.Context(), req.ShopDomain, req.CustomerID, req.PointsToRedeem)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, repository.ErrCustomerNotFound):
			writeError(w, http.StatusNotFound, "customer not found")
		case errors.Is(err, repository.ErrInsufficientBalance):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.internalError(w, "redeem error", err, zap.String("customer", req.CustomerID))
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"discountCode":     result.DiscountCode,
		"discountAmount":   result.DiscountAmount,
		"pointsRedeemed":   result.PointsRedeemed,
		"remainingBalance": result.RemainingBalance,
	})
}

type adjustRequest struct {
	CustomerID string `json:"customerId"`
	ShopDomain string `json:"shopDomain"`
	Points     *int64 `json:"points"`
	Reason     string `json:"reason"`
}

// Adjust применяет ручную корректировку баланса покупателя.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.CustomerID == "" || req.Points == nil || !validation.IsValidShopDomain(req.ShopDomain) {
		writeError(w, http.StatusBadRequest, "customer id, points adjustment and shop domain required")
		return
	}

	result, err := h.service.Adjust(r.Context(), req.ShopDomain, req.CustomerID, *req.Points, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrCustomerNotFound):
			writeError(w, http.StatusNotFound, "customer not found")
		case errors.Is(err, repository.ErrNegativeBalance):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.internalError(w, "adjust error", err, zap.String("customer", req.CustomerID))
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"customerId":      req.CustomerID,
		"pointsAdjusted":  result.Delta,
		"previousBalance": result.PreviousBalance,
		"newBalance":      result.NewBalance,
	})
}
