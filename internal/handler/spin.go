package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-spin-system/internal/model"
	"github.com/mmeshcher/loyalty-spin-system/internal/repository"
	"github.com/mmeshcher/loyalty-spin-system/internal/service"
	"github.com/mmeshcher/loyalty-spin-system/internal/validation"
)

type rewardResponse struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Value       float64 `json:"value"`
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
	Color       string  `json:"color"`
	IsActive    bool    `json:"isActive"`
}

func toRewardResponse(r model.RewardDefinition) rewardResponse {
	return rewardResponse{
		ID:          r.ID,
		Type:        string(r.Type),
		Value:       r.Value,
		Label:       r.Label,
		Probability: r.Probability,
		Color:       r.Color,
		IsActive:    r.IsActive,
	}
}

// GetSpinConfig возвращает каталог наград и настройки колеса магазина.
func (h *Handler) GetSpinConfig(w http.ResponseWriter, r *http.Request) {
	shop, ok := shopFromQuery(w, r)
	if !ok {
		return
	}

	wheel, err := h.service.GetCatalog(r.Context(), shop)
	if err != nil {
		h.internalError(w, "get spin config error", err, zap.String("shop", shop))
		return
	}

	rewards := make([]rewardResponse, 0, len(wheel.Rewards))
	for _, rw := range wheel.Rewards {
		rewards = append(rewards, toRewardResponse(rw))
	}

	resp := map[string]any{
		"rewards": rewards,
		"settings": map[string]any{
			"spinsPerDay":           wheel.Settings.SpinsPerDay,
			"minimumOrdersRequired": wheel.Settings.MinimumOrdersRequired,
			"isActive":              wheel.Settings.IsActive,
		},
	}
	if total := wheel.ActiveProbabilityTotal(); math.Abs(total-100) > 1e-9 {
		resp["probabilityWarning"] = fmt.Sprintf("active reward probabilities sum to %g, expected 100", total)
	}

	writeJSON(w, http.StatusOK, resp)
}

type rewardRequest struct {
	ShopDomain  string   `json:"shopDomain"`
	Type        string   `json:"type"`
	Value       *float64 `json:"value"`
	Label       string   `json:"label"`
	Probability *float64 `json:"probability"`
	Color       string   `json:"color"`
	IsActive    *bool    `json:"isActive"`
}

func (req *rewardRequest) toInput() (service.RewardInput, bool) {
	if req.Type == "" || req.Label == "" || req.Value == nil || req.Probability == nil {
		return service.RewardInput{}, false
	}
	return service.RewardInput{
		Type:        req.Type,
		Value:       *req.Value,
		Label:       req.Label,
		Probability: *req.Probability,
		Color:       req.Color,
		IsActive:    req.IsActive,
	}, true
}

// AddReward добавляет награду в каталог колеса магазина.
func (h *Handler) AddReward(w http.ResponseWriter, r *http.Request) {
	var req rewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validation.IsValidShopDomain(req.ShopDomain) {
		writeError(w, http.StatusBadRequest, "valid shop domain required")
		return
	}

	in, ok := req.toInput()
	if !ok {
		writeError(w, http.StatusBadRequest, "type, label, value and probability required")
		return
	}

	reward, err := h.service.AddReward(r.Context(), req.ShopDomain, in)
	if err != nil {
		if errors.Is(err, service.ErrInvalidReward) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.internalError(w, "add reward error", err, zap.String("shop", req.ShopDomain))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"reward":  toRewardResponse(*reward),
	})
}

// UpdateReward изменяет награду каталога колеса магазина.
func (h *Handler) UpdateReward(w http.ResponseWriter, r *http.Request) {
	var req rewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validation.IsValidShopDomain(req.ShopDomain) {
		writeError(w, http.StatusBadRequest, "valid shop domain required")
		return
	}

	in, ok := req.toInput()
	if !ok {
		writeError(w, http.StatusBadRequest, "type, label, value and probability required")
		return
	}

	rewardID := chi.URLParam(r, "rewardID")
	reward, err := h.service.UpdateReward(r.Context(), req.ShopDomain, rewardID, in)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidReward):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, repository.ErrRewardNotFound):
			writeError(w, http.StatusNotFound, "reward not found")
		default:
			h.internalError(w, "update reward error", err, zap.String("reward", rewardID))
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"reward":  toRewardResponse(*reward),
	})
}

// RemoveReward удаляет награду из каталога колеса магазина.
func (h *Handler) RemoveReward(w http.ResponseWriter, r *http.Request) {
	shop, ok := shopFromQuery(w, r)
	if !ok {
		return
	}

	rewardID := chi.URLParam(r, "rewardID")
	if err := h.service.RemoveReward(r.Context(), shop, rewardID); err != nil {
		if errors.Is(err, repository.ErrRewardNotFound) {
			writeError(w, http.StatusNotFound, "reward not found")
			return
		}
		h.internalError(w, "remove reward error", err, zap.String("reward", rewardID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// CheckSpin сообщает, доступно ли покупателю вращение колеса сегодня.
func (h *Handler) CheckSpin(w http.ResponseWriter, r *http.Request) {
	shop, ok := shopFromQuery(w, r)
	if !ok {
		return
	}
	customerID := chi.URLParam(r, "customerID")

	canSpin, err := h.service.CheckSpinEligibility(r.Context(), shop, customerID)
	if err != nil {
		h.internalError(w, "check spin error", err, zap.String("customer", customerID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"canSpin": canSpin})
}

type spinRequest struct {
	CustomerID string `json:"customerId"`
	ShopDomain string `json:"shopDomain"`
}

// Spin разыгрывает награду и фиксирует попытку вращения.
func (h *Handler) Spin(w http.ResponseWriter, r *http.Request) {
	var req spinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CustomerID == "" || !validation.IsValidShopDomain(req.ShopDomain) {
		writeError(w, http.StatusBadRequest, "customer id and shop domain required")
		return
	}

	result, err := h.service.Spin(r.Context(), req.ShopDomain, req.CustomerID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSpinNotEligible):
			writeError(w, http.StatusForbidden, "spin not available")
		case errors.Is(err, service.ErrNoRewardsConfigured):
			writeError(w, http.StatusConflict, "no rewards configured")
		default:
			h.internalError(w, "spin error", err, zap.String("customer", req.CustomerID))
		}
		return
	}

	resp := map[string]any{
		"success": true,
		"won":     result.Won,
		"reward": map[string]any{
			"id":    result.Reward.ID,
			"type":  string(result.Reward.Type),
			"value": result.Reward.Value,
			"label": result.Reward.Label,
			"color": result.Reward.Color,
		},
	}
	if result.DiscountCode != "" {
		resp["discountCode"] = result.DiscountCode
	}
	if result.PointsAwarded > 0 {
		resp["pointsAwarded"] = result.PointsAwarded
	}

	writeJSON(w, http.StatusOK, resp)
}

type spinHistoryResponse struct {
	RewardType   string     `json:"rewardType"`
	RewardValue  float64    `json:"rewardValue"`
	RewardLabel  string     `json:"rewardLabel"`
	DiscountCode string     `json:"discountCode,omitempty"`
	IsRedeemed   bool       `json:"isRedeemed"`
	RedeemedAt   *time.Time `json:"redeemedAt,omitempty"`
	ExpiresAt    string     `json:"expiresAt"`
	CreatedAt    string     `json:"createdAt"`
}

// ListSpins возвращает историю вращений покупателя.
func (h *Handler) ListSpins(w http.ResponseWriter, r *http.Request) {
	shop, ok := shopFromQuery(w, r)
	if !ok {
		return
	}
	customerID := chi.URLParam(r, "customerID")

	page, limit := service.NormalizePage(queryInt(r, "page", 1), queryInt(r, "limit", 20), 20)

	spins, total, err := h.service.ListSpins(r.Context(), shop, customerID, page, limit)
	if err != nil {
		h.internalError(w, "list spins error", err, zap.String("customer", customerID))
		return
	}

	resp := make([]spinHistoryResponse, 0, len(spins))
	for _, s := range spins {
		resp = append(resp, spinHistoryResponse{
			RewardType:   string(s.RewardType),
			RewardValue:  s.RewardValue,
			RewardLabel:  s.RewardLabel,
			DiscountCode: s.DiscountCode,
			IsRedeemed:   s.IsRedeemed,
			RedeemedAt:   s.RedeemedAt,
			ExpiresAt:    s.ExpiresAt.Format(time.RFC3339),
			CreatedAt:    s.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"spins":      resp,
		"pagination": newPagination(page, limit, total),
	})
}
