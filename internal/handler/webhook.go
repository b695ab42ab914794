package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-spin-system/internal/service"
	"github.com/mmeshcher/loyalty-spin-system/internal/validation"
)

// Заголовки вебхуков Shopify.
const (
	headerHmac       = "X-Shopify-Hmac-Sha256"
	headerShopDomain = "X-Shopify-Shop-Domain"
)

// verifyWebhook читает тело запроса и проверяет его HMAC-подпись.
// При неверной подписи запрос отклоняется с кодом 401.
func (h *Handler) verifyWebhook(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, "", false
	}

	if !h.verifier.Verify(body, r.Header.Get(headerHmac)) {
		h.logger.Warn("webhook signature verification failed",
			zap.String("shop", r.Header.Get(headerShopDomain)))
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return nil, "", false
	}

	shop := r.Header.Get(headerShopDomain)
	if !validation.IsValidShopDomain(shop) {
		writeError(w, http.StatusBadRequest, "valid shop domain header required")
		return nil, "", false
	}

	return body, shop, true
}

// OrderCreateWebhook начисляет баллы за новый заказ.
func (h *Handler) OrderCreateWebhook(w http.ResponseWriter, r *http.Request) {
	body, shop, ok := h.verifyWebhook(w, r)
	if !ok {
		return
	}

	var order service.OrderEvent
	if err := json.Unmarshal(body, &order); err != nil {
		writeError(w, http.StatusBadRequest, "invalid order payload")
		return
	}

	if err := h.service.ProcessOrderCreate(r.Context(), shop, order); err != nil {
		h.internalError(w, "order create webhook error", err,
			zap.String("shop", shop), zap.Int64("order", order.ID))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// OrderUpdateWebhook откатывает баллы по отменённому заказу.
func (h *Handler) OrderUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	body, shop, ok := h.verifyWebhook(w, r)
	if !ok {
		return
	}

	var order service.OrderEvent
	if err := json.Unmarshal(body, &order); err != nil {
		writeError(w, http.StatusBadRequest, "invalid order payload")
		return
	}

	if err := h.service.ProcessOrderUpdate(r.Context(), shop, order); err != nil {
		h.internalError(w, "order update webhook error", err,
			zap.String("shop", shop), zap.Int64("order", order.ID))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
