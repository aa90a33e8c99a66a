package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/AlfredDev/sentrybox/middleware"
	"github.com/AlfredDev/sentrybox/payment"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PaymentHandler serves POST /payment/webhook and the checkout order
// creation step that precedes it.
type PaymentHandler struct {
	payments     *payment.Handler
	orders       *payment.Store
	signatureHdr string
	logger       zerolog.Logger
}

func NewPaymentHandler(payments *payment.Handler, orders *payment.Store, signatureHeader string, logger zerolog.Logger) *PaymentHandler {
	if signatureHeader == "" {
		signatureHeader = "X-Razorpay-Signature"
	}
	return &PaymentHandler{payments: payments, orders: orders, signatureHdr: signatureHeader, logger: logger.With().Str("component", "payment_handler").Logger()}
}

// CreateOrder handles POST /user/payment/order. It opens a Payment row in
// the created state before the gateway is ever involved, so the webhook
// has a trustworthy order to resolve against instead of the callback
// body's self-reported owner and plan.
func (h *PaymentHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetUserID(r.Context())
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "session required")
		return
	}

	var body struct {
		PlanID string `json:"planId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed request body")
		return
	}

	order, err := h.orders.CreateOrder(r.Context(), owner, uuid.NewString(), body.PlanID)
	if err != nil {
		if errors.Is(err, payment.ErrUnknownPlan) {
			writeError(w, http.StatusBadRequest, "UNKNOWN_PLAN", "unrecognized plan id")
			return
		}
		h.logger.Error().Err(err).Str("owner", owner).Msg("failed to create payment order")
		writeError(w, http.StatusInternalServerError, CodeInternal, "could not create order")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":     true,
		"orderId":     order.GatewayOrderID,
		"planId":      order.PlanID,
		"amountPaise": order.AmountPaise,
		"currency":    order.Currency,
	})
}

// Webhook handles POST /payment/webhook. The raw body is read before any
// JSON decoding so the signature check runs over exact wire bytes.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "could not read request body")
		return
	}

	sig := r.Header.Get(h.signatureHdr)
	if err := h.payments.VerifySignature(raw, sig); err != nil {
		h.logger.Warn().Err(err).Msg("webhook signature mismatch")
		writeError(w, http.StatusBadRequest, "INVALID_SIGNATURE", "signature verification failed")
		return
	}

	var evt payment.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed webhook body")
		return
	}

	switch evt.Type {
	case "payment.captured":
		if _, err := h.payments.HandleCaptured(r.Context(), evt); err != nil {
			if errors.Is(err, payment.ErrUnknownOrder) {
				writeError(w, http.StatusNotFound, "UNKNOWN_ORDER", "order does not belong to this service")
				return
			}
			if errors.Is(err, payment.ErrUnknownPlan) {
				writeError(w, http.StatusNotFound, "UNKNOWN_PLAN", "unrecognized plan id")
				return
			}
			h.logger.Error().Err(err).Str("order_id", evt.OrderID).Msg("failed to apply captured payment")
			writeError(w, http.StatusInternalServerError, CodeInternal, "could not apply payment")
			return
		}
	case "payment.failed":
		h.payments.HandleFailed(r.Context(), evt)
	default:
		// Unknown event types are acknowledged, not rejected — the gateway
		// adds new event types over time and retries on non-2xx.
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
