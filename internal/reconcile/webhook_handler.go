package reconcile

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/frahmantamala/pixflow/internal"
	gatewaytypes "github.com/frahmantamala/pixflow/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/pixflow/internal/paymentgateway"
	"github.com/frahmantamala/pixflow/internal/transport"
)

const WebhookTokenHeader = "X-Webhook-Token"

type Observer interface {
	Observe(ctx context.Context, reference string, status gatewaytypes.SettlementStatus) error
}

type WebhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// WebhookHandler accepts settlement notifications pushed by the processor and
// feeds them into the same path a poll result takes.
type WebhookHandler struct {
	*transport.BaseHandler
	observer Observer
	secret   string
	logger   *slog.Logger
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, observer Observer, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: baseHandler,
		observer:    observer,
		secret:      secret,
		logger:      logger,
	}
}

func (h *WebhookHandler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.logger.Warn("webhook rejected, bad token", "remote_addr", r.RemoteAddr)
		h.HandleError(w, r, internal.ErrUnauthorized)
		return
	}

	var n gatewaytypes.Notification
	if err := h.DecodeJSON(r, &n); err != nil {
		h.logger.Warn("invalid webhook body", "error", err)
		h.HandleError(w, r, err)
		return
	}
	n.Reference = strings.TrimSpace(n.Reference)
	if n.Reference == "" {
		h.HandleError(w, r, internal.NewValidationFieldError("external_reference", "external_reference is required", internal.ErrCodeValidationFailed))
		return
	}

	status, ok := paymentgateway.MapProcessorStatus(n.Status)
	if !ok {
		h.HandleError(w, r, internal.ErrInvalidStatus.WithMessage("unknown settlement status "+n.Status))
		return
	}

	h.logger.Info("received settlement notification",
		"external_reference", n.Reference,
		"status", status)

	if err := h.observer.Observe(r.Context(), n.Reference, status); err != nil {
		if errors.Is(err, internal.ErrNotFound) {
			h.HandleError(w, r, internal.ErrNotFound.WithMessage("no charge carries this reference"))
			return
		}
		h.logger.Error("failed to apply settlement notification",
			"error", err,
			"external_reference", n.Reference,
			"status", status)
		h.HandleError(w, r, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, WebhookResponse{
		Status:  "success",
		Message: "notification processed",
	})
}

// authorized compares the shared secret in constant time. An empty secret
// disables the endpoint.
func (h *WebhookHandler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return false
	}
	got := r.Header.Get(WebhookTokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}
