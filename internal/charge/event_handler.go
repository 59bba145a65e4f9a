package charge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/pixflow/internal/core/events"
	"github.com/frahmantamala/pixflow/internal/metrics"
)

// EventHandler records committed charge events. Gateway transitions are
// counted by the reconciler itself, so only manual ones are counted here.
type EventHandler struct {
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewEventHandler(m *metrics.Metrics, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		metrics: m,
		logger:  logger,
	}
}

func (h *EventHandler) HandleChargeTransitioned(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.ChargeTransitionedEvent)
	if !ok {
		h.logger.Error("invalid event type for charge transition handler", "event_type", event.EventType())
		return fmt.Errorf("expected ChargeTransitionedEvent, got %T", event)
	}

	if e.Origin == events.OriginManual {
		h.metrics.ObserveTransition(e.From, e.To, e.Origin)
	}

	h.logger.Info("charge notification",
		"event_id", e.EventID(),
		"event_type", e.EventType(),
		"charge_id", e.ChargeID,
		"merchant_id", e.MerchantID,
		"from", e.From,
		"to", e.To,
		"origin", e.Origin,
		"external_reference", e.ExternalReference)

	return nil
}

func (h *EventHandler) HandleCollectionEnded(ctx context.Context, event events.Event) error {
	e, ok := event.(*events.CollectionEndedEvent)
	if !ok {
		h.logger.Error("invalid event type for collection ended handler", "event_type", event.EventType())
		return fmt.Errorf("expected CollectionEndedEvent, got %T", event)
	}

	h.logger.Info("collection ended, charge still pending",
		"event_id", e.EventID(),
		"charge_id", e.ChargeID,
		"merchant_id", e.MerchantID,
		"external_reference", e.ExternalReference,
		"outcome", e.Outcome)

	return nil
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	transitioned := []string{
		events.EventTypeChargePaid,
		events.EventTypeChargeCanceled,
		events.EventTypeChargeReverted,
	}
	for _, t := range transitioned {
		eventBus.Subscribe(t, h.HandleChargeTransitioned)
	}
	eventBus.Subscribe(events.EventTypeChargeCollectionEnded, h.HandleCollectionEnded)

	h.logger.Info("charge event handlers registered",
		"handlers", append(transitioned, events.EventTypeChargeCollectionEnded))
}
