package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeChargePaid            = "charge.paid"
	EventTypeChargeCanceled        = "charge.canceled"
	EventTypeChargeReverted        = "charge.reverted"
	EventTypeChargeCollectionEnded = "charge.collection_ended"
)

const (
	OriginManual  = "manual"
	OriginGateway = "gateway"
)

// ChargeTransitionedEvent is published once per committed status change.
type ChargeTransitionedEvent struct {
	BaseEvent
	ChargeID          string `json:"charge_id"`
	MerchantID        string `json:"merchant_id"`
	From              string `json:"from"`
	To                string `json:"to"`
	Origin            string `json:"origin"`
	ExternalReference string `json:"external_reference,omitempty"`
}

// TransitionEventType picks the event type from the status a charge moved to.
func TransitionEventType(to string) string {
	switch to {
	case "paid":
		return EventTypeChargePaid
	case "canceled":
		return EventTypeChargeCanceled
	default:
		return EventTypeChargeReverted
	}
}

func NewChargeTransitionedEvent(chargeID, merchantID, from, to, origin, reference string) *ChargeTransitionedEvent {
	return &ChargeTransitionedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      TransitionEventType(to),
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"charge_id":          chargeID,
				"merchant_id":        merchantID,
				"from":               from,
				"to":                 to,
				"origin":             origin,
				"external_reference": reference,
			},
		},
		ChargeID:          chargeID,
		MerchantID:        merchantID,
		From:              from,
		To:                to,
		Origin:            origin,
		ExternalReference: reference,
	}
}

// CollectionEndedEvent reports that the processor closed a collection attempt
// without settling it; the charge itself stays pending.
type CollectionEndedEvent struct {
	BaseEvent
	ChargeID          string `json:"charge_id"`
	MerchantID        string `json:"merchant_id"`
	ExternalReference string `json:"external_reference"`
	Outcome           string `json:"outcome"`
}

func NewCollectionEndedEvent(chargeID, merchantID, reference, outcome string) *CollectionEndedEvent {
	return &CollectionEndedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeChargeCollectionEnded,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"charge_id":          chargeID,
				"merchant_id":        merchantID,
				"external_reference": reference,
				"outcome":            outcome,
			},
		},
		ChargeID:          chargeID,
		MerchantID:        merchantID,
		ExternalReference: reference,
		Outcome:           outcome,
	}
}
