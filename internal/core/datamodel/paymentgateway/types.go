package paymentgateway

import (
	"errors"

	"github.com/shopspring/decimal"
)

// SettlementStatus is the processor-neutral state of a collection attempt.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementSettled SettlementStatus = "settled"
	SettlementExpired SettlementStatus = "expired"
	SettlementFailed  SettlementStatus = "failed"
)

func (s SettlementStatus) Valid() bool {
	switch s {
	case SettlementPending, SettlementSettled, SettlementExpired, SettlementFailed:
		return true
	}
	return false
}

// Terminal reports whether the processor will never change this status again.
func (s SettlementStatus) Terminal() bool {
	return s == SettlementSettled || s == SettlementExpired || s == SettlementFailed
}

// IssueRequest asks the processor for a collection handle for one charge.
type IssueRequest struct {
	ChargeID    string          `json:"charge_id"`
	MerchantID  string          `json:"merchant_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

func (r *IssueRequest) Validate() error {
	if r.ChargeID == "" {
		return errors.New("charge_id is required")
	}
	if r.MerchantID == "" {
		return errors.New("merchant_id is required")
	}
	if !r.Amount.IsPositive() {
		return errors.New("amount must be greater than 0")
	}
	return nil
}

type IssueResponse struct {
	Reference string `json:"reference"`
}

type StatusResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// Notification is the body a processor pushes to the webhook endpoint.
type Notification struct {
	Reference string `json:"external_reference"`
	Status    string `json:"status"`
}
