package charge

import (
	"strings"

	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/pixflow/internal"
	"github.com/frahmantamala/pixflow/internal/core/common/validation"
)

// CreateChargeDTO is the request payload for recording a new charge. Amount
// accepts either a JSON string ("50.00") or number.
type CreateChargeDTO struct {
	ClientLabel string          `json:"client_label"`
	Amount      decimal.Decimal `json:"amount"`
	Message     string          `json:"message"`
}

func (dto *CreateChargeDTO) Normalize() {
	dto.ClientLabel = strings.TrimSpace(dto.ClientLabel)
	dto.Message = strings.TrimSpace(dto.Message)
}

func (dto CreateChargeDTO) Validate() error {
	if !dto.Amount.IsPositive() {
		return errors.ErrInvalidAmount
	}
	if err := validation.ValidateChargeAmount(dto.Amount); err != nil {
		return err
	}
	if err := validation.ValidateChargeText(dto.ClientLabel, dto.Message); err != nil {
		return err
	}
	return nil
}

type UpdateStatusDTO struct {
	Status string `json:"status"`
}

func (dto UpdateStatusDTO) Validate() error {
	if !Status(dto.Status).Valid() {
		return errors.ErrInvalidStatus
	}
	return nil
}

type ChargesResponse struct {
	Charges []*Charge `json:"charges"`
	Total   int       `json:"total"`
}

type CollectionResponse struct {
	Charge            *Charge `json:"charge"`
	ExternalReference string  `json:"external_reference"`
}

type TransitionsResponse struct {
	ChargeID    string       `json:"charge_id"`
	Transitions []Transition `json:"transitions"`
}
