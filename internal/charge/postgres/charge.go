package postgres

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/frahmantamala/pixflow/internal"
	"github.com/frahmantamala/pixflow/internal/charge"
	chargeDatamodel "github.com/frahmantamala/pixflow/internal/core/datamodel/charge"
)

// ChargeRepository implements charge.RepositoryAPI on gorm. It runs on
// postgres in production and on sqlite for local runs and tests.
type ChargeRepository struct {
	db  *gorm.DB
	now func() time.Time
}

var _ charge.RepositoryAPI = (*ChargeRepository)(nil)

func NewChargeRepository(db *gorm.DB) *ChargeRepository {
	return &ChargeRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the timestamp source.
func (r *ChargeRepository) WithClock(now func() time.Time) *ChargeRepository {
	r.now = now
	return r
}

func (r *ChargeRepository) Create(merchantID, clientLabel string, amount decimal.Decimal, message string) (*charge.Charge, error) {
	if !amount.IsPositive() {
		return nil, internal.ErrInvalidAmount
	}

	now := r.now()
	row := &chargeDatamodel.Charge{
		ID:          uuid.NewString(),
		MerchantID:  merchantID,
		ClientLabel: clientLabel,
		Amount:      amount,
		Message:     message,
		Status:      string(charge.StatusPending),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.db.Create(row).Error; err != nil {
		return nil, err
	}
	return charge.FromDataModel(row), nil
}

func (r *ChargeRepository) GetByID(merchantID, id string) (*charge.Charge, error) {
	row, err := r.find(r.db, merchantID, id)
	if err != nil {
		return nil, err
	}
	return charge.FromDataModel(row), nil
}

func (r *ChargeRepository) find(tx *gorm.DB, merchantID, id string) (*chargeDatamodel.Charge, error) {
	var row chargeDatamodel.Charge
	err := tx.Where("id = ? AND merchant_id = ?", id, merchantID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (r *ChargeRepository) ListByMerchant(merchantID string) ([]*charge.Charge, error) {
	var rows []*chargeDatamodel.Charge
	err := r.db.Where("merchant_id = ?", merchantID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomain(rows), nil
}

// CompareAndSetStatus moves the charge only if its stored status still equals
// expected. The conditional UPDATE is the serialization point between the
// manual path and the poller; the audit row is written in the same transaction.
func (r *ChargeRepository) CompareAndSetStatus(merchantID, id string, expected, next charge.Status) (*charge.Charge, error) {
	if !charge.CanTransition(expected, next) {
		return nil, internal.ErrWrongState
	}

	var updated *chargeDatamodel.Charge
	err := r.db.Transaction(func(tx *gorm.DB) error {
		now := r.now()
		res := tx.Model(&chargeDatamodel.Charge{}).
			Where("id = ? AND merchant_id = ? AND status = ?", id, merchantID, string(expected)).
			Updates(map[string]interface{}{
				"status":     string(next),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if _, err := r.find(tx, merchantID, id); err != nil {
				return err
			}
			return internal.ErrConflict
		}

		audit := &chargeDatamodel.Transition{
			ChargeID:   id,
			MerchantID: merchantID,
			FromStatus: string(expected),
			ToStatus:   string(next),
			CreatedAt:  now,
		}
		if err := tx.Create(audit).Error; err != nil {
			return err
		}

		row, err := r.find(tx, merchantID, id)
		if err != nil {
			return err
		}
		updated = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return charge.FromDataModel(updated), nil
}

// AttachExternalReference sets the reference once. Repeating the same value
// is a no-op; a different value is a conflict.
func (r *ChargeRepository) AttachExternalReference(merchantID, id, reference string) (*charge.Charge, error) {
	if reference == "" {
		return nil, internal.NewValidationFieldError("external_reference", "external_reference is required", internal.ErrCodeValidationFailed)
	}

	var attached *chargeDatamodel.Charge
	err := r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&chargeDatamodel.Charge{}).
			Where("id = ? AND merchant_id = ? AND external_reference IS NULL", id, merchantID).
			Updates(map[string]interface{}{
				"external_reference":    reference,
				"collection_started_at": r.now(),
			})
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
				return internal.ErrConflict.WithCause(res.Error)
			}
			return res.Error
		}

		row, err := r.find(tx, merchantID, id)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 && (row.ExternalReference == nil || *row.ExternalReference != reference) {
			return internal.ErrConflict.WithMessage("charge already has a different external reference")
		}
		attached = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return charge.FromDataModel(attached), nil
}

func (r *ChargeRepository) Transitions(merchantID, id string) ([]charge.Transition, error) {
	var rows []*chargeDatamodel.Transition
	err := r.db.Where("charge_id = ? AND merchant_id = ?", id, merchantID).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]charge.Transition, 0, len(rows))
	for _, row := range rows {
		out = append(out, charge.TransitionFromDataModel(row))
	}
	return out, nil
}

func (r *ChargeRepository) FindByExternalReference(reference string) (*charge.Charge, error) {
	var row chargeDatamodel.Charge
	err := r.db.Where("external_reference = ?", reference).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrNotFound
		}
		return nil, err
	}
	return charge.FromDataModel(&row), nil
}

// ListCollecting returns every pending charge that has a reference, across
// merchants, oldest collection first.
func (r *ChargeRepository) ListCollecting() ([]*charge.Charge, error) {
	var rows []*chargeDatamodel.Charge
	err := r.db.Where("status = ? AND external_reference IS NOT NULL", string(charge.StatusPending)).
		Order("collection_started_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomain(rows), nil
}

func toDomain(rows []*chargeDatamodel.Charge) []*charge.Charge {
	out := make([]*charge.Charge, 0, len(rows))
	for _, row := range rows {
		out = append(out, charge.FromDataModel(row))
	}
	return out
}
