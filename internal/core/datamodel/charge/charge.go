package charge

import (
	"time"

	"github.com/shopspring/decimal"
)

// Charge is the persisted row for a charge. Timestamps are written by the
// repository so the same struct migrates cleanly on postgres and sqlite.
type Charge struct {
	ID                  string          `gorm:"primaryKey;type:varchar(36)"`
	MerchantID          string          `gorm:"column:merchant_id;type:varchar(64);not null;index:idx_charges_merchant_created,priority:1"`
	ClientLabel         string          `gorm:"column:client_label;type:varchar(120);not null"`
	Amount              decimal.Decimal `gorm:"column:amount;type:numeric(14,2);not null"`
	Message             string          `gorm:"column:message;type:text"`
	Status              string          `gorm:"column:status;type:varchar(16);not null;index"`
	ExternalReference   *string         `gorm:"column:external_reference;type:varchar(128);uniqueIndex"`
	CollectionStartedAt *time.Time      `gorm:"column:collection_started_at"`
	CreatedAt           time.Time       `gorm:"column:created_at;not null;index:idx_charges_merchant_created,priority:2"`
	UpdatedAt           time.Time       `gorm:"column:updated_at;not null"`
}

func (Charge) TableName() string {
	return "charges"
}

// Transition is one committed status change, appended in the same
// transaction as the compare-and-set that produced it.
type Transition struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	ChargeID   string    `gorm:"column:charge_id;type:varchar(36);not null;index"`
	MerchantID string    `gorm:"column:merchant_id;type:varchar(64);not null"`
	FromStatus string    `gorm:"column:from_status;type:varchar(16);not null"`
	ToStatus   string    `gorm:"column:to_status;type:varchar(16);not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

func (Transition) TableName() string {
	return "charge_transitions"
}
