package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	TxStatusPending    = "PENDING"
	TxStatusProcessing = "PROCESSING"
	TxStatusCompleted  = "COMPLETED"
	TxStatusFailed     = "FAILED"
)

// DisbursementTransaction is the engine-side record of one payout attempt
// for one commission. IdempotencyKey identifies the attempt to the provider
// for de-duplication; a retry after a definitive failure gets a fresh key so
// the rail does not replay the rejection. ProviderTxID is the provider's
// handle once the money is in flight.
type DisbursementTransaction struct {
	ID           uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	BatchID      *uuid.UUID `gorm:"type:uuid;index" json:"batch_id,omitempty"`
	AffiliateID  uuid.UUID  `gorm:"type:uuid;not null;index" json:"affiliate_id"`
	CommissionID uuid.UUID  `gorm:"type:uuid;not null;index" json:"commission_id"`

	Provider       string          `gorm:"size:30;not null" json:"provider"`
	ProviderTxID   string          `gorm:"size:255;index" json:"provider_tx_id"`
	IdempotencyKey string          `gorm:"size:255;not null;uniqueIndex" json:"idempotency_key"`
	Amount         decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Currency       string          `gorm:"size:3;not null;default:'USD'" json:"currency"`

	Status        string `gorm:"size:20;not null;default:'PENDING';index" json:"status"`
	FailureReason string `gorm:"type:text" json:"failure_reason,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *DisbursementTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// Terminal reports whether the transaction has reached a final state.
func (t *DisbursementTransaction) Terminal() bool {
	return t.Status == TxStatusCompleted || t.Status == TxStatusFailed
}
