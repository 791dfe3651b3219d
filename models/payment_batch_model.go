package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	BatchStatusProcessing = "PROCESSING"
	BatchStatusCompleted  = "COMPLETED"
	BatchStatusPartial    = "PARTIALLY_COMPLETED"
	BatchStatusFailed     = "FAILED"
)

// PaymentBatch groups the disbursement transactions created by one batch
// payout run. Items settle independently; the batch status is a rollup.
type PaymentBatch struct {
	ID          uuid.UUID       `gorm:"type:uuid;primary_key" json:"id"`
	Provider    string          `gorm:"size:30;not null" json:"provider"`
	Status      string          `gorm:"size:30;not null;default:'PROCESSING'" json:"status"`
	TotalAmount decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"total_amount"`
	Currency    string          `gorm:"size:3;not null;default:'USD'" json:"currency"`

	RequestedCount int `gorm:"not null;default:0" json:"requested_count"`
	SuccessCount   int `gorm:"not null;default:0" json:"success_count"`
	FailedCount    int `gorm:"not null;default:0" json:"failed_count"`

	InitiatedBy string     `gorm:"size:255" json:"initiated_by"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Transactions []DisbursementTransaction `gorm:"foreignKey:BatchID" json:"transactions,omitempty"`
}

func (b *PaymentBatch) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}
