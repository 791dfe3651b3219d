package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	CommissionStatusPending   = "PENDING"
	CommissionStatusApproved  = "APPROVED"
	CommissionStatusPaid      = "PAID"
	CommissionStatusCancelled = "CANCELLED"
)

// Commission records the money owed to an affiliate for one redemption.
// Status is monotonic: PENDING -> APPROVED -> PAID, or -> CANCELLED from
// PENDING/APPROVED only. Exactly one commission may exist per code; the
// uniqueIndex on CodeID backs that up at the database level.
type Commission struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	AffiliateID uuid.UUID `gorm:"type:uuid;not null;index" json:"affiliate_id"`
	CodeID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"code_id"`

	PayerUserID    string `gorm:"size:255;not null" json:"payer_user_id"`
	SubscriptionID string `gorm:"size:255;not null" json:"subscription_id"`

	GrossRevenue     decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"gross_revenue"`
	DiscountAmount   decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"discount_amount"`
	NetRevenue       decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"net_revenue"`
	CommissionAmount decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"commission_amount"`
	Currency         string          `gorm:"size:3;not null;default:'USD'" json:"currency"`

	Status   string    `gorm:"size:20;not null;default:'PENDING';index" json:"status"`
	EarnedAt time.Time `gorm:"not null" json:"earned_at"`

	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	PaidAt       *time.Time `json:"paid_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelReason *string    `gorm:"type:text" json:"cancel_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Affiliate AffiliateProfile `gorm:"foreignKey:AffiliateID" json:"-"`
	Code      AffiliateCode    `gorm:"foreignKey:CodeID" json:"-"`
}

func (c *Commission) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
