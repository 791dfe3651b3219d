package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	ProfileStatusPendingVerification = "PENDING_VERIFICATION"
	ProfileStatusActive              = "ACTIVE"
	ProfileStatusSuspended           = "SUSPENDED"
	ProfileStatusInactive            = "INACTIVE"
)

const (
	TierFree = "FREE"
	TierPro  = "PRO"
)

const (
	KYCStatusPending  = "PENDING"
	KYCStatusApproved = "APPROVED"
	KYCStatusRejected = "REJECTED"
)

// AffiliateProfile is owned by the affiliate-management system; this engine
// only mutates the status, counters and balances as codes are distributed,
// redeemed and paid out.
type AffiliateProfile struct {
	ID       uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	FullName string    `gorm:"size:255;not null" json:"full_name"`
	Email    string    `gorm:"size:255;not null;uniqueIndex" json:"email"`
	Status   string    `gorm:"size:30;not null;default:'PENDING_VERIFICATION'" json:"status"`
	Tier     string    `gorm:"size:10;not null;default:'FREE'" json:"tier"`

	TotalEarnings      decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"total_earnings"`
	PendingCommissions decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"pending_commissions"`
	PaidCommissions    decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"paid_commissions"`

	TotalCodesDistributed int `gorm:"not null;default:0" json:"total_codes_distributed"`
	TotalCodesUsed        int `gorm:"not null;default:0" json:"total_codes_used"`

	// Payee identity on the external payout rail.
	PaymentMethod  string `gorm:"size:30" json:"payment_method"`
	PayeeID        string `gorm:"size:255" json:"payee_id"`
	PayoutCurrency string `gorm:"size:3;not null;default:'USD'" json:"payout_currency"`
	KYCStatus      string `gorm:"size:20;not null;default:'PENDING'" json:"kyc_status"`

	SuspendedReason *string    `gorm:"type:text" json:"suspended_reason,omitempty"`
	SuspendedAt     *time.Time `json:"suspended_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *AffiliateProfile) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
