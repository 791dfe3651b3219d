package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	CodeStatusActive    = "ACTIVE"
	CodeStatusUsed      = "USED"
	CodeStatusExpired   = "EXPIRED"
	CodeStatusCancelled = "CANCELLED"
)

// Why a code was handed out.
const (
	DistributionInitial    = "INITIAL"
	DistributionMonthly    = "MONTHLY"
	DistributionAdminBonus = "ADMIN_BONUS"
)

// AffiliateCode is a single-use discount code tied to one affiliate. ACTIVE
// is the only non-terminal state; codes move ACTIVE -> USED | EXPIRED |
// CANCELLED and never leave a terminal state.
type AffiliateCode struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	AffiliateID uuid.UUID `gorm:"type:uuid;not null;index" json:"affiliate_id"`
	Code        string    `gorm:"size:8;not null;uniqueIndex" json:"code"`
	Status      string    `gorm:"size:20;not null;default:'ACTIVE';index" json:"status"`

	// Percentages frozen at distribution time so later config changes never
	// rewrite the economics of an outstanding code.
	DiscountPercent   float64 `gorm:"not null" json:"discount_percent"`
	CommissionPercent float64 `gorm:"not null" json:"commission_percent"`

	DistributionReason string    `gorm:"size:20;not null;default:'INITIAL'" json:"distribution_reason"`
	DistributedAt      time.Time `gorm:"not null" json:"distributed_at"`
	ExpiresAt          time.Time `gorm:"not null;index" json:"expires_at"`

	UsedAt         *time.Time `json:"used_at,omitempty"`
	UsedBy         *string    `gorm:"size:255" json:"used_by,omitempty"`
	SubscriptionID *string    `gorm:"size:255" json:"subscription_id,omitempty"`

	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	CancelledReason *string    `gorm:"type:text" json:"cancelled_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Affiliate AffiliateProfile `gorm:"foreignKey:AffiliateID" json:"-"`
}

func (c *AffiliateCode) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
