package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CommissionStatement is the stored record of one generated monthly
// statement PDF. At most one statement exists per affiliate per period;
// regeneration returns the existing row.
type CommissionStatement struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	AffiliateID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_statement_affiliate_period" json:"affiliate_id"`
	Period      string    `gorm:"size:7;not null;uniqueIndex:idx_statement_affiliate_period" json:"period"`

	LineCount       int             `gorm:"not null" json:"line_count"`
	TotalCommission decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"total_commission"`
	TotalPaidOut    decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"total_paid_out"`
	Currency        string          `gorm:"size:3;not null;default:'USD'" json:"currency"`

	StatementURL string    `gorm:"size:512;not null" json:"statement_url"`
	GeneratedAt  time.Time `gorm:"not null" json:"generated_at"`

	CreatedAt time.Time `json:"created_at"`
}

func (s *CommissionStatement) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
