package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Audit actions recorded by the engine. The log is append-only; rows are
// never updated or deleted.
const (
	AuditCodesDistributed   = "CODES_DISTRIBUTED"
	AuditCodeRedeemed       = "CODE_REDEEMED"
	AuditCodeCancelled      = "CODE_CANCELLED"
	AuditCodeExpired        = "CODE_EXPIRED"
	AuditAffiliateSuspended = "AFFILIATE_SUSPENDED"
	AuditAffiliateActivated = "AFFILIATE_ACTIVATED"
	AuditCommissionApproved = "COMMISSION_APPROVED"
	AuditPayoutInitiated    = "PAYOUT_INITIATED"
	AuditPayoutCompleted    = "PAYOUT_COMPLETED"
	AuditPayoutFailed       = "PAYOUT_FAILED"
	AuditWebhookReceived    = "WEBHOOK_RECEIVED"
	AuditWebhookRejected    = "WEBHOOK_REJECTED"
	AuditBatchInitiated     = "BATCH_INITIATED"
	AuditBatchCompleted     = "BATCH_COMPLETED"
	AuditStatementGenerated = "STATEMENT_GENERATED"
)

type DisbursementAuditLog struct {
	ID          uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	Action      string     `gorm:"size:50;not null;index" json:"action"`
	AffiliateID *uuid.UUID `gorm:"type:uuid;index" json:"affiliate_id,omitempty"`
	EntityType  string     `gorm:"size:50" json:"entity_type"`
	EntityID    string     `gorm:"size:255" json:"entity_id"`
	Actor       string     `gorm:"size:255" json:"actor"`
	Detail      string     `gorm:"type:text" json:"detail"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (l *DisbursementAuditLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
