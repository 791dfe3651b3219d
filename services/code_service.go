package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	config "github.com/pipalerts/affiliate_engine/configs"
	"github.com/pipalerts/affiliate_engine/errs"
	"github.com/pipalerts/affiliate_engine/models"
	"github.com/pipalerts/affiliate_engine/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	MinDistributionCount = 1
	MaxDistributionCount = 50
)

// CodeService owns the affiliate-code lifecycle: distribution, redemption,
// cancellation, expiry, and the affiliate suspend/reactivate toggle.
type CodeService struct {
	db *gorm.DB

	// Now is the clock; tests may replace it.
	Now func() time.Time

	// GenerateCode produces candidate code strings; tests may replace it.
	GenerateCode func(tx *gorm.DB) (string, error)
}

func NewCodeService(db *gorm.DB) *CodeService {
	return &CodeService{db: db, Now: time.Now, GenerateCode: utils.GenerateUniqueCode}
}

// EndOfMonth returns the final instant (23:59:59.999) of t's calendar month
// in UTC. Codes distributed at any point in a month all expire together.
func EndOfMonth(t time.Time) time.Time {
	t = t.UTC()
	firstOfNext := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return firstOfNext.Add(-time.Millisecond)
}

func recordAudit(tx *gorm.DB, entry models.DisbursementAuditLog) error {
	return tx.Create(&entry).Error
}

func validDistributionReason(reason string) bool {
	switch reason {
	case models.DistributionInitial, models.DistributionMonthly, models.DistributionAdminBonus:
		return true
	}
	return false
}

// DistributeCodes creates count single-use codes for an active affiliate,
// freezing the current discount/commission percentages onto each one. Code
// creation and the distributed-counter increment commit atomically.
func (s *CodeService) DistributeCodes(affiliateID uuid.UUID, count int, reason string) ([]models.AffiliateCode, error) {
	if count < MinDistributionCount || count > MaxDistributionCount {
		return nil, errs.Validation("count must be between %d and %d", MinDistributionCount, MaxDistributionCount)
	}
	if !validDistributionReason(reason) {
		return nil, errs.Validation("invalid distribution reason: %q", reason)
	}

	// Snapshot the live rates once for the whole call; every code in this
	// distribution carries the same economics.
	discountPercent := config.CurrentDiscountPercent()
	commissionPercent := config.CurrentCommissionPercent()

	now := s.Now().UTC()
	expiresAt := EndOfMonth(now)

	var codes []models.AffiliateCode
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var profile models.AffiliateProfile
		if err := tx.Where("id = ?", affiliateID).First(&profile).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.NotFound("affiliate %s not found", affiliateID)
			}
			return err
		}
		if profile.Status != models.ProfileStatusActive {
			return errs.StateConflict("Can only distribute codes to active affiliates")
		}

		for i := 0; i < count; i++ {
			code, err := s.createCode(tx, &profile, discountPercent, commissionPercent, reason, now, expiresAt)
			if err != nil {
				return err
			}
			codes = append(codes, *code)
		}

		if err := tx.Model(&models.AffiliateProfile{}).
			Where("id = ?", profile.ID).
			Update("total_codes_distributed", gorm.Expr("total_codes_distributed + ?", count)).Error; err != nil {
			return err
		}

		return recordAudit(tx, models.DisbursementAuditLog{
			Action:      models.AuditCodesDistributed,
			AffiliateID: &profile.ID,
			EntityType:  "affiliate_code",
			Actor:       "system",
			Detail:      fmt.Sprintf("distributed %d codes (%s), expiring %s", count, reason, expiresAt.Format(time.RFC3339)),
		})
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// createCode inserts one code, retrying on a uniqueness race. The generator
// pre-check is advisory; the uniqueIndex on the column is the safety net.
func (s *CodeService) createCode(tx *gorm.DB, profile *models.AffiliateProfile, discountPercent, commissionPercent float64, reason string, now, expiresAt time.Time) (*models.AffiliateCode, error) {
	for attempt := 0; attempt < utils.MaxGenerationAttempts; attempt++ {
		codeStr, err := s.GenerateCode(tx)
		if err != nil {
			return nil, err
		}

		code := models.AffiliateCode{
			AffiliateID:        profile.ID,
			Code:               codeStr,
			Status:             models.CodeStatusActive,
			DiscountPercent:    discountPercent,
			CommissionPercent:  commissionPercent,
			DistributionReason: reason,
			DistributedAt:      now,
			ExpiresAt:          expiresAt,
		}
		if err := tx.Create(&code).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				continue
			}
			return nil, err
		}
		return &code, nil
	}
	return nil, errs.GenerationExhausted(utils.MaxGenerationAttempts)
}

// RedeemCode marks a code USED and books the affiliate's commission as one
// atomic unit. Concurrent redemptions of the same code produce exactly one
// winner; the loser gets a state conflict, never a second commission row.
func (s *CodeService) RedeemCode(codeStr, subscriptionID, userID string, basePrice decimal.Decimal) (*models.Commission, error) {
	if codeStr == "" {
		return nil, errs.Validation("code must not be empty")
	}
	if subscriptionID == "" || userID == "" {
		return nil, errs.Validation("subscription id and user id are required")
	}

	now := s.Now().UTC()

	var code models.AffiliateCode
	if err := s.db.Where("code = ?", codeStr).First(&code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("code %q not found", codeStr)
		}
		return nil, err
	}

	switch code.Status {
	case models.CodeStatusUsed:
		return nil, errs.StateConflict("Code has already been used")
	case models.CodeStatusExpired:
		return nil, errs.StateConflict("Code has expired")
	case models.CodeStatusCancelled:
		return nil, errs.StateConflict("Code has been cancelled")
	}

	// Lazy expiry: an ACTIVE code past its deadline transitions here,
	// identically to the scheduled sweep. The transition commits in its own
	// transaction, before the rejection, so the conflict returned to the
	// caller cannot roll it back.
	if now.After(code.ExpiresAt) {
		if err := s.lazyExpire(&code); err != nil {
			return nil, err
		}
		return nil, errs.StateConflict("Code has expired")
	}

	var commission models.Commission
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var profile models.AffiliateProfile
		if err := tx.Where("id = ?", code.AffiliateID).First(&profile).Error; err != nil {
			return err
		}
		if profile.Status != models.ProfileStatusActive {
			return errs.StateConflict("Affiliate account is not active")
		}

		breakdown, err := ComputeBreakdown(basePrice, code.DiscountPercent, code.CommissionPercent)
		if err != nil {
			return err
		}

		// Compare-and-set on status is the exactly-one-winner gate for
		// concurrent redemption attempts.
		res := tx.Model(&models.AffiliateCode{}).
			Where("id = ? AND status = ?", code.ID, models.CodeStatusActive).
			Updates(map[string]interface{}{
				"status":          models.CodeStatusUsed,
				"used_at":         now,
				"used_by":         userID,
				"subscription_id": subscriptionID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.StateConflict("Code has already been used")
		}

		commission = models.Commission{
			AffiliateID:      profile.ID,
			CodeID:           code.ID,
			PayerUserID:      userID,
			SubscriptionID:   subscriptionID,
			GrossRevenue:     breakdown.GrossRevenue,
			DiscountAmount:   breakdown.DiscountAmount,
			NetRevenue:       breakdown.NetRevenue,
			CommissionAmount: breakdown.CommissionAmount,
			Currency:         "USD",
			Status:           models.CommissionStatusPending,
			EarnedAt:         now,
		}
		if err := tx.Create(&commission).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.AffiliateProfile{}).
			Where("id = ?", profile.ID).
			Updates(map[string]interface{}{
				"pending_commissions": gorm.Expr("pending_commissions + ?", breakdown.CommissionAmount),
				"total_earnings":      gorm.Expr("total_earnings + ?", breakdown.CommissionAmount),
				"total_codes_used":    gorm.Expr("total_codes_used + 1"),
			}).Error; err != nil {
			return err
		}

		return recordAudit(tx, models.DisbursementAuditLog{
			Action:      models.AuditCodeRedeemed,
			AffiliateID: &profile.ID,
			EntityType:  "affiliate_code",
			EntityID:    code.ID.String(),
			Actor:       userID,
			Detail:      fmt.Sprintf("code %s redeemed for subscription %s, commission %s", code.Code, subscriptionID, breakdown.CommissionAmount.StringFixed(2)),
		})
	})
	if err != nil {
		return nil, err
	}
	return &commission, nil
}

// CancelCode withdraws an ACTIVE code from circulation.
func (s *CodeService) CancelCode(codeStr, reason string) (*models.AffiliateCode, error) {
	if codeStr == "" {
		return nil, errs.Validation("code must not be empty")
	}

	now := s.Now().UTC()

	var code models.AffiliateCode
	if err := s.db.Where("code = ?", codeStr).First(&code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("code %q not found", codeStr)
		}
		return nil, err
	}

	switch code.Status {
	case models.CodeStatusUsed:
		return nil, errs.StateConflict("Cannot cancel a code that has already been used")
	case models.CodeStatusCancelled:
		return nil, errs.StateConflict("Code is already cancelled")
	case models.CodeStatusExpired:
		return nil, errs.StateConflict("Cannot cancel an expired code")
	}

	// Same committed-before-rejection rule as redemption.
	if now.After(code.ExpiresAt) {
		if err := s.lazyExpire(&code); err != nil {
			return nil, err
		}
		return nil, errs.StateConflict("Cannot cancel an expired code")
	}

	var cancelled models.AffiliateCode
	err := s.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":       models.CodeStatusCancelled,
			"cancelled_at": now,
		}
		if reason != "" {
			updates["cancelled_reason"] = reason
		}
		res := tx.Model(&models.AffiliateCode{}).
			Where("id = ? AND status = ?", code.ID, models.CodeStatusActive).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.StateConflict("Cannot cancel a code that has already been used")
		}

		if err := recordAudit(tx, models.DisbursementAuditLog{
			Action:      models.AuditCodeCancelled,
			AffiliateID: &code.AffiliateID,
			EntityType:  "affiliate_code",
			EntityID:    code.ID.String(),
			Actor:       "admin",
			Detail:      fmt.Sprintf("code %s cancelled: %s", code.Code, reason),
		}); err != nil {
			return err
		}

		return tx.Where("id = ?", code.ID).First(&cancelled).Error
	})
	if err != nil {
		return nil, err
	}
	return &cancelled, nil
}

// expireCode writes the guarded ACTIVE->EXPIRED transition for the
// on-access path, identical to the one the scheduled sweep writes, so
// readers can never observe two different expiry behaviors.
func (s *CodeService) expireCode(tx *gorm.DB, code *models.AffiliateCode) error {
	res := tx.Model(&models.AffiliateCode{}).
		Where("id = ? AND status = ?", code.ID, models.CodeStatusActive).
		Update("status", models.CodeStatusExpired)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race to a concurrent transition; nothing to record.
		return nil
	}
	return recordAudit(tx, models.DisbursementAuditLog{
		Action:      models.AuditCodeExpired,
		AffiliateID: &code.AffiliateID,
		EntityType:  "affiliate_code",
		EntityID:    code.ID.String(),
		Actor:       "system",
		Detail:      fmt.Sprintf("code %s expired at %s", code.Code, code.ExpiresAt.Format(time.RFC3339)),
	})
}

// lazyExpire commits the on-access expiry in a transaction of its own. The
// caller is about to reject its operation with a conflict; that rejection
// must not take the expiry down with it.
func (s *CodeService) lazyExpire(code *models.AffiliateCode) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.expireCode(tx, code)
	})
}

// ExpireDueCodes sweeps every ACTIVE code past its deadline into EXPIRED and
// returns how many transitioned. Safe to run concurrently with redemptions:
// each code is guarded individually.
func (s *CodeService) ExpireDueCodes() (int, error) {
	now := s.Now().UTC()

	expired := 0
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var due []models.AffiliateCode
		if err := tx.Where("status = ? AND expires_at < ?", models.CodeStatusActive, now).Find(&due).Error; err != nil {
			return err
		}
		for i := range due {
			res := tx.Model(&models.AffiliateCode{}).
				Where("id = ? AND status = ?", due[i].ID, models.CodeStatusActive).
				Update("status", models.CodeStatusExpired)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			expired++
			if err := recordAudit(tx, models.DisbursementAuditLog{
				Action:      models.AuditCodeExpired,
				AffiliateID: &due[i].AffiliateID,
				EntityType:  "affiliate_code",
				EntityID:    due[i].ID.String(),
				Actor:       "system",
				Detail:      fmt.Sprintf("code %s expired at %s", due[i].Code, due[i].ExpiresAt.Format(time.RFC3339)),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

// SuspendAffiliate blocks future distribution and redemption for one
// affiliate. The reason is mandatory: it ends up in the audit trail and in
// support conversations.
func (s *CodeService) SuspendAffiliate(id uuid.UUID, reason string) (*models.AffiliateProfile, error) {
	if reason == "" {
		return nil, errs.Validation("a suspension reason is required")
	}

	now := s.Now().UTC()

	var suspended models.AffiliateProfile
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var profile models.AffiliateProfile
		if err := tx.Where("id = ?", id).First(&profile).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.NotFound("affiliate %s not found", id)
			}
			return err
		}
		if profile.Status == models.ProfileStatusSuspended {
			return errs.StateConflict("Affiliate is already suspended")
		}
		if profile.Status != models.ProfileStatusActive {
			return errs.StateConflict("Can only suspend an active affiliate")
		}

		res := tx.Model(&models.AffiliateProfile{}).
			Where("id = ? AND status = ?", profile.ID, models.ProfileStatusActive).
			Updates(map[string]interface{}{
				"status":           models.ProfileStatusSuspended,
				"suspended_reason": reason,
				"suspended_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.StateConflict("Affiliate is already suspended")
		}

		if err := recordAudit(tx, models.DisbursementAuditLog{
			Action:      models.AuditAffiliateSuspended,
			AffiliateID: &profile.ID,
			EntityType:  "affiliate_profile",
			EntityID:    profile.ID.String(),
			Actor:       "admin",
			Detail:      reason,
		}); err != nil {
			return err
		}

		return tx.Where("id = ?", profile.ID).First(&suspended).Error
	})
	if err != nil {
		return nil, err
	}
	return &suspended, nil
}

// ReactivateAffiliate returns a suspended (or still-pending) affiliate to
// ACTIVE and clears the suspension fields.
func (s *CodeService) ReactivateAffiliate(id uuid.UUID) (*models.AffiliateProfile, error) {
	var activated models.AffiliateProfile
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var profile models.AffiliateProfile
		if err := tx.Where("id = ?", id).First(&profile).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.NotFound("affiliate %s not found", id)
			}
			return err
		}
		if profile.Status == models.ProfileStatusActive {
			return errs.StateConflict("Affiliate is already active")
		}
		if profile.Status != models.ProfileStatusSuspended && profile.Status != models.ProfileStatusPendingVerification {
			return errs.StateConflict("Can only activate a suspended or pending affiliate")
		}

		res := tx.Model(&models.AffiliateProfile{}).
			Where("id = ? AND status = ?", profile.ID, profile.Status).
			Updates(map[string]interface{}{
				"status":           models.ProfileStatusActive,
				"suspended_reason": nil,
				"suspended_at":     nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.StateConflict("Affiliate status changed concurrently, retry")
		}

		if err := recordAudit(tx, models.DisbursementAuditLog{
			Action:      models.AuditAffiliateActivated,
			AffiliateID: &profile.ID,
			EntityType:  "affiliate_profile",
			EntityID:    profile.ID.String(),
			Actor:       "admin",
		}); err != nil {
			return err
		}

		return tx.Where("id = ?", profile.ID).First(&activated).Error
	})
	if err != nil {
		return nil, err
	}
	return &activated, nil
}

// GetAffiliate fetches one profile.
func (s *CodeService) GetAffiliate(id uuid.UUID) (*models.AffiliateProfile, error) {
	var profile models.AffiliateProfile
	if err := s.db.Where("id = ?", id).First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("affiliate %s not found", id)
		}
		return nil, err
	}
	return &profile, nil
}

// ListAffiliateCodes returns an affiliate's codes, newest first.
func (s *CodeService) ListAffiliateCodes(affiliateID uuid.UUID) ([]models.AffiliateCode, error) {
	var codes []models.AffiliateCode
	if err := s.db.Where("affiliate_id = ?", affiliateID).Order("created_at DESC").Find(&codes).Error; err != nil {
		return nil, err
	}
	return codes, nil
}

// ListActiveAffiliates returns every affiliate eligible for the monthly
// distribution job.
func (s *CodeService) ListActiveAffiliates() ([]models.AffiliateProfile, error) {
	var profiles []models.AffiliateProfile
	if err := s.db.Where("status = ?", models.ProfileStatusActive).Find(&profiles).Error; err != nil {
		return nil, err
	}
	return profiles, nil
}
