package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	config "github.com/pipalerts/affiliate_engine/configs"
	"github.com/pipalerts/affiliate_engine/errs"
	"github.com/pipalerts/affiliate_engine/models"
	"github.com/pipalerts/affiliate_engine/notifications"
	"github.com/pipalerts/affiliate_engine/payments"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DisbursementEvent is pushed to the admin event feed as payouts move
// through their state machine.
type DisbursementEvent struct {
	Type          string    `json:"type"`
	AffiliateID   string    `json:"affiliate_id,omitempty"`
	BatchID       string    `json:"batch_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Status        string    `json:"status,omitempty"`
	Amount        string    `json:"amount,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// EventSink receives disbursement events. Implementations must not block.
type EventSink interface {
	Publish(event DisbursementEvent)
}

// PayoutSummary reports one single-affiliate payout run. InFlightCount are
// submissions the rail accepted but has not settled yet (async rails,
// timeouts awaiting reconciliation).
type PayoutSummary struct {
	AffiliateID    uuid.UUID                         `json:"affiliate_id"`
	Provider       string                            `json:"provider"`
	RequestedCount int                               `json:"requested_count"`
	SuccessCount   int                               `json:"success_count"`
	FailedCount    int                               `json:"failed_count"`
	InFlightCount  int                               `json:"in_flight_count"`
	TotalPaid      decimal.Decimal                   `json:"total_paid"`
	Transactions   []models.DisbursementTransaction `json:"transactions"`
}

// BatchExclusion names an affiliate left out of a batch and why; exclusions
// are reported, never silently dropped.
type BatchExclusion struct {
	AffiliateID uuid.UUID `json:"affiliate_id"`
	Reason      string    `json:"reason"`
}

type BatchSummary struct {
	Batch         *models.PaymentBatch `json:"batch,omitempty"`
	Excluded      []BatchExclusion     `json:"excluded"`
	InFlightCount int                  `json:"in_flight_count"`
}

type WebhookOutcome struct {
	EventType     string `json:"event_type"`
	Applied       bool   `json:"applied"`
	Reason        string `json:"reason,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	Status        string `json:"status,omitempty"`
}

type HealthChecks struct {
	Database       bool  `json:"database"`
	Provider       bool  `json:"provider"`
	PendingBatches int64 `json:"pending_batches"`
}

type HealthReport struct {
	Healthy   bool         `json:"healthy"`
	Timestamp time.Time    `json:"timestamp"`
	Checks    HealthChecks `json:"checks"`
	Warnings  []string     `json:"warnings"`
	Provider  string       `json:"provider"`
	Uptime    string       `json:"uptime"`
}

// DisbursementService orchestrates single and batch payouts, webhook
// reconciliation, and the money movement between pending and paid balances.
// Everything it needs arrives through the constructor; sink, notifier and fx
// may be nil.
type DisbursementService struct {
	db       *gorm.DB
	provider payments.PaymentProvider
	verifier *payments.WebhookVerifier
	events   EventSink
	notifier notifications.Notifier
	fx       *CurrencyService

	startedAt time.Time

	// Now is the clock; tests may replace it.
	Now func() time.Time
}

func NewDisbursementService(db *gorm.DB, provider payments.PaymentProvider, verifier *payments.WebhookVerifier, events EventSink, notifier notifications.Notifier, fx *CurrencyService) *DisbursementService {
	return &DisbursementService{
		db:        db,
		provider:  provider,
		verifier:  verifier,
		events:    events,
		notifier:  notifier,
		fx:        fx,
		startedAt: time.Now(),
		Now:       time.Now,
	}
}

func (s *DisbursementService) publish(event DisbursementEvent) {
	if s.events == nil {
		return
	}
	event.Timestamp = s.Now().UTC()
	s.events.Publish(event)
}

func (s *DisbursementService) notifyPayout(profile *models.AffiliateProfile, amount decimal.Decimal, currency string) {
	if s.notifier == nil {
		return
	}
	go func() {
		err := s.notifier.Send(
			profile.FullName,
			profile.Email,
			"Your commission payout is on its way",
			fmt.Sprintf("<h1>Payout sent</h1><p>We have sent %s %s to your %s account.</p>", amount.StringFixed(2), currency, profile.PaymentMethod),
		)
		if err != nil {
			log.Printf("🔥 Failed to send payout email to %s: %v", profile.Email, err)
		}
	}()
}

func (s *DisbursementService) notifyPayoutFailed(profile *models.AffiliateProfile, amount decimal.Decimal, currency, reason string) {
	if s.notifier == nil {
		return
	}
	go func() {
		err := s.notifier.Send(
			profile.FullName,
			profile.Email,
			"Your commission payout could not be completed",
			fmt.Sprintf("<h1>Payout failed</h1><p>We could not send %s %s to your %s account: %s.</p><p>Please review your payout details. The commission remains on your pending balance.</p>", amount.StringFixed(2), currency, profile.PaymentMethod, reason),
		)
		if err != nil {
			log.Printf("🔥 Failed to send payout failure email to %s: %v", profile.Email, err)
		}
	}()
}

func tierMinimum(tier string) decimal.Decimal {
	raw := config.ProTierMinPayout()
	if tier == models.TierFree {
		raw = config.FreeTierMinPayout()
	}
	min, err := decimal.NewFromString(raw)
	if err != nil {
		log.Printf("Warning: invalid tier minimum %q, using 0", raw)
		return decimal.Zero
	}
	return min
}

// readiness decides whether a profile can be paid right now. A nil return
// means ready; otherwise the error names the blocking condition, which batch
// payouts reuse verbatim as the exclusion reason.
func (s *DisbursementService) readiness(profile *models.AffiliateProfile, payableCount int, payableTotal decimal.Decimal) *errs.Error {
	if profile.Status != models.ProfileStatusActive {
		return errs.StateConflict("Affiliate account is not active")
	}
	if profile.PayeeID == "" {
		return errs.AccessDenied(
			"Affiliate has no payee account configured",
			"Add a payout method and payee account to the affiliate profile",
		)
	}
	if profile.KYCStatus != models.KYCStatusApproved {
		return errs.AccessDenied(
			"Payee KYC is not approved",
			"Complete identity verification with the payout provider before requesting payouts",
		)
	}
	if payableCount == 0 {
		return errs.Validation("Affiliate has no payable commissions")
	}
	min := tierMinimum(profile.Tier)
	if payableTotal.LessThan(min) {
		return errs.AccessDenied(
			fmt.Sprintf("Payout total %s is below the %s tier minimum of %s", payableTotal.StringFixed(2), profile.Tier, min.StringFixed(2)),
			fmt.Sprintf("Accumulate at least %s in commissions or upgrade the payout tier", min.StringFixed(2)),
		)
	}
	return nil
}

func payableCommissions(tx *gorm.DB, affiliateID uuid.UUID) ([]models.Commission, error) {
	var commissions []models.Commission
	err := tx.Where("affiliate_id = ? AND status IN ?", affiliateID,
		[]string{models.CommissionStatusPending, models.CommissionStatusApproved}).
		Order("earned_at ASC").
		Find(&commissions).Error
	return commissions, err
}

func sumCommissions(commissions []models.Commission) decimal.Decimal {
	total := decimal.Zero
	for _, c := range commissions {
		total = total.Add(c.CommissionAmount)
	}
	return total
}

// openTransactionExists reports whether the affiliate already has a payout
// in flight. Affiliates inside an open run are excluded from new ones.
func openTransactionExists(tx *gorm.DB, affiliateID uuid.UUID) (bool, error) {
	var count int64
	err := tx.Model(&models.DisbursementTransaction{}).
		Where("affiliate_id = ? AND status IN ?", affiliateID,
			[]string{models.TxStatusPending, models.TxStatusProcessing}).
		Count(&count).Error
	return count > 0, err
}

// attemptKey returns the idempotency key for the next payout attempt of a
// commission. The first attempt uses the stable commission-derived key;
// after a definitive failure a retry gets a distinct suffixed key, because
// rails de-duplicate on the key and would otherwise replay the rejection.
// inFlight is true when a prior attempt is still open or already succeeded.
func attemptKey(tx *gorm.DB, commissionID uuid.UUID) (key string, inFlight bool, err error) {
	var prior []models.DisbursementTransaction
	if err := tx.Where("commission_id = ?", commissionID).Find(&prior).Error; err != nil {
		return "", false, err
	}
	for _, p := range prior {
		if p.Status != models.TxStatusFailed {
			return "", true, nil
		}
	}
	if len(prior) == 0 {
		return payments.IdempotencyKey(commissionID.String()), false, nil
	}
	return fmt.Sprintf("%s-r%d", payments.IdempotencyKey(commissionID.String()), len(prior)), false, nil
}

// payoutAmount converts a commission into the profile's payout currency.
func (s *DisbursementService) payoutAmount(profile *models.AffiliateProfile, commission *models.Commission) (decimal.Decimal, string, error) {
	currency := profile.PayoutCurrency
	if currency == "" || currency == commission.Currency {
		return commission.CommissionAmount, commission.Currency, nil
	}
	if s.fx == nil {
		return decimal.Zero, "", errs.Validation("payout currency %s requires conversion, which is not configured", currency)
	}
	converted, err := s.fx.Convert(commission.CommissionAmount, commission.Currency, currency)
	if err != nil {
		return decimal.Zero, "", err
	}
	return converted, currency, nil
}

// settleSuccess finalizes one transaction as COMPLETED and moves the
// commission to PAID with its amount from the pending to the paid balance.
// Both updates are guarded so replays and races apply exactly once. Returns
// whether this call performed the transition.
func (s *DisbursementService) settleSuccess(dbtx *gorm.DB, row *models.DisbursementTransaction, providerTxID string) (bool, error) {
	now := s.Now().UTC()

	updates := map[string]interface{}{
		"status":         models.TxStatusCompleted,
		"completed_at":   now,
		"failure_reason": "",
	}
	if providerTxID != "" {
		updates["provider_tx_id"] = providerTxID
	}
	res := dbtx.Model(&models.DisbursementTransaction{}).
		Where("id = ? AND status IN ?", row.ID,
			[]string{models.TxStatusPending, models.TxStatusProcessing, models.TxStatusFailed}).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		// Already completed; completion is immutable.
		return false, nil
	}

	var commission models.Commission
	if err := dbtx.Where("id = ?", row.CommissionID).First(&commission).Error; err != nil {
		return false, err
	}

	detail := fmt.Sprintf("payout %s completed, commission %s paid", row.ID, commission.ID)
	comRes := dbtx.Model(&models.Commission{}).
		Where("id = ? AND status IN ?", commission.ID,
			[]string{models.CommissionStatusPending, models.CommissionStatusApproved}).
		Updates(map[string]interface{}{
			"status":  models.CommissionStatusPaid,
			"paid_at": now,
		})
	if comRes.Error != nil {
		return false, comRes.Error
	}
	if comRes.RowsAffected == 1 {
		if err := dbtx.Model(&models.AffiliateProfile{}).
			Where("id = ?", row.AffiliateID).
			Updates(map[string]interface{}{
				"pending_commissions": gorm.Expr("pending_commissions - ?", commission.CommissionAmount),
				"paid_commissions":    gorm.Expr("paid_commissions + ?", commission.CommissionAmount),
			}).Error; err != nil {
			return false, err
		}
	} else {
		detail = fmt.Sprintf("payout %s completed, commission %s was already settled", row.ID, commission.ID)
	}

	return true, recordAudit(dbtx, models.DisbursementAuditLog{
		Action:      models.AuditPayoutCompleted,
		AffiliateID: &row.AffiliateID,
		EntityType:  "disbursement_transaction",
		EntityID:    row.ID.String(),
		Actor:       "system",
		Detail:      detail,
	})
}

// settleFailure marks one open transaction FAILED. The commission stays
// payable so a later run can retry with a fresh attempt key.
func (s *DisbursementService) settleFailure(dbtx *gorm.DB, row *models.DisbursementTransaction, reason string) (bool, error) {
	res := dbtx.Model(&models.DisbursementTransaction{}).
		Where("id = ? AND status IN ?", row.ID,
			[]string{models.TxStatusPending, models.TxStatusProcessing}).
		Updates(map[string]interface{}{
			"status":         models.TxStatusFailed,
			"failure_reason": reason,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	return true, recordAudit(dbtx, models.DisbursementAuditLog{
		Action:      models.AuditPayoutFailed,
		AffiliateID: &row.AffiliateID,
		EntityType:  "disbursement_transaction",
		EntityID:    row.ID.String(),
		Actor:       "system",
		Detail:      reason,
	})
}

// PayAffiliate pays out every payable commission of one affiliate, one
// provider call per commission, each committing independently.
func (s *DisbursementService) PayAffiliate(affiliateID uuid.UUID, actor string) (*PayoutSummary, error) {
	var profile models.AffiliateProfile
	if err := s.db.Where("id = ?", affiliateID).First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("affiliate %s not found", affiliateID)
		}
		return nil, err
	}

	commissions, err := payableCommissions(s.db, profile.ID)
	if err != nil {
		return nil, err
	}
	if rerr := s.readiness(&profile, len(commissions), sumCommissions(commissions)); rerr != nil {
		return nil, rerr
	}

	inFlight, err := openTransactionExists(s.db, profile.ID)
	if err != nil {
		return nil, err
	}
	if inFlight {
		return nil, errs.StateConflict("A payout for this affiliate is already in flight")
	}

	payee, err := s.provider.GetPayeeInfo(profile.PayeeID)
	if err != nil {
		return nil, err
	}
	if !payee.CanReceivePayments {
		return nil, errs.AccessDenied(
			fmt.Sprintf("Payee %s cannot receive payments on the %s rail", profile.PayeeID, s.provider.Name()),
			"Ask the affiliate to finish onboarding with the payout provider",
		)
	}

	summary := &PayoutSummary{
		AffiliateID:    profile.ID,
		Provider:       s.provider.Name(),
		RequestedCount: len(commissions),
		TotalPaid:      decimal.Zero,
	}

	for i := range commissions {
		row, outcome, err := s.payCommission(&profile, &commissions[i], nil, actor)
		if err != nil {
			if errs.IsTimeout(err) {
				summary.InFlightCount++
				if row != nil {
					summary.Transactions = append(summary.Transactions, *row)
				}
				continue
			}
			return nil, err
		}
		summary.Transactions = append(summary.Transactions, *row)
		switch outcome {
		case models.TxStatusCompleted:
			summary.SuccessCount++
			summary.TotalPaid = summary.TotalPaid.Add(commissions[i].CommissionAmount)
		case models.TxStatusFailed:
			summary.FailedCount++
		default:
			summary.InFlightCount++
		}
	}

	return summary, nil
}

// payCommission runs one payout attempt end to end: open a PENDING row,
// hand it to the rail, and commit the outcome. A timeout leaves the row
// PROCESSING for reconciliation and is reported as an error so the caller
// never mistakes an unknown outcome for a failure.
func (s *DisbursementService) payCommission(profile *models.AffiliateProfile, commission *models.Commission, batchID *uuid.UUID, actor string) (*models.DisbursementTransaction, string, error) {
	amount, currency, err := s.payoutAmount(profile, commission)
	if err != nil {
		return nil, "", err
	}

	var row models.DisbursementTransaction
	err = s.db.Transaction(func(tx *gorm.DB) error {
		key, inFlight, err := attemptKey(tx, commission.ID)
		if err != nil {
			return err
		}
		if inFlight {
			return errs.StateConflict("A payout for commission %s is already in flight or settled", commission.ID)
		}

		row = models.DisbursementTransaction{
			BatchID:        batchID,
			AffiliateID:    profile.ID,
			CommissionID:   commission.ID,
			Provider:       s.provider.Name(),
			IdempotencyKey: key,
			Amount:         amount,
			Currency:       currency,
			Status:         models.TxStatusPending,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return recordAudit(tx, models.DisbursementAuditLog{
			Action:      models.AuditPayoutInitiated,
			AffiliateID: &profile.ID,
			EntityType:  "disbursement_transaction",
			EntityID:    row.ID.String(),
			Actor:       actor,
			Detail:      fmt.Sprintf("payout of %s %s for commission %s via %s", amount.StringFixed(2), currency, commission.ID, s.provider.Name()),
		})
	})
	if err != nil {
		return nil, "", err
	}

	// Move to PROCESSING before the network call so a crash or timeout
	// leaves a reconcilable record, never a phantom PENDING.
	if err := s.db.Model(&models.DisbursementTransaction{}).
		Where("id = ?", row.ID).
		Update("status", models.TxStatusProcessing).Error; err != nil {
		return nil, "", err
	}
	row.Status = models.TxStatusProcessing

	result, err := s.provider.SendPayment(payments.PaymentRequest{
		AffiliateID:    profile.ID.String(),
		PayeeID:        profile.PayeeID,
		Amount:         amount,
		Currency:       currency,
		CommissionID:   commission.ID.String(),
		IdempotencyKey: row.IdempotencyKey,
	})
	if err != nil {
		if errs.IsTimeout(err) {
			// Unknown outcome: leave PROCESSING, reconcile later.
			return &row, models.TxStatusProcessing, err
		}
		if serr := s.applyFailure(&row, err.Error()); serr != nil {
			return nil, "", serr
		}
		return &row, models.TxStatusFailed, nil
	}

	return s.applyResult(profile, &row, result)
}

// applyResult commits a provider response onto an open transaction row.
func (s *DisbursementService) applyResult(profile *models.AffiliateProfile, row *models.DisbursementTransaction, result payments.PaymentResult) (*models.DisbursementTransaction, string, error) {
	if !result.Success {
		reason := result.Error
		if reason == "" {
			reason = "provider rejected the payment"
		}
		if err := s.applyFailure(row, reason); err != nil {
			return nil, "", err
		}
		return row, models.TxStatusFailed, nil
	}

	if result.Status == payments.PaymentStatusCompleted {
		err := s.db.Transaction(func(tx *gorm.DB) error {
			_, err := s.settleSuccess(tx, row, result.ProviderTxID)
			return err
		})
		if err != nil {
			return nil, "", err
		}
		if err := s.db.Where("id = ?", row.ID).First(row).Error; err != nil {
			return nil, "", err
		}
		s.publish(DisbursementEvent{
			Type:          "payout.completed",
			AffiliateID:   row.AffiliateID.String(),
			TransactionID: row.ID.String(),
			Status:        row.Status,
			Amount:        row.Amount.StringFixed(2),
		})
		s.notifyPayout(profile, row.Amount, row.Currency)
		return row, models.TxStatusCompleted, nil
	}

	// Accepted but settling asynchronously: record the rail handle and wait
	// for the webhook or the reconciliation poller.
	if err := s.db.Model(&models.DisbursementTransaction{}).
		Where("id = ?", row.ID).
		Update("provider_tx_id", result.ProviderTxID).Error; err != nil {
		return nil, "", err
	}
	if err := s.db.Where("id = ?", row.ID).First(row).Error; err != nil {
		return nil, "", err
	}
	s.publish(DisbursementEvent{
		Type:          "payout.submitted",
		AffiliateID:   row.AffiliateID.String(),
		TransactionID: row.ID.String(),
		Status:        row.Status,
		Amount:        row.Amount.StringFixed(2),
	})
	return row, models.TxStatusProcessing, nil
}

func (s *DisbursementService) applyFailure(row *models.DisbursementTransaction, reason string) error {
	var applied bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		applied, err = s.settleFailure(tx, row, reason)
		return err
	})
	if err != nil {
		return err
	}
	if err := s.db.Where("id = ?", row.ID).First(row).Error; err != nil {
		return err
	}
	if !applied {
		return nil
	}
	s.publish(DisbursementEvent{
		Type:          "payout.failed",
		AffiliateID:   row.AffiliateID.String(),
		TransactionID: row.ID.String(),
		Status:        row.Status,
		Amount:        row.Amount.StringFixed(2),
	})
	// The notice is best-effort; a missing profile must not unsettle the row.
	var profile models.AffiliateProfile
	if err := s.db.Where("id = ?", row.AffiliateID).First(&profile).Error; err == nil {
		s.notifyPayoutFailed(&profile, row.Amount, row.Currency, reason)
	}
	return nil
}

type batchCandidate struct {
	profile     models.AffiliateProfile
	commissions []models.Commission
}

type batchItem struct {
	row        models.DisbursementTransaction
	profile    *models.AffiliateProfile
	commission *models.Commission
}

func sumItemAmounts(items []batchItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.row.Amount)
	}
	return total
}

// PayBatch pays a set of affiliates in one operational unit. Items settle
// independently: a failed item never rolls back a successful one, and mixed
// outcomes leave the batch PARTIALLY_COMPLETED.
func (s *DisbursementService) PayBatch(affiliateIDs []uuid.UUID, actor string) (*BatchSummary, error) {
	if len(affiliateIDs) == 0 {
		return nil, errs.Validation("batch request must name at least one affiliate")
	}

	seen := map[uuid.UUID]bool{}
	summary := &BatchSummary{Excluded: []BatchExclusion{}}
	var candidates []batchCandidate

	for _, id := range affiliateIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		var profile models.AffiliateProfile
		if err := s.db.Where("id = ?", id).First(&profile).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				summary.Excluded = append(summary.Excluded, BatchExclusion{AffiliateID: id, Reason: "affiliate not found"})
				continue
			}
			return nil, err
		}

		commissions, err := payableCommissions(s.db, profile.ID)
		if err != nil {
			return nil, err
		}
		if rerr := s.readiness(&profile, len(commissions), sumCommissions(commissions)); rerr != nil {
			summary.Excluded = append(summary.Excluded, BatchExclusion{AffiliateID: id, Reason: rerr.Message})
			continue
		}

		open, err := openTransactionExists(s.db, profile.ID)
		if err != nil {
			return nil, err
		}
		if open {
			summary.Excluded = append(summary.Excluded, BatchExclusion{AffiliateID: id, Reason: "affiliate already has a payout in flight"})
			continue
		}

		candidates = append(candidates, batchCandidate{profile: profile, commissions: commissions})
	}

	if len(candidates) == 0 {
		return summary, nil
	}

	// Create the batch and every member transaction as PENDING up front, so
	// membership is visible to the isolation check of any concurrent run.
	batch := models.PaymentBatch{
		Provider:    s.provider.Name(),
		Status:      models.BatchStatusProcessing,
		Currency:    "USD",
		InitiatedBy: actor,
	}

	var items []batchItem

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&batch).Error; err != nil {
			return err
		}

		for ci := range candidates {
			cand := &candidates[ci]
			for i := range cand.commissions {
				commission := &cand.commissions[i]

				amount, currency, err := s.payoutAmount(&cand.profile, commission)
				if err != nil {
					return err
				}
				key, inFlight, err := attemptKey(tx, commission.ID)
				if err != nil {
					return err
				}
				if inFlight {
					// Lost a race with a concurrent run for this commission.
					return errs.StateConflict("A payout for commission %s is already in flight or settled", commission.ID)
				}

				row := models.DisbursementTransaction{
					BatchID:        &batch.ID,
					AffiliateID:    cand.profile.ID,
					CommissionID:   commission.ID,
					Provider:       s.provider.Name(),
					IdempotencyKey: key,
					Amount:         amount,
					Currency:       currency,
					Status:         models.TxStatusPending,
				}
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
				items = append(items, batchItem{row: row, profile: &cand.profile, commission: commission})
			}
		}

		if err := tx.Model(&models.PaymentBatch{}).
			Where("id = ?", batch.ID).
			Update("requested_count", len(items)).Error; err != nil {
			return err
		}

		return recordAudit(tx, models.DisbursementAuditLog{
			Action:     models.AuditBatchInitiated,
			EntityType: "payment_batch",
			EntityID:   batch.ID.String(),
			Actor:      actor,
			Detail:     fmt.Sprintf("batch of %d payouts across %d affiliates via %s", len(items), len(candidates), s.provider.Name()),
		})
	})
	if err != nil {
		return nil, err
	}

	s.publish(DisbursementEvent{
		Type:    "batch.initiated",
		BatchID: batch.ID.String(),
		Status:  models.BatchStatusProcessing,
	})

	// Everything from here on survives a lost provider response: rows sit
	// in PROCESSING until settled by the response, a webhook, or the poller.
	if err := s.db.Model(&models.DisbursementTransaction{}).
		Where("batch_id = ?", batch.ID).
		Update("status", models.TxStatusProcessing).Error; err != nil {
		return nil, err
	}

	reqs := make([]payments.PaymentRequest, len(items))
	for i, item := range items {
		reqs[i] = payments.PaymentRequest{
			AffiliateID:    item.row.AffiliateID.String(),
			PayeeID:        item.profile.PayeeID,
			Amount:         item.row.Amount,
			Currency:       item.row.Currency,
			CommissionID:   item.row.CommissionID.String(),
			IdempotencyKey: item.row.IdempotencyKey,
		}
	}

	batchResult, err := s.provider.SendBatchPayment(reqs)
	if err != nil {
		if errs.IsTimeout(err) {
			// Unknown outcome for the whole batch; the poller settles it.
			return nil, err
		}
		for i := range items {
			if serr := s.applyFailure(&items[i].row, err.Error()); serr != nil {
				return nil, serr
			}
		}
		if _, ferr := s.closeBatch(&batch, 0, len(items), sumItemAmounts(items)); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}

	// Per-item independent commits: each result lands in its own
	// transaction so one bad item cannot roll back the others.
	success, failed := 0, 0
	total := decimal.Zero
	for i := range items {
		total = total.Add(items[i].row.Amount)

		if i >= len(batchResult.Results) {
			summary.InFlightCount++
			continue
		}
		result := batchResult.Results[i]

		switch {
		case result.Success && result.Status == payments.PaymentStatusCompleted:
			if _, _, err := s.applyResult(items[i].profile, &items[i].row, result); err != nil {
				return nil, err
			}
			success++
		case result.Success:
			if _, _, err := s.applyResult(items[i].profile, &items[i].row, result); err != nil {
				return nil, err
			}
			success++
			summary.InFlightCount++
		default:
			reason := result.Error
			if reason == "" {
				reason = "provider rejected the payment"
			}
			if err := s.applyFailure(&items[i].row, reason); err != nil {
				return nil, err
			}
			failed++
		}
	}

	closed, err := s.closeBatch(&batch, success, failed, total)
	if err != nil {
		return nil, err
	}
	summary.Batch = closed
	return summary, nil
}

// closeBatch writes the rollup counters and terminal status.
func (s *DisbursementService) closeBatch(batch *models.PaymentBatch, success, failed int, total decimal.Decimal) (*models.PaymentBatch, error) {
	now := s.Now().UTC()

	status := models.BatchStatusCompleted
	switch {
	case success == 0 && failed > 0:
		status = models.BatchStatusFailed
	case failed > 0:
		status = models.BatchStatusPartial
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.PaymentBatch{}).
			Where("id = ?", batch.ID).
			Updates(map[string]interface{}{
				"status":        status,
				"success_count": success,
				"failed_count":  failed,
				"total_amount":  total,
				"completed_at":  now,
			}).Error; err != nil {
			return err
		}
		return recordAudit(tx, models.DisbursementAuditLog{
			Action:     models.AuditBatchCompleted,
			EntityType: "payment_batch",
			EntityID:   batch.ID.String(),
			Actor:      "system",
			Detail:     fmt.Sprintf("batch closed %s: %d succeeded, %d failed, total %s", status, success, failed, total.StringFixed(2)),
		})
	})
	if err != nil {
		return nil, err
	}

	var refreshed models.PaymentBatch
	if err := s.db.Preload("Transactions").Where("id = ?", batch.ID).First(&refreshed).Error; err != nil {
		return nil, err
	}
	s.publish(DisbursementEvent{
		Type:    "batch.completed",
		BatchID: batch.ID.String(),
		Status:  refreshed.Status,
		Amount:  refreshed.TotalAmount.StringFixed(2),
	})
	return &refreshed, nil
}

// HandleWebhook ingests one provider callback: verify, parse, dedupe,
// reconcile. Replayed events are acknowledged without re-applying state,
// and a COMPLETED transaction is immutable.
func (s *DisbursementService) HandleWebhook(rawBody []byte, signature string) (*WebhookOutcome, error) {
	if !s.verifier.Verify(rawBody, signature) {
		s.auditWebhookRejected("signature verification failed")
		return nil, errs.Signature("webhook signature verification failed")
	}

	payload := payments.ParseWebhookPayload(rawBody)
	if !payload.IsValid {
		if err := recordAudit(s.db, models.DisbursementAuditLog{
			Action:     models.AuditWebhookReceived,
			EntityType: "webhook",
			Actor:      "provider",
			Detail:     "ignored: unparseable payload",
		}); err != nil {
			log.Printf("🔥 Failed to record webhook audit: %v", err)
		}
		return &WebhookOutcome{EventType: payload.EventType, Applied: false, Reason: "unparseable payload"}, nil
	}

	var wantStatus string
	switch payload.EventType {
	case "payout.completed":
		wantStatus = models.TxStatusCompleted
	case "payout.failed":
		wantStatus = models.TxStatusFailed
	default:
		return &WebhookOutcome{EventType: payload.EventType, Applied: false, Reason: "unhandled event type"}, nil
	}

	providerTxID, _ := payload.Data["provider_tx_id"].(string)
	if providerTxID == "" {
		return &WebhookOutcome{EventType: payload.EventType, Applied: false, Reason: "missing provider_tx_id"}, nil
	}
	reason, _ := payload.Data["reason"].(string)

	outcome := &WebhookOutcome{EventType: payload.EventType}

	var settledProfile *models.AffiliateProfile
	var settledRow models.DisbursementTransaction

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var row models.DisbursementTransaction
		if err := tx.Where("provider_tx_id = ?", providerTxID).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				outcome.Reason = "unknown provider transaction"
				return nil
			}
			return err
		}
		outcome.TransactionID = row.ID.String()

		if err := recordAudit(tx, models.DisbursementAuditLog{
			Action:      models.AuditWebhookReceived,
			AffiliateID: &row.AffiliateID,
			EntityType:  "disbursement_transaction",
			EntityID:    row.ID.String(),
			Actor:       "provider",
			Detail:      fmt.Sprintf("%s for provider tx %s", payload.EventType, providerTxID),
		}); err != nil {
			return err
		}

		switch wantStatus {
		case models.TxStatusCompleted:
			applied, err := s.settleSuccess(tx, &row, providerTxID)
			if err != nil {
				return err
			}
			outcome.Applied = applied
			if !applied {
				outcome.Reason = "transaction already completed"
			}
		case models.TxStatusFailed:
			if row.Status == models.TxStatusCompleted {
				outcome.Reason = "completed transaction is immutable"
				return nil
			}
			if reason == "" {
				reason = "reported failed by provider webhook"
			}
			applied, err := s.settleFailure(tx, &row, reason)
			if err != nil {
				return err
			}
			outcome.Applied = applied
			if !applied {
				outcome.Reason = "transaction already failed"
			}
		}

		if outcome.Applied {
			if err := tx.Where("id = ?", row.ID).First(&settledRow).Error; err != nil {
				return err
			}
			var profile models.AffiliateProfile
			if err := tx.Where("id = ?", row.AffiliateID).First(&profile).Error; err != nil {
				return err
			}
			settledProfile = &profile
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome.Applied {
		outcome.Status = settledRow.Status
		s.publish(DisbursementEvent{
			Type:          payload.EventType,
			AffiliateID:   settledRow.AffiliateID.String(),
			TransactionID: settledRow.ID.String(),
			Status:        settledRow.Status,
			Amount:        settledRow.Amount.StringFixed(2),
		})
		if settledRow.Status == models.TxStatusCompleted && settledProfile != nil {
			s.notifyPayout(settledProfile, settledRow.Amount, settledRow.Currency)
		}
		if settledRow.Status == models.TxStatusFailed && settledProfile != nil {
			s.notifyPayoutFailed(settledProfile, settledRow.Amount, settledRow.Currency, settledRow.FailureReason)
		}
	}
	return outcome, nil
}

func (s *DisbursementService) auditWebhookRejected(detail string) {
	err := recordAudit(s.db, models.DisbursementAuditLog{
		Action:     models.AuditWebhookRejected,
		EntityType: "webhook",
		Actor:      "provider",
		Detail:     detail,
	})
	if err != nil {
		log.Printf("🔥 Failed to record webhook rejection: %v", err)
	}
}

// ReconcileTransaction resolves one open transaction against the rail.
// Rows with a provider handle are polled; rows without one (the response
// was lost before the rail acknowledged) are resubmitted under the same
// idempotency key, which either replays the original outcome or processes
// the payment exactly once. Terminal rows return unchanged.
func (s *DisbursementService) ReconcileTransaction(id uuid.UUID) (*models.DisbursementTransaction, error) {
	var row models.DisbursementTransaction
	if err := s.db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("transaction %s not found", id)
		}
		return nil, err
	}
	if row.Terminal() {
		return &row, nil
	}

	var profile models.AffiliateProfile
	if err := s.db.Where("id = ?", row.AffiliateID).First(&profile).Error; err != nil {
		return nil, err
	}

	if row.ProviderTxID == "" {
		result, err := s.provider.SendPayment(payments.PaymentRequest{
			AffiliateID:    row.AffiliateID.String(),
			PayeeID:        profile.PayeeID,
			Amount:         row.Amount,
			Currency:       row.Currency,
			CommissionID:   row.CommissionID.String(),
			IdempotencyKey: row.IdempotencyKey,
		})
		if err != nil {
			if errs.IsTimeout(err) {
				// Still unknown; the next poll will try again.
				return &row, nil
			}
			return nil, err
		}
		reconciled, _, err := s.applyResult(&profile, &row, result)
		if err != nil {
			return nil, err
		}
		return reconciled, nil
	}

	status, err := s.provider.GetPaymentStatus(row.ProviderTxID)
	if err != nil {
		return nil, err
	}

	switch status {
	case payments.PaymentStatusCompleted:
		err := s.db.Transaction(func(tx *gorm.DB) error {
			_, err := s.settleSuccess(tx, &row, row.ProviderTxID)
			return err
		})
		if err != nil {
			return nil, err
		}
		if err := s.db.Where("id = ?", row.ID).First(&row).Error; err != nil {
			return nil, err
		}
		s.publish(DisbursementEvent{
			Type:          "payout.completed",
			AffiliateID:   row.AffiliateID.String(),
			TransactionID: row.ID.String(),
			Status:        row.Status,
			Amount:        row.Amount.StringFixed(2),
		})
		s.notifyPayout(&profile, row.Amount, row.Currency)
	case payments.PaymentStatusFailed:
		if err := s.applyFailure(&row, "reported failed by provider on reconciliation"); err != nil {
			return nil, err
		}
	}

	if err := s.db.Where("id = ?", row.ID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// ReconcileStaleTransactions polls every transaction stuck in PROCESSING
// longer than olderThan and returns how many reached a terminal state. It
// then closes any open batch whose members have all settled, so a batch
// interrupted by a lost provider response still reaches a rollup.
func (s *DisbursementService) ReconcileStaleTransactions(olderThan time.Duration) (int, error) {
	cutoff := s.Now().UTC().Add(-olderThan)

	var stale []models.DisbursementTransaction
	if err := s.db.Where("status = ? AND updated_at < ?", models.TxStatusProcessing, cutoff).Find(&stale).Error; err != nil {
		return 0, err
	}

	settled := 0
	for i := range stale {
		row, err := s.ReconcileTransaction(stale[i].ID)
		if err != nil {
			log.Printf("🔥 Failed to reconcile transaction %s: %v", stale[i].ID, err)
			continue
		}
		if row.Terminal() {
			settled++
		}
	}

	var openBatches []models.PaymentBatch
	if err := s.db.Where("status = ?", models.BatchStatusProcessing).Find(&openBatches).Error; err != nil {
		return settled, err
	}
	for i := range openBatches {
		var members []models.DisbursementTransaction
		if err := s.db.Where("batch_id = ?", openBatches[i].ID).Find(&members).Error; err != nil {
			log.Printf("🔥 Failed to load batch %s members: %v", openBatches[i].ID, err)
			continue
		}
		open, success, failed := 0, 0, 0
		total := decimal.Zero
		for _, m := range members {
			total = total.Add(m.Amount)
			switch m.Status {
			case models.TxStatusCompleted:
				success++
			case models.TxStatusFailed:
				failed++
			default:
				open++
			}
		}
		if len(members) == 0 || open > 0 {
			continue
		}
		if _, err := s.closeBatch(&openBatches[i], success, failed, total); err != nil {
			log.Printf("🔥 Failed to close batch %s: %v", openBatches[i].ID, err)
		}
	}
	return settled, nil
}

// ApproveCommission advances one commission PENDING -> APPROVED.
func (s *DisbursementService) ApproveCommission(id uuid.UUID, actor string) (*models.Commission, error) {
	now := s.Now().UTC()

	var approved models.Commission
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var commission models.Commission
		if err := tx.Where("id = ?", id).First(&commission).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.NotFound("commission %s not found", id)
			}
			return err
		}

		res := tx.Model(&models.Commission{}).
			Where("id = ? AND status = ?", id, models.CommissionStatusPending).
			Updates(map[string]interface{}{
				"status":      models.CommissionStatusApproved,
				"approved_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.StateConflict("Can only approve a commission in PENDING state, current state is %s", commission.Status)
		}

		if err := recordAudit(tx, models.DisbursementAuditLog{
			Action:      models.AuditCommissionApproved,
			AffiliateID: &commission.AffiliateID,
			EntityType:  "commission",
			EntityID:    commission.ID.String(),
			Actor:       actor,
		}); err != nil {
			return err
		}
		return tx.Where("id = ?", id).First(&approved).Error
	})
	if err != nil {
		return nil, err
	}
	return &approved, nil
}

// GetBatch returns one batch with its member transactions.
func (s *DisbursementService) GetBatch(id uuid.UUID) (*models.PaymentBatch, error) {
	var batch models.PaymentBatch
	if err := s.db.Preload("Transactions").Where("id = ?", id).First(&batch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("batch %s not found", id)
		}
		return nil, err
	}
	return &batch, nil
}

// GetTransactionStatus returns one transaction, live-reconciling it first
// when it is still open. This is the status-poll path for timed-out calls.
func (s *DisbursementService) GetTransactionStatus(id uuid.UUID) (*models.DisbursementTransaction, error) {
	var row models.DisbursementTransaction
	if err := s.db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("transaction %s not found", id)
		}
		return nil, err
	}
	if row.Terminal() {
		return &row, nil
	}
	reconciled, err := s.ReconcileTransaction(id)
	if err != nil {
		// The stored row is still authoritative when the rail is unreachable.
		log.Printf("🔥 Live reconciliation of %s failed: %v", id, err)
		return &row, nil
	}
	return reconciled, nil
}

// Health reports the processor's composite status. It never returns an
// error: partial degradation must be diagnosable, not opaque.
func (s *DisbursementService) Health() HealthReport {
	now := s.Now().UTC()
	report := HealthReport{
		Timestamp: now,
		Warnings:  []string{},
		Provider:  s.provider.Name(),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
	}

	report.Checks.Database = true
	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.Ping() != nil {
		report.Checks.Database = false
	}

	if _, err := s.provider.Authenticate(); err != nil {
		report.Checks.Provider = false
		report.Warnings = append(report.Warnings, fmt.Sprintf("provider authentication failed: %v", err))
	} else {
		report.Checks.Provider = true
	}

	if report.Checks.Database {
		if err := s.db.Model(&models.PaymentBatch{}).
			Where("status = ?", models.BatchStatusProcessing).
			Count(&report.Checks.PendingBatches).Error; err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("pending batch count unavailable: %v", err))
		}
		if report.Checks.PendingBatches > 10 {
			report.Warnings = append(report.Warnings, fmt.Sprintf("payout backlog: %d batches still processing", report.Checks.PendingBatches))
		}

		var openTx int64
		if err := s.db.Model(&models.DisbursementTransaction{}).
			Where("status = ?", models.TxStatusProcessing).
			Count(&openTx).Error; err == nil && openTx > 0 {
			var lastWebhook models.DisbursementAuditLog
			err := s.db.Where("action = ?", models.AuditWebhookReceived).
				Order("created_at DESC").
				First(&lastWebhook).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				report.Warnings = append(report.Warnings, fmt.Sprintf("%d transactions in flight and no webhook ever received", openTx))
			} else if err == nil && now.Sub(lastWebhook.CreatedAt) > time.Hour {
				report.Warnings = append(report.Warnings, fmt.Sprintf("%d transactions in flight and last webhook was %s ago", openTx, now.Sub(lastWebhook.CreatedAt).Round(time.Minute)))
			}
		}
	}

	report.Healthy = report.Checks.Database && report.Checks.Provider
	return report
}
