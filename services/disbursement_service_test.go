package services_test

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pipalerts/affiliate_engine/errs"
	"github.com/pipalerts/affiliate_engine/models"
	"github.com/pipalerts/affiliate_engine/payments"
	"github.com/pipalerts/affiliate_engine/services"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const testWebhookSecret = "payout-test-secret"

type sinkRecorder struct {
	mu     sync.Mutex
	events []services.DisbursementEvent
}

func (s *sinkRecorder) Publish(event services.DisbursementEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *sinkRecorder) has(eventType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

func newPayoutService(t *testing.T, db *gorm.DB) (*services.DisbursementService, *payments.MockProvider, *sinkRecorder) {
	t.Helper()
	verifier, err := payments.NewWebhookVerifier(testWebhookSecret)
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}
	provider := payments.NewMockProvider(verifier)
	sink := &sinkRecorder{}
	return services.NewDisbursementService(db, provider, verifier, sink, nil, nil), provider, sink
}

func seedPayee(t *testing.T, db *gorm.DB, email string) *models.AffiliateProfile {
	t.Helper()
	profile := &models.AffiliateProfile{
		FullName:       "Payout Affiliate",
		Email:          email,
		Status:         models.ProfileStatusActive,
		Tier:           models.TierPro,
		PaymentMethod:  "paypal",
		PayeeID:        email,
		PayoutCurrency: "USD",
		KYCStatus:      models.KYCStatusApproved,
	}
	if err := db.Create(profile).Error; err != nil {
		t.Fatalf("failed to seed payee: %v", err)
	}
	return profile
}

var commissionSeq = 0

// seedCommission creates a used code plus its commission and credits the
// affiliate's pending balance, mirroring what a redemption leaves behind.
func seedCommission(t *testing.T, db *gorm.DB, profile *models.AffiliateProfile, amount, status string) *models.Commission {
	t.Helper()
	commissionSeq++

	code := seedCode(t, db, profile, models.CodeStatusUsed, time.Now().UTC().Add(30*24*time.Hour))
	amt := dec(t, amount)

	commission := &models.Commission{
		AffiliateID:      profile.ID,
		CodeID:           code.ID,
		PayerUserID:      "payer-1",
		SubscriptionID:   "sub-1",
		GrossRevenue:     amt.Mul(decimal.NewFromInt(5)),
		DiscountAmount:   amt,
		NetRevenue:       amt.Mul(decimal.NewFromInt(4)),
		CommissionAmount: amt,
		Currency:         "USD",
		Status:           status,
		EarnedAt:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(commissionSeq) * time.Minute),
	}
	if err := db.Create(commission).Error; err != nil {
		t.Fatalf("failed to seed commission: %v", err)
	}

	if err := db.Model(&models.AffiliateProfile{}).
		Where("id = ?", profile.ID).
		Updates(map[string]interface{}{
			"pending_commissions": gorm.Expr("pending_commissions + ?", amt),
			"total_earnings":      gorm.Expr("total_earnings + ?", amt),
		}).Error; err != nil {
		t.Fatalf("failed to credit pending balance: %v", err)
	}
	return commission
}

func loadProfile(t *testing.T, db *gorm.DB, id uuid.UUID) *models.AffiliateProfile {
	t.Helper()
	var profile models.AffiliateProfile
	if err := db.Where("id = ?", id).First(&profile).Error; err != nil {
		t.Fatalf("failed to load profile: %v", err)
	}
	return &profile
}

func loadCommission(t *testing.T, db *gorm.DB, id uuid.UUID) *models.Commission {
	t.Helper()
	var commission models.Commission
	if err := db.Where("id = ?", id).First(&commission).Error; err != nil {
		t.Fatalf("failed to load commission: %v", err)
	}
	return &commission
}

func loadTransactions(t *testing.T, db *gorm.DB, commissionID uuid.UUID) []models.DisbursementTransaction {
	t.Helper()
	var rows []models.DisbursementTransaction
	if err := db.Where("commission_id = ?", commissionID).Order("created_at ASC").Find(&rows).Error; err != nil {
		t.Fatalf("failed to load transactions: %v", err)
	}
	return rows
}

func signedEnvelope(t *testing.T, event, teamID string, data map[string]interface{}) ([]byte, string) {
	t.Helper()
	verifier, err := payments.NewWebhookVerifier(testWebhookSecret)
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}
	body, err := json.Marshal(map[string]interface{}{
		"event":     event,
		"teamId":    teamID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	})
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	return body, verifier.Sign(body)
}

func TestPayAffiliateSingleCommission(t *testing.T) {
	db := newTestDB(t)
	svc, _, sink := newPayoutService(t, db)

	profile := seedPayee(t, db, "solo@example.com")
	commission := seedCommission(t, db, profile, "12.50", models.CommissionStatusPending)

	summary, err := svc.PayAffiliate(profile.ID, "admin@example.com")
	if err != nil {
		t.Fatalf("PayAffiliate failed: %v", err)
	}
	if summary.RequestedCount != 1 || summary.SuccessCount != 1 || summary.FailedCount != 0 || summary.InFlightCount != 0 {
		t.Fatalf("unexpected summary counts: %+v", summary)
	}
	if !summary.TotalPaid.Equal(dec(t, "12.50")) {
		t.Fatalf("expected total paid 12.50, got %s", summary.TotalPaid)
	}

	rows := loadTransactions(t, db, commission.ID)
	if len(rows) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(rows))
	}
	row := rows[0]
	if row.Status != models.TxStatusCompleted {
		t.Fatalf("expected COMPLETED transaction, got %s", row.Status)
	}
	if row.IdempotencyKey != "payout-"+commission.ID.String() {
		t.Fatalf("unexpected idempotency key %q", row.IdempotencyKey)
	}
	if row.ProviderTxID == "" || row.CompletedAt == nil {
		t.Fatalf("expected provider handle and completion time, got %+v", row)
	}

	paid := loadCommission(t, db, commission.ID)
	if paid.Status != models.CommissionStatusPaid || paid.PaidAt == nil {
		t.Fatalf("expected PAID commission, got %s", paid.Status)
	}

	after := loadProfile(t, db, profile.ID)
	if !after.PendingCommissions.Equal(dec(t, "0.00")) {
		t.Fatalf("expected pending balance 0.00, got %s", after.PendingCommissions)
	}
	if !after.PaidCommissions.Equal(dec(t, "12.50")) {
		t.Fatalf("expected paid balance 12.50, got %s", after.PaidCommissions)
	}
	if !after.TotalEarnings.Equal(dec(t, "12.50")) {
		t.Fatalf("total earnings should not move on payout, got %s", after.TotalEarnings)
	}

	if got := auditCount(t, db, models.AuditPayoutInitiated); got != 1 {
		t.Fatalf("expected 1 PAYOUT_INITIATED entry, got %d", got)
	}
	if got := auditCount(t, db, models.AuditPayoutCompleted); got != 1 {
		t.Fatalf("expected 1 PAYOUT_COMPLETED entry, got %d", got)
	}
	if !sink.has("payout.completed") {
		t.Fatal("expected a payout.completed event on the sink")
	}
}

func TestPayAffiliatePartialFailureAcrossCommissions(t *testing.T) {
	db := newTestDB(t)
	svc, provider, _ := newPayoutService(t, db)

	profile := seedPayee(t, db, "multi@example.com")
	first := seedCommission(t, db, profile, "10.00", models.CommissionStatusPending)
	second := seedCommission(t, db, profile, "20.00", models.CommissionStatusPending)
	third := seedCommission(t, db, profile, "30.00", models.CommissionStatusPending)

	provider.FailEveryNth(2)

	summary, err := svc.PayAffiliate(profile.ID, "admin@example.com")
	if err != nil {
		t.Fatalf("PayAffiliate failed: %v", err)
	}
	if summary.SuccessCount != 2 || summary.FailedCount != 1 {
		t.Fatalf("expected 2 successes and 1 failure, got %+v", summary)
	}
	if summary.SuccessCount+summary.FailedCount+summary.InFlightCount != summary.RequestedCount {
		t.Fatalf("summary counts do not add up: %+v", summary)
	}
	if !summary.TotalPaid.Equal(dec(t, "40.00")) {
		t.Fatalf("expected total paid 40.00, got %s", summary.TotalPaid)
	}

	// The middle commission hit the injected failure; the ones around it
	// must still have settled.
	if got := loadCommission(t, db, first.ID).Status; got != models.CommissionStatusPaid {
		t.Fatalf("first commission: expected PAID, got %s", got)
	}
	failedRows := loadTransactions(t, db, second.ID)
	if len(failedRows) != 1 || failedRows[0].Status != models.TxStatusFailed {
		t.Fatalf("second commission: expected a FAILED transaction, got %+v", failedRows)
	}
	if failedRows[0].FailureReason == "" {
		t.Fatal("failed transaction must carry a reason")
	}
	if got := loadCommission(t, db, second.ID).Status; got != models.CommissionStatusPending {
		t.Fatalf("failed commission must stay payable, got %s", got)
	}
	if got := loadCommission(t, db, third.ID).Status; got != models.CommissionStatusPaid {
		t.Fatalf("third commission: expected PAID, got %s", got)
	}

	after := loadProfile(t, db, profile.ID)
	if !after.PendingCommissions.Equal(dec(t, "20.00")) {
		t.Fatalf("expected pending balance 20.00, got %s", after.PendingCommissions)
	}
	if !after.PaidCommissions.Equal(dec(t, "40.00")) {
		t.Fatalf("expected paid balance 40.00, got %s", after.PaidCommissions)
	}
	if got := auditCount(t, db, models.AuditPayoutFailed); got != 1 {
		t.Fatalf("expected 1 PAYOUT_FAILED entry, got %d", got)
	}
}

func TestPayAffiliateReadinessGates(t *testing.T) {
	cases := []struct {
		name     string
		prepare  func(t *testing.T, db *gorm.DB) uuid.UUID
		wantKind errs.Kind
		wantMsg  string
	}{
		{
			name: "suspended affiliate",
			prepare: func(t *testing.T, db *gorm.DB) uuid.UUID {
				p := seedPayee(t, db, "gate-a@example.com")
				seedCommission(t, db, p, "15.00", models.CommissionStatusPending)
				if err := db.Model(p).Update("status", models.ProfileStatusSuspended).Error; err != nil {
					t.Fatalf("failed to suspend: %v", err)
				}
				return p.ID
			},
			wantKind: errs.KindStateConflict,
			wantMsg:  "Affiliate account is not active",
		},
		{
			name: "missing payee account",
			prepare: func(t *testing.T, db *gorm.DB) uuid.UUID {
				p := seedPayee(t, db, "gate-b@example.com")
				seedCommission(t, db, p, "15.00", models.CommissionStatusPending)
				if err := db.Model(p).Update("payee_id", "").Error; err != nil {
					t.Fatalf("failed to clear payee: %v", err)
				}
				return p.ID
			},
			wantKind: errs.KindAccessDenied,
			wantMsg:  "no payee account",
		},
		{
			name: "unapproved KYC",
			prepare: func(t *testing.T, db *gorm.DB) uuid.UUID {
				p := seedPayee(t, db, "gate-c@example.com")
				seedCommission(t, db, p, "15.00", models.CommissionStatusPending)
				if err := db.Model(p).Update("kyc_status", models.KYCStatusPending).Error; err != nil {
					t.Fatalf("failed to downgrade KYC: %v", err)
				}
				return p.ID
			},
			wantKind: errs.KindAccessDenied,
			wantMsg:  "KYC",
		},
		{
			name: "nothing payable",
			prepare: func(t *testing.T, db *gorm.DB) uuid.UUID {
				return seedPayee(t, db, "gate-d@example.com").ID
			},
			wantKind: errs.KindValidation,
			wantMsg:  "no payable commissions",
		},
		{
			name: "below free tier minimum",
			prepare: func(t *testing.T, db *gorm.DB) uuid.UUID {
				p := seedPayee(t, db, "gate-e@example.com")
				seedCommission(t, db, p, "20.00", models.CommissionStatusPending)
				if err := db.Model(p).Update("tier", models.TierFree).Error; err != nil {
					t.Fatalf("failed to downgrade tier: %v", err)
				}
				return p.ID
			},
			wantKind: errs.KindAccessDenied,
			wantMsg:  "tier minimum",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := newTestDB(t)
			svc, _, _ := newPayoutService(t, db)

			id := tc.prepare(t, db)
			_, err := svc.PayAffiliate(id, "admin@example.com")
			if !errs.IsKind(err, tc.wantKind) {
				t.Fatalf("expected kind %s, got %v", tc.wantKind, err)
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("expected message containing %q, got %q", tc.wantMsg, err.Error())
			}

			var count int64
			if err := db.Model(&models.DisbursementTransaction{}).Count(&count).Error; err != nil {
				t.Fatalf("failed to count transactions: %v", err)
			}
			if count != 0 {
				t.Fatalf("a blocked payout must not create transactions, found %d", count)
			}
		})
	}
}

func TestPayAffiliateAccessDeniedCarriesRemediation(t *testing.T) {
	db := newTestDB(t)
	svc, _, _ := newPayoutService(t, db)

	profile := seedPayee(t, db, "remediation@example.com")
	seedCommission(t, db, profile, "15.00", models.CommissionStatusPending)
	if err := db.Model(profile).Update("kyc_status", models.KYCStatusPending).Error; err != nil {
		t.Fatalf("failed to downgrade KYC: %v", err)
	}

	_, err := svc.PayAffiliate(profile.ID, "admin@example.com")
	var engineErr *errs.Error
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected an engine error, got %v", err)
	}
	if engineErr.Remediation == "" {
		t.Fatal("access-denied payout errors must carry a remediation hint")
	}
}

func TestPayAffiliateRequiresReceivablePayee(t *testing.T) {
	db := newTestDB(t)
	svc, provider, _ := newPayoutService(t, db)

	profile := seedPayee(t, db, "blocked@example.com")
	seedCommission(t, db, profile, "15.00", models.CommissionStatusPending)
	provider.RegisterPayee(payments.PayeeInfo{
		PayeeID:            profile.PayeeID,
		Email:              profile.Email,
		KYCStatus:          "PENDING",
		CanReceivePayments: false,
	})

	_, err := svc.PayAffiliate(profile.ID, "admin@example.com")
	if !errs.IsKind(err, errs.KindAccessDenied) {
		t.Fatalf("expected ACCESS_DENIED, got %v", err)
	}
	if !strings.Contains(err.Error(), "cannot receive payments") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestPayAffiliateRejectsConcurrentRun(t *testing.T) {
	db := newTestDB(t)
	svc, _, _ := newPayoutService(t, db)

	profile := seedPayee(t, db, "locked@example.com")
	commission := seedCommission(t, db, profile, "15.00", models.CommissionStatusPending)

	open := &models.DisbursementTransaction{
		AffiliateID:    profile.ID,
		CommissionID:   commission.ID,
		Provider:       "mock",
		IdempotencyKey: "payout-" + commission.ID.String(),
		Amount:         dec(t, "15.00"),
		Currency:       "USD",
		Status:         models.TxStatusProcessing,
	}
	if err := db.Create(open).Error; err != nil {
		t.Fatalf("failed to seed open transaction: %v", err)
	}

	_, err := svc.PayAffiliate(profile.ID, "admin@example.com")
	if !errs.IsKind(err, errs.KindStateConflict) {
		t.Fatalf("expected STATE_CONFLICT, got %v", err)
	}
	if !strings.Contains(err.Error(), "already in flight") {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestPayAffiliateTimeoutThenReconcile(t *testing.T) {
	db := newTestDB(t)
	svc, provider, _ := newPayoutService(t, db)

	profile := seedPayee(t, db, "timeout@example.com")
	commission := seedCommission(t, db, profile, "15.00", models.CommissionStatusPending)

	provider.TimeoutNext()
	summary, err := svc.PayAffiliate(profile.ID, "admin@example.com")
	if err != nil {
		t.Fatalf("PayAffiliate failed: %v", err)
	}
	if summary.InFlightCount != 1 || summary.SuccessCount != 0 || summary.FailedCount != 0 {
		t.Fatalf("a timeout is an unknown outcome, not a failure: %+v", summary)
	}

	rows := loadTransactions(t, db, commission.ID)
	if len(rows) != 1 || rows[0].Status != models.TxStatusProcessing {
		t.Fatalf("expected one PROCESSING transaction, got %+v", rows)
	}
	if rows[0].ProviderTxID != "" {
		t.Fatal("a lost response cannot have produced a provider handle")
	}
	if got := loadCommission(t, db, commission.ID).Status; got != models.CommissionStatusPending {
		t.Fatalf("commission must stay PENDING while the outcome is unknown, got %s", got)
	}
	before := loadProfile(t, db, profile.ID)
	if !before.PendingCommissions.Equal(dec(t, "15.00")) {
		t.Fatalf("balances must not move on an unknown outcome, pending=%s", before.PendingCommissions)
	}

	// Reconciliation resubmits under the same idempotency key and settles.
	reconciled, err := svc.ReconcileTransaction(rows[0].ID)
	if err != nil {
		t.Fatalf("ReconcileTransaction failed: %v", err)
	}
	if reconciled.Status != models.TxStatusCompleted {
		t.Fatalf("expected COMPLETED after reconciliation, got %s", reconciled.Status)
	}
	if got := loadCommission(t, db, commission.ID).Status; got != models.CommissionStatusPaid {
		t.Fatalf("expected PAID after reconciliation, got %s", got)
	}
	after := loadProfile(t, db, profile.ID)
	if !after.PaidCommissions.Equal(dec(t, "15.00")) {
		t.Fatalf("expected paid balance 15.00 after reconciliation, got %s", after.PaidCommissions)
	}
}

func TestPayAffiliateRetryAfterFailureUsesFreshKey(t *testing.T) {
	db := newTestDB(t)
	svc, provider, _ := newPayoutService(t, db)

	profile := seedPayee(t, db, "retry@example.com")
	commission := seedCommission(t, db, profile, "15.00", models.CommissionStatusPending)

	provider.FailAll(true)
	summary, err := svc.PayAffiliate(profile.ID, "admin@example.com")
	if err != nil {
		t.Fatalf("PayAffiliate failed: %v", err)
	}
	if summary.FailedCount != 1 {
		t.Fatalf("expected 1 failure, got %+v", summary)
	}

	// The rail remembers the first key as a rejection; a retry must use a
	// fresh key or it would replay that rejection forever.
	provider.FailAll(false)
	summary, err = svc.PayAffiliate(profile.ID, "admin@example.com")
	if err != nil {
		t.Fatalf("retry PayAffiliate failed: %v", err)
	}
	if summary.SuccessCount != 1 {
		t.Fatalf("expected retry to succeed, got %+v", summary)
	}

	rows := loadTransactions(t, db, commission.ID)
	if len(rows) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(rows))
	}
	base := "payout-" + commission.ID.String()
	if rows[0].IdempotencyKey != base || rows[1].IdempotencyKey != base+"-r1" {
		t.Fatalf("unexpected attempt keys %q and %q", rows[0].IdempotencyKey, rows[1].IdempotencyKey)
	}
	if rows[0].Status != models.TxStatusFailed || rows[1].Status != models.TxStatusCompleted {
		t.Fatalf("unexpected attempt statuses %s and %s", rows[0].Status, rows[1].Status)
	}
}

func TestPayAffiliateUnconvertibleCurrency(t *testing.T) {
	db := newTestDB(t)
	svc, _, _ := newPayoutService(t, db)

	profile := seedPayee(t, db, "euro@example.com")
	seedCommission(t, db, profile, "15.00", models.CommissionStatusPending)
	if err := db.Model(profile).Update("payout_currency", "EUR").Error; err != nil {
		t.Fatalf("failed to set payout currency: %v", err)
	}

	_, err := svc.PayAffiliate(profile.ID, "admin@example.com")
	if !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
	if !strings.Contains(err.Error(), "conversion") {
		t.Fatalf("unexpected message: %v", err)
	}

	var count int64
	if err := db.Model(&models.DisbursementTransaction{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count transactions: %v", err)
	}
	if count != 0 {
		t.Fatalf("no transaction may exist for an unconvertible payout, found %d", count)
	}
}

func TestPayBatchMixedOutcomes(t *testing.T) {
	db := newTestDB(t)
	svc, provider, _ := newPayoutService(t, db)

	alice := seedPayee(t, db, "alice@example.com")
	bob := seedPayee(t, db, "bob@example.com")
	carol := seedPayee(t, db, "carol@example.com")
	comA := seedCommission(t, db, alice, "25.00", models.CommissionStatusPending)
	comB := seedCommission(t, db, bob, "35.00", models.CommissionStatusPending)
	comC := seedCommission(t, db, carol, "45.00", models.CommissionStatusPending)

	provider.FailPayee(bob.PayeeID, "payee suspended at rail")

	summary, err := svc.PayBatch([]uuid.UUID{alice.ID, bob.ID, carol.ID}, "ops@example.com")
	if err != nil {
		t.Fatalf("PayBatch failed: %v", err)
	}
	if len(summary.Excluded) != 0 {
		t.Fatalf("expected no exclusions, got %+v", summary.Excluded)
	}

	batch := summary.Batch
	if batch == nil {
		t.Fatal("expected a batch record")
	}
	if batch.Status != models.BatchStatusPartial {
		t.Fatalf("expected PARTIALLY_COMPLETED, got %s", batch.Status)
	}
	if batch.RequestedCount != 3 || batch.SuccessCount != 2 || batch.FailedCount != 1 {
		t.Fatalf("unexpected batch counters: %+v", batch)
	}
	if batch.SuccessCount+batch.FailedCount != batch.RequestedCount {
		t.Fatalf("batch counters do not add up: %+v", batch)
	}
	if !batch.TotalAmount.Equal(dec(t, "105.00")) {
		t.Fatalf("expected batch total 105.00, got %s", batch.TotalAmount)
	}
	if batch.CompletedAt == nil {
		t.Fatal("closed batch must carry a completion time")
	}
	if len(batch.Transactions) != 3 {
		t.Fatalf("expected 3 member transactions, got %d", len(batch.Transactions))
	}

	// The failed member must not have poisoned the successful ones.
	if got := loadCommission(t, db, comA.ID).Status; got != models.CommissionStatusPaid {
		t.Fatalf("alice: expected PAID, got %s", got)
	}
	if got := loadCommission(t, db, comC.ID).Status; got != models.CommissionStatusPaid {
		t.Fatalf("carol: expected PAID, got %s", got)
	}
	if got := loadCommission(t, db, comB.ID).Status; got != models.CommissionStatusPending {
		t.Fatalf("bob: commission must stay payable, got %s", got)
	}
	bobRows := loadTransactions(t, db, comB.ID)
	if len(bobRows) != 1 || bobRows[0].Status != models.TxStatusFailed {
		t.Fatalf("bob: expected one FAILED transaction, got %+v", bobRows)
	}
	if bobRows[0].FailureReason != "payee suspended at rail" {
		t.Fatalf("bob: expected the rail's reason, got %q", bobRows[0].FailureReason)
	}

	bobAfter := loadProfile(t, db, bob.ID)
	if !bobAfter.PendingCommissions.Equal(dec(t, "35.00")) || !bobAfter.PaidCommissions.Equal(dec(t, "0.00")) {
		t.Fatalf("bob's balances must be unchanged, got pending=%s paid=%s", bobAfter.PendingCommissions, bobAfter.PaidCommissions)
	}
	aliceAfter := loadProfile(t, db, alice.ID)
	if !aliceAfter.PaidCommissions.Equal(dec(t, "25.00")) {
		t.Fatalf("alice: expected paid balance 25.00, got %s", aliceAfter.PaidCommissions)
	}

	if got := auditCount(t, db, models.AuditBatchInitiated); got != 1 {
		t.Fatalf("expected 1 BATCH_INITIATED entry, got %d", got)
	}
	if got := auditCount(t, db, models.AuditBatchCompleted); got != 1 {
		t.Fatalf("expected 1 BATCH_COMPLETED entry, got %d", got)
	}
}

func TestPayBatchAllFailures(t *testing.T) {
	db := newTestDB(t)
	svc, provider, _ := newPayoutService(t, db)

	alice := seedPayee(t, db, "alice@example.com")
	bob := seedPayee(t, db, "bob@example.com")
	seedCommission(t, db, alice, "25.00", models.CommissionStatusPending)
	seedCommission(t, db, bob, "35.00", models.CommissionStatusPending)

	provider.FailAll(true)

	summary, err := svc.PayBatch([]uuid.UUID{alice.ID, bob.ID}, "ops@example.com")
	if err != nil {
		t.Fatalf("PayBatch failed: %v", err)
	}
	if summary.Batch.Status != models.BatchStatusFailed {
		t.Fatalf("expected FAILED batch, got %s", summary.Batch.Status)
	}
	if summary.Batch.SuccessCount != 0 || summary.Batch.FailedCount != 2 {
		t.Fatalf("unexpected counters: %+v", summary.Batch)
	}
	if got := auditCount(t, db, models.AuditPayoutFailed); got != 2 {
		t.Fatalf("expected 2 PAYOUT_FAILED entries, got %d", got)
	}
}

func TestPayBatchExcludesNotReadyAffiliates(t *testing.T) {
	db := newTestDB(t)
	svc, _, _ := newPayoutService(t, db)

	ready := seedPayee(t, db, "ready@example.com")
	seedCommission(t, db, ready, "20.00", models.CommissionStatusPending)

	suspended := seedPayee(t, db, "suspended@example.com")
	seedCommission(t, db, suspended, "20.00", models.CommissionStatusPending)
	if err := db.Model(suspended).Update("status", models.ProfileStatusSuspended).Error; err != nil {
		t.Fatalf("failed to suspend: %v", err)
	}

	broke := seedPayee(t, db, "broke@example.com")

	freeTier := seedPayee(t, db, "free@example.com")
	seedCommission(t, db, freeTier, "20.00", models.CommissionStatusPending)
	if err := db.Model(freeTier).Update("tier", models.TierFree).Error; err != nil {
		t.Fatalf("failed to downgrade tier: %v", err)
	}

	busy := seedPayee(t, db, "busy@example.com")
	busyCom := seedCommission(t, db, busy, "20.00", models.CommissionStatusPending)
	openRow := &models.DisbursementTransaction{
		AffiliateID:    busy.ID,
		CommissionID:   busyCom.ID,
		Provider:       "mock",
		IdempotencyKey: "payout-" + busyCom.ID.String(),
		Amount:         dec(t, "20.00"),
		Currency:       "USD",
		Status:         models.TxStatusPending,
	}
	if err := db.Create(openRow).Error; err != nil {
		t.Fatalf("failed to seed open transaction: %v", err)
	}

	ghost := uuid.New()

	summary, err := svc.PayBatch([]uuid.UUID{ready.ID, suspended.ID, broke.ID, freeTier.ID, busy.ID, ghost}, "ops@example.com")
	if err != nil {
		t.Fatalf("PayBatch failed: %v", err)
	}

	if summary.Batch == nil || summary.Batch.RequestedCount != 1 || summary.Batch.SuccessCount != 1 {
		t.Fatalf("expected a batch paying only the ready affiliate, got %+v", summary.Batch)
	}

	reasons := map[uuid.UUID]string{}
	for _, ex := range summary.Excluded {
		reasons[ex.AffiliateID] = ex.Reason
	}
	if len(reasons) != 5 {
		t.Fatalf("expected 5 exclusions, got %+v", summary.Excluded)
	}
	checks := map[uuid.UUID]string{
		suspended.ID: "not active",
		broke.ID:     "no payable commissions",
		freeTier.ID:  "tier minimum",
		busy.ID:      "already has a payout in flight",
		ghost:        "affiliate not found",
	}
	for id, want := range checks {
		if !strings.Contains(reasons[id], want) {
			t.Fatalf("exclusion for %s: expected reason containing %q, got %q", id, want, reasons[id])
		}
	}
}

func TestPayBatchValidation(t *testing.T) {
	db := newTestDB(t)
	svc, _, _ := newPayoutService(t, db)

	if _, err := svc.PayBatch(nil, "ops@example.com"); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("expected VALIDATION_ERROR for an empty batch, got %v", err)
	}

	suspended := seedPayee(t, db, "only@example.com")
	seedCommission(t, db, suspended, "20.00", models.CommissionStatusPending)
	if err := db.Model(suspended).Update("status", models.ProfileStatusSuspended).Error; err != nil {
		t.Fatalf("failed to suspend: %v", err)
	}

	summary, err := svc.PayBatch([]uuid.UUID{suspended.ID}, "ops@example.com")
	if err != nil {
		t.Fatalf("PayBatch failed: %v", err)
	}
	if summary.Batch != nil {
		t.Fatal("no batch may be created when every affiliate is excluded")
	}
	if len(summary.Excluded) != 1 {
		t.Fatalf("expected 1 exclusion, got %+v", summary.Excluded)
	}
}

func TestPayBatchTimeoutThenReconcile(t *testing.T) {
	db := newTestDB(t)
	svc, provider, _ := newPayoutService(t, db)

	alice := seedPayee(t, db, "alice@example.com")
	bob := seedPayee(t, db, "bob@example.com")
	comA := seedCommission(t, db, alice, "25.00", models.CommissionStatusPending)
	comB := seedCommission(t, db, bob, "35.00", models.CommissionStatusPending)

	provider.TimeoutNext()

	_, err := svc.PayBatch([]uuid.UUID{alice.ID, bob.ID}, "ops@example.com")
	if err == nil || !errs.IsTimeout(err) {
		t.Fatalf("expected a timeout error, got %v", err)
	}

	var batch models.PaymentBatch
	if err := db.First(&batch).Error; err != nil {
		t.Fatalf("expected the batch row to survive the timeout: %v", err)
	}
	if batch.Status != models.BatchStatusProcessing {
		t.Fatalf("expected PROCESSING batch after timeout, got %s", batch.Status)
	}

	svc.Now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	settled, err := svc.ReconcileStaleTransactions(5 * time.Minute)
	if err != nil {
		t.Fatalf("ReconcileStaleTransactions failed: %v", err)
	}
	if settled != 2 {
		t.Fatalf("expected 2 settled transactions, got %d", settled)
	}

	if err := db.First(&batch, "id = ?", batch.ID).Error; err != nil {
		t.Fatalf("failed to reload batch: %v", err)
	}
	if batch.Status != models.BatchStatusCompleted {
		t.Fatalf("expected the poller to close the batch, got %s", batch.Status)
	}
	if got := loadCommission(t, db, comA.ID).Status; got != models.CommissionStatusPaid {
		t.Fatalf("alice: expected PAID after reconciliation, got %s", got)
	}
	if got := loadCommission(t, db, comB.ID).Status; got != models.CommissionStatusPaid {
		t.Fatalf("bob: expected PAID after reconciliation, got %s", got)
	}

	// A second sweep has nothing left to do.
	settled, err = svc.ReconcileStaleTransactions(5 * time.Minute)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if settled != 0 {
		t.Fatalf("expected an idle sweep, settled %d", settled)
	}
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	db := newTestDB(t)
	svc, _, _ := newPayoutService(t, db)

	body, _ := signedEnvelope(t, "payout.completed", "team-1", map[string]interface{}{"provider_tx_id": "x"})

	outcome, err := svc.HandleWebhook(body, "deadbeef")
	if outcome != nil {
		t.Fatalf("expected no outcome for a forged webhook, got %+v", outcome)
	}
	if !errs.IsKind(err, errs.KindSignature) {
		t.Fatalf("expected SIGNATURE_ERROR, got %v", err)
	}
	if got := auditCount(t, db, models.AuditWebhookRejected); got != 1 {
		t.Fatalf("expected 1 WEBHOOK_REJECTED entry, got %d", got)
	}
}

func TestHandleWebhookCompletesAsyncPayout(t *testing.T) {
	db := newTestDB(t)
	svc, _, sink := newPayoutService(t, db)

	profile := seedPayee(t, db, "async@example.com")
	commission := seedCommission(t, db, profile, "18.00", models.CommissionStatusPending)
	row := &models.DisbursementTransaction{
		AffiliateID:    profile.ID,
		CommissionID:   commission.ID,
		Provider:       "mock",
		ProviderTxID:   "evt-ptx-1",
		IdempotencyKey: "payout-" + commission.ID.String(),
		Amount:         dec(t, "18.00"),
		Currency:       "USD",
		Status:         models.TxStatusProcessing,
	}
	if err := db.Create(row).Error; err != nil {
		t.Fatalf("failed to seed transaction: %v", err)
	}

	body, sig := signedEnvelope(t, "payout.completed", "team-1", map[string]interface{}{"provider_tx_id": "evt-ptx-1"})

	outcome, err := svc.HandleWebhook(body, sig)
	if err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	if !outcome.Applied || outcome.Status != models.TxStatusCompleted {
		t.Fatalf("expected an applied completion, got %+v", outcome)
	}
	if outcome.TransactionID != row.ID.String() {
		t.Fatalf("outcome names the wrong transaction: %+v", outcome)
	}
	if got := loadCommission(t, db, commission.ID).Status; got != models.CommissionStatusPaid {
		t.Fatalf("expected PAID commission, got %s", got)
	}
	after := loadProfile(t, db, profile.ID)
	if !after.PaidCommissions.Equal(dec(t, "18.00")) || !after.PendingCommissions.Equal(dec(t, "0.00")) {
		t.Fatalf("balances did not move: pending=%s paid=%s", after.PendingCommissions, after.PaidCommissions)
	}
	if !sink.has("payout.completed") {
		t.Fatal("expected a payout.completed event on the sink")
	}

	// Replay: acknowledged, recorded, but never applied twice.
	outcome, err = svc.HandleWebhook(body, sig)
	if err != nil {
		t.Fatalf("replayed HandleWebhook failed: %v", err)
	}
	if outcome.Applied {
		t.Fatal("a replayed completion must not re-apply")
	}
	if !strings.Contains(outcome.Reason, "already completed") {
		t.Fatalf("unexpected replay reason: %+v", outcome)
	}
	if got := auditCount(t, db, models.AuditPayoutCompleted); got != 1 {
		t.Fatalf("expected exactly 1 PAYOUT_COMPLETED entry after replay, got %d", got)
	}
	after = loadProfile(t, db, profile.ID)
	if !after.PaidCommissions.Equal(dec(t, "18.00")) {
		t.Fatalf("replay moved balances again: paid=%s", after.PaidCommissions)
	}
}

func TestHandleWebhookFailureThenCompletionCorrection(t *testing.T) {
	db := newTestDB(t)
	svc, _, _ := newPayoutService(t, db)

	profile := seedPayee(t, db, "correction@example.com")
	commission := seedCommission(t, db, profile, "22.00", models.CommissionStatusPending)
	row := &models.DisbursementTransaction{
		AffiliateID:    profile.ID,
		CommissionID:   commission.ID,
		Provider:       "mock",
		ProviderTxID:   "evt-ptx-2",
		IdempotencyKey: "payout-" + commission.ID.String(),
		Amount:         dec(t, "22.00"),
		Currency:       "USD",
		Status:         models.TxStatusProcessing,
	}
	if err := db.Create(row).Error; err != nil {
		t.Fatalf("failed to seed transaction: %v", err)
	}

	failBody, failSig := signedEnvelope(t, "payout.failed", "team-1", map[string]interface{}{
		"provider_tx_id": "evt-ptx-2",
		"reason":         "bank rejected",
	})
	outcome, err := svc.HandleWebhook(failBody, failSig)
	if err != nil || !outcome.Applied {
		t.Fatalf("expected an applied failure, got %+v (%v)", outcome, err)
	}
	rows := loadTransactions(t, db, commission.ID)
	if rows[0].Status != models.TxStatusFailed || rows[0].FailureReason != "bank rejected" {
		t.Fatalf("unexpected transaction after failure webhook: %+v", rows[0])
	}
	if got := loadCommission(t, db, commission.ID).Status; got != models.CommissionStatusPending {
		t.Fatalf("commission must stay payable after a failure, got %s", got)
	}

	// The provider corrects itself: the payment did go through.
	okBody, okSig := signedEnvelope(t, "payout.completed", "team-1", map[string]interface{}{"provider_tx_id": "evt-ptx-2"})
	outcome, err = svc.HandleWebhook(okBody, okSig)
	if err != nil || !outcome.Applied {
		t.Fatalf("expected the correction to apply, got %+v (%v)", outcome, err)
	}
	if got := loadCommission(t, db, commission.ID).Status; got != models.CommissionStatusPaid {
		t.Fatalf("expected PAID after correction, got %s", got)
	}
	after := loadProfile(t, db, profile.ID)
	if !after.PaidCommissions.Equal(dec(t, "22.00")) {
		t.Fatalf("expected paid balance 22.00 after correction, got %s", after.PaidCommissions)
	}

	// But a completed payout is immutable; a late failure changes nothing.
	outcome, err = svc.HandleWebhook(failBody, failSig)
	if err != nil {
		t.Fatalf("late failure webhook errored: %v", err)
	}
	if outcome.Applied || !strings.Contains(outcome.Reason, "immutable") {
		t.Fatalf("a completed payout must be immutable, got %+v", outcome)
	}
	if got := loadCommission(t, db, commission.ID).Status; got != models.CommissionStatusPaid {
		t.Fatalf("late failure flipped the commission to %s", got)
	}
}

func TestHandleWebhookToleratesNoise(t *testing.T) {
	db := newTestDB(t)
	svc, _, _ := newPayoutService(t, db)

	verifier, err := payments.NewWebhookVerifier(testWebhookSecret)
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}

	garbage := []byte("not json at all")
	outcome, err := svc.HandleWebhook(garbage, verifier.Sign(garbage))
	if err != nil {
		t.Fatalf("authentic garbage must be acknowledged, got %v", err)
	}
	if outcome.Applied || outcome.Reason != "unparseable payload" {
		t.Fatalf("unexpected outcome for garbage: %+v", outcome)
	}

	body, sig := signedEnvelope(t, "payout.refunded", "team-1", map[string]interface{}{"provider_tx_id": "x"})
	outcome, err = svc.HandleWebhook(body, sig)
	if err != nil || outcome.Applied || outcome.Reason != "unhandled event type" {
		t.Fatalf("unexpected outcome for unhandled event: %+v (%v)", outcome, err)
	}

	body, sig = signedEnvelope(t, "payout.completed", "team-1", map[string]interface{}{})
	outcome, err = svc.HandleWebhook(body, sig)
	if err != nil || outcome.Applied || outcome.Reason != "missing provider_tx_id" {
		t.Fatalf("unexpected outcome for missing handle: %+v (%v)", outcome, err)
	}

	body, sig = signedEnvelope(t, "payout.completed", "team-1", map[string]interface{}{"provider_tx_id": "nope"})
	outcome, err = svc.HandleWebhook(body, sig)
	if err != nil || outcome.Applied || outcome.Reason != "unknown provider transaction" {
		t.Fatalf("unexpected outcome for unknown transaction: %+v (%v)", outcome, err)
	}
}

func TestApproveCommission(t *testing.T) {
	db := newTestDB(t)
	svc, _, _ := newPayoutService(t, db)

	profile := seedPayee(t, db, "approve@example.com")
	commission := seedCommission(t, db, profile, "15.00", models.CommissionStatusPending)

	approved, err := svc.ApproveCommission(commission.ID, "admin@example.com")
	if err != nil {
		t.Fatalf("ApproveCommission failed: %v", err)
	}
	if approved.Status != models.CommissionStatusApproved || approved.ApprovedAt == nil {
		t.Fatalf("expected APPROVED with timestamp, got %+v", approved)
	}
	if got := auditCount(t, db, models.AuditCommissionApproved); got != 1 {
		t.Fatalf("expected 1 COMMISSION_APPROVED entry, got %d", got)
	}

	if _, err := svc.ApproveCommission(commission.ID, "admin@example.com"); !errs.IsKind(err, errs.KindStateConflict) {
		t.Fatalf("expected STATE_CONFLICT on double approval, got %v", err)
	}
	if _, err := svc.ApproveCommission(uuid.New(), "admin@example.com"); !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestGetBatchAndTransactionStatus(t *testing.T) {
	db := newTestDB(t)
	svc, provider, _ := newPayoutService(t, db)

	profile := seedPayee(t, db, "lookup@example.com")
	commission := seedCommission(t, db, profile, "15.00", models.CommissionStatusPending)

	summary, err := svc.PayBatch([]uuid.UUID{profile.ID}, "ops@example.com")
	if err != nil {
		t.Fatalf("PayBatch failed: %v", err)
	}

	batch, err := svc.GetBatch(summary.Batch.ID)
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if len(batch.Transactions) != 1 {
		t.Fatalf("expected the batch to load its transactions, got %d", len(batch.Transactions))
	}
	if batch.Transactions[0].CommissionID != commission.ID {
		t.Fatalf("expected the member to reference commission %s, got %s", commission.ID, batch.Transactions[0].CommissionID)
	}

	var settled models.Commission
	if err := db.First(&settled, "id = ?", commission.ID).Error; err != nil {
		t.Fatalf("failed to reload commission: %v", err)
	}
	if settled.Status != models.CommissionStatusPaid {
		t.Fatalf("expected the commission settled PAID, got %s", settled.Status)
	}
	if _, err := svc.GetBatch(uuid.New()); !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("expected NOT_FOUND for an unknown batch, got %v", err)
	}

	row, err := svc.GetTransactionStatus(batch.Transactions[0].ID)
	if err != nil {
		t.Fatalf("GetTransactionStatus failed: %v", err)
	}
	if row.Status != models.TxStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", row.Status)
	}
	if _, err := svc.GetTransactionStatus(uuid.New()); !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("expected NOT_FOUND for an unknown transaction, got %v", err)
	}

	// A status poll on an open row reconciles it live against the rail.
	other := seedCommission(t, db, profile, "9.00", models.CommissionStatusPending)
	result, err := provider.SendPayment(payments.PaymentRequest{
		AffiliateID:    profile.ID.String(),
		PayeeID:        profile.PayeeID,
		Amount:         dec(t, "9.00"),
		Currency:       "USD",
		CommissionID:   other.ID.String(),
		IdempotencyKey: "payout-" + other.ID.String(),
	})
	if err != nil {
		t.Fatalf("direct SendPayment failed: %v", err)
	}
	open := &models.DisbursementTransaction{
		AffiliateID:    profile.ID,
		CommissionID:   other.ID,
		Provider:       "mock",
		ProviderTxID:   result.ProviderTxID,
		IdempotencyKey: "payout-" + other.ID.String() + "-poll",
		Amount:         dec(t, "9.00"),
		Currency:       "USD",
		Status:         models.TxStatusProcessing,
	}
	if err := db.Create(open).Error; err != nil {
		t.Fatalf("failed to seed open transaction: %v", err)
	}

	polled, err := svc.GetTransactionStatus(open.ID)
	if err != nil {
		t.Fatalf("GetTransactionStatus failed: %v", err)
	}
	if polled.Status != models.TxStatusCompleted {
		t.Fatalf("expected the poll to settle the row, got %s", polled.Status)
	}
	if got := loadCommission(t, db, other.ID).Status; got != models.CommissionStatusPaid {
		t.Fatalf("expected PAID after the poll, got %s", got)
	}
}

func TestHealthReport(t *testing.T) {
	db := newTestDB(t)
	svc, _, _ := newPayoutService(t, db)

	report := svc.Health()
	if !report.Healthy || !report.Checks.Database || !report.Checks.Provider {
		t.Fatalf("expected a healthy report, got %+v", report)
	}
	if report.Provider != "mock" {
		t.Fatalf("expected provider mock, got %s", report.Provider)
	}
	if report.Checks.PendingBatches != 0 {
		t.Fatalf("expected no pending batches, got %d", report.Checks.PendingBatches)
	}
	if len(report.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", report.Warnings)
	}
	if report.Uptime == "" || report.Timestamp.IsZero() {
		t.Fatalf("report must carry uptime and timestamp: %+v", report)
	}

	// In-flight work with no webhook traffic is worth a warning, and open
	// batches must show up in the checks.
	profile := seedPayee(t, db, "health@example.com")
	commission := seedCommission(t, db, profile, "15.00", models.CommissionStatusPending)
	batch := &models.PaymentBatch{Provider: "mock", Status: models.BatchStatusProcessing, Currency: "USD", InitiatedBy: "ops"}
	if err := db.Create(batch).Error; err != nil {
		t.Fatalf("failed to seed batch: %v", err)
	}
	row := &models.DisbursementTransaction{
		BatchID:        &batch.ID,
		AffiliateID:    profile.ID,
		CommissionID:   commission.ID,
		Provider:       "mock",
		IdempotencyKey: "payout-" + commission.ID.String(),
		Amount:         dec(t, "15.00"),
		Currency:       "USD",
		Status:         models.TxStatusProcessing,
	}
	if err := db.Create(row).Error; err != nil {
		t.Fatalf("failed to seed transaction: %v", err)
	}

	report = svc.Health()
	if report.Checks.PendingBatches != 1 {
		t.Fatalf("expected 1 pending batch, got %d", report.Checks.PendingBatches)
	}
	if len(report.Warnings) == 0 {
		t.Fatal("expected a warning about in-flight work without webhook traffic")
	}
	if !strings.Contains(strings.Join(report.Warnings, " "), "no webhook") {
		t.Fatalf("unexpected warnings: %v", report.Warnings)
	}
	if !report.Healthy {
		t.Fatalf("warnings alone must not flip the health bit: %+v", report)
	}
}

type mailRecorder struct {
	subjects chan string
}

func (m *mailRecorder) Send(toName, toEmail, subject, htmlContent string) error {
	m.subjects <- subject
	return nil
}

func waitForMail(t *testing.T, mail *mailRecorder) string {
	t.Helper()
	select {
	case subject := <-mail.subjects:
		return subject
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a payout notice")
		return ""
	}
}

func TestPayoutNoticesEmailTheAffiliate(t *testing.T) {
	db := newTestDB(t)
	verifier, err := payments.NewWebhookVerifier(testWebhookSecret)
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}
	provider := payments.NewMockProvider(verifier)
	mail := &mailRecorder{subjects: make(chan string, 4)}
	svc := services.NewDisbursementService(db, provider, verifier, nil, mail, nil)

	paid := seedPayee(t, db, "notice-paid@example.com")
	seedCommission(t, db, paid, "12.00", models.CommissionStatusApproved)
	summary, err := svc.PayAffiliate(paid.ID, "ops")
	if err != nil || summary.SuccessCount != 1 {
		t.Fatalf("expected one successful payout, got %+v (err %v)", summary, err)
	}
	if subject := waitForMail(t, mail); !strings.Contains(subject, "on its way") {
		t.Fatalf("expected a completion notice, got %q", subject)
	}

	failed := seedPayee(t, db, "notice-failed@example.com")
	seedCommission(t, db, failed, "12.00", models.CommissionStatusApproved)
	provider.FailAll(true)
	summary, err = svc.PayAffiliate(failed.ID, "ops")
	if err != nil || summary.FailedCount != 1 {
		t.Fatalf("expected one failed payout, got %+v (err %v)", summary, err)
	}
	if subject := waitForMail(t, mail); !strings.Contains(subject, "could not be completed") {
		t.Fatalf("expected a failure notice, got %q", subject)
	}
}
