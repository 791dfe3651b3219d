package payments_test

import (
	"fmt"
	"testing"

	"github.com/pipalerts/affiliate_engine/errs"
	"github.com/pipalerts/affiliate_engine/payments"
	"github.com/shopspring/decimal"
)

func mockRequest(n int) payments.PaymentRequest {
	return payments.PaymentRequest{
		AffiliateID:    fmt.Sprintf("aff-%d", n),
		PayeeID:        fmt.Sprintf("payee-%d", n),
		Amount:         decimal.NewFromFloat(10.50),
		Currency:       "USD",
		CommissionID:   fmt.Sprintf("comm-%d", n),
		IdempotencyKey: payments.IdempotencyKey(fmt.Sprintf("comm-%d", n)),
	}
}

func TestMockSendPaymentSucceeds(t *testing.T) {
	t.Parallel()
	m := payments.NewMockProvider(newVerifier(t))

	result, err := m.SendPayment(mockRequest(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Status != payments.PaymentStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", result.Status)
	}
	if result.ProviderTxID == "" || result.TransactionID == "" {
		t.Fatal("expected transaction ids to be populated")
	}

	status, err := m.GetPaymentStatus(result.TransactionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != payments.PaymentStatusCompleted {
		t.Fatalf("expected status COMPLETED, got %s", status)
	}
}

func TestMockSendPaymentValidatesLocally(t *testing.T) {
	t.Parallel()
	m := payments.NewMockProvider(newVerifier(t))

	req := mockRequest(1)
	req.Amount = decimal.Zero
	if _, err := m.SendPayment(req); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("zero amount: expected validation error, got %v", err)
	}

	req = mockRequest(2)
	req.PayeeID = ""
	if _, err := m.SendPayment(req); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("missing payee: expected validation error, got %v", err)
	}
}

func TestMockIdempotentReplay(t *testing.T) {
	t.Parallel()
	m := payments.NewMockProvider(newVerifier(t))

	req := mockRequest(1)
	first, err := m.SendPayment(req)
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	second, err := m.SendPayment(req)
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if first.TransactionID != second.TransactionID || first.ProviderTxID != second.ProviderTxID {
		t.Fatal("expected identical result on idempotent replay")
	}
}

func TestMockForcedFullFailure(t *testing.T) {
	t.Parallel()
	m := payments.NewMockProvider(newVerifier(t))
	m.FailAll(true)

	reqs := []payments.PaymentRequest{mockRequest(1), mockRequest(2), mockRequest(3)}
	batch, err := m.SendBatchPayment(reqs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.Success {
		t.Fatal("expected batch success=false under full failure")
	}
	if batch.SuccessCount != 0 || batch.FailedCount != 3 {
		t.Fatalf("expected 0/3, got %d/%d", batch.SuccessCount, batch.FailedCount)
	}
	for i, r := range batch.Results {
		if r.Success || r.Error == "" {
			t.Fatalf("item %d: expected structured failure, got %+v", i, r)
		}
	}
}

func TestMockMixedBatchOutcome(t *testing.T) {
	t.Parallel()
	m := payments.NewMockProvider(newVerifier(t))
	m.FailPayee("payee-2", "payee account is locked")

	reqs := []payments.PaymentRequest{mockRequest(1), mockRequest(2), mockRequest(3)}
	batch, err := m.SendBatchPayment(reqs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.Success {
		t.Fatal("expected batch success=false with one failed item")
	}
	if batch.SuccessCount+batch.FailedCount != len(reqs) {
		t.Fatalf("counts must sum to requested: %d+%d != %d",
			batch.SuccessCount, batch.FailedCount, len(reqs))
	}
	if batch.SuccessCount != 2 || batch.FailedCount != 1 {
		t.Fatalf("expected 2/1, got %d/%d", batch.SuccessCount, batch.FailedCount)
	}
	if batch.Results[1].Error != "payee account is locked" {
		t.Fatalf("expected injected reason, got %q", batch.Results[1].Error)
	}
}

func TestMockTimeoutIsRetryableUnknown(t *testing.T) {
	t.Parallel()
	m := payments.NewMockProvider(newVerifier(t))
	m.TimeoutNext()

	_, err := m.SendPayment(mockRequest(1))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errs.IsTimeout(err) {
		t.Fatalf("expected timeout classification, got %v", err)
	}
	if !errs.IsKind(err, errs.KindProvider) {
		t.Fatalf("expected provider kind, got %v", err)
	}

	// The request was never recorded, so a retry goes through cleanly.
	result, err := m.SendPayment(mockRequest(1))
	if err != nil {
		t.Fatalf("retry after timeout: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected retry to succeed, got %+v", result)
	}
}

func TestMockPayeeInfoDefaultsAndOverrides(t *testing.T) {
	t.Parallel()
	m := payments.NewMockProvider(newVerifier(t))

	info, err := m.GetPayeeInfo("someone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !info.CanReceivePayments || info.KYCStatus != "APPROVED" {
		t.Fatalf("expected permissive default, got %+v", info)
	}

	m.RegisterPayee(payments.PayeeInfo{
		PayeeID:            "blocked",
		Email:              "blocked@example.com",
		KYCStatus:          "REJECTED",
		CanReceivePayments: false,
	})
	info, err = m.GetPayeeInfo("blocked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.CanReceivePayments {
		t.Fatalf("expected override to block payee, got %+v", info)
	}
}

func TestProviderFactory(t *testing.T) {
	t.Parallel()
	v := newVerifier(t)

	p, err := payments.NewProvider("mock", v)
	if err != nil {
		t.Fatalf("mock: unexpected error: %v", err)
	}
	if p.Name() != "mock" {
		t.Fatalf("expected mock provider, got %s", p.Name())
	}

	if _, err := payments.NewProvider("paypal", v); err != nil {
		t.Fatalf("paypal: unexpected error: %v", err)
	}

	if _, err := payments.NewProvider("stripe", v); !errs.IsKind(err, errs.KindNotImplemented) {
		t.Fatalf("stripe: expected not-implemented, got %v", err)
	}
	if _, err := payments.NewProvider("mpesa", v); !errs.IsKind(err, errs.KindNotImplemented) {
		t.Fatalf("mpesa: expected not-implemented, got %v", err)
	}
	if _, err := payments.NewProvider("wise-transfer", v); !errs.IsKind(err, errs.KindUnsupportedProvider) {
		t.Fatalf("unknown: expected unsupported-provider, got %v", err)
	}
}
