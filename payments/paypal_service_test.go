package payments_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pipalerts/affiliate_engine/errs"
	"github.com/pipalerts/affiliate_engine/payments"
	"github.com/shopspring/decimal"
)

type fakePayPal struct {
	tokenCalls  int64
	payoutCalls int64

	lastSenderBatchID string
	lastAuth          string
	rejectPayouts     bool
	batchStatus       string
}

func (f *fakePayPal) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&f.tokenCalls, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fake-token",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/v1/payments/payouts", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&f.payoutCalls, 1)
		f.lastAuth = r.Header.Get("Authorization")

		if f.rejectPayouts {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"name":"INSUFFICIENT_FUNDS"}`))
			return
		}

		var body struct {
			SenderBatchHeader struct {
				SenderBatchID string `json:"sender_batch_id"`
			} `json:"sender_batch_header"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.lastSenderBatchID = body.SenderBatchHeader.SenderBatchID

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"batch_header": map[string]string{
				"payout_batch_id": "PB123",
				"batch_status":    "PENDING",
			},
		})
	})
	mux.HandleFunc("/v1/payments/payouts/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"batch_header": map[string]string{
				"payout_batch_id": "PB123",
				"batch_status":    f.batchStatus,
			},
		})
	})
	return mux
}

func newFakePayPal(t *testing.T) *fakePayPal {
	t.Helper()
	fake := &fakePayPal{batchStatus: "SUCCESS"}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	t.Setenv("PAYPAL_API_BASE_URL", server.URL)
	t.Setenv("PAYPAL_CLIENT_ID", "client-id")
	t.Setenv("PAYPAL_CLIENT_SECRET", "client-secret")
	return fake
}

func TestPayPalSendPayment(t *testing.T) {
	fake := newFakePayPal(t)
	p := payments.NewPayPalProvider(newVerifier(t))

	req := payments.PaymentRequest{
		AffiliateID:    "aff-1",
		PayeeID:        "affiliate@example.com",
		Amount:         decimal.NewFromFloat(23.20),
		Currency:       "USD",
		CommissionID:   "comm-1",
		IdempotencyKey: payments.IdempotencyKey("comm-1"),
	}
	result, err := p.SendPayment(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected accepted payout, got %+v", result)
	}
	if result.Status != payments.PaymentStatusProcessing {
		t.Fatalf("payouts settle asynchronously; expected PROCESSING, got %s", result.Status)
	}
	if result.ProviderTxID != "PB123" {
		t.Fatalf("expected provider batch id, got %q", result.ProviderTxID)
	}
	if fake.lastSenderBatchID != "payout-comm-1" {
		t.Fatalf("expected idempotency key as sender_batch_id, got %q", fake.lastSenderBatchID)
	}
	if fake.lastAuth != "Bearer fake-token" {
		t.Fatalf("expected bearer auth, got %q", fake.lastAuth)
	}
}

func TestPayPalTokenIsCached(t *testing.T) {
	fake := newFakePayPal(t)
	p := payments.NewPayPalProvider(newVerifier(t))

	req := payments.PaymentRequest{
		PayeeID:        "a@example.com",
		Amount:         decimal.NewFromFloat(5.00),
		Currency:       "USD",
		CommissionID:   "comm-1",
		IdempotencyKey: payments.IdempotencyKey("comm-1"),
	}
	if _, err := p.SendPayment(req); err != nil {
		t.Fatalf("first send: %v", err)
	}
	req.CommissionID = "comm-2"
	req.IdempotencyKey = payments.IdempotencyKey("comm-2")
	if _, err := p.SendPayment(req); err != nil {
		t.Fatalf("second send: %v", err)
	}

	if got := atomic.LoadInt64(&fake.tokenCalls); got != 1 {
		t.Fatalf("expected a single token fetch, got %d", got)
	}
	if got := atomic.LoadInt64(&fake.payoutCalls); got != 2 {
		t.Fatalf("expected two payout calls, got %d", got)
	}
}

func TestPayPalRejectionCarriesProviderContext(t *testing.T) {
	fake := newFakePayPal(t)
	fake.rejectPayouts = true
	p := payments.NewPayPalProvider(newVerifier(t))

	_, err := p.SendPayment(payments.PaymentRequest{
		PayeeID:        "a@example.com",
		Amount:         decimal.NewFromFloat(5.00),
		Currency:       "USD",
		CommissionID:   "comm-1",
		IdempotencyKey: payments.IdempotencyKey("comm-1"),
	})
	if !errs.IsKind(err, errs.KindProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	var engineErr *errs.Error
	if !errors.As(err, &engineErr) {
		t.Fatalf("expected *errs.Error, got %T", err)
	}
	if engineErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 attached, got %d", engineErr.StatusCode)
	}
	if engineErr.Body == "" {
		t.Fatal("expected provider body attached for observability")
	}
	if errs.IsTimeout(err) {
		t.Fatal("a definitive rejection must not be classified as a timeout")
	}
}

func TestPayPalStatusMapping(t *testing.T) {
	fake := newFakePayPal(t)
	p := payments.NewPayPalProvider(newVerifier(t))

	status, err := p.GetPaymentStatus("PB123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != payments.PaymentStatusCompleted {
		t.Fatalf("SUCCESS should map to COMPLETED, got %s", status)
	}

	fake.batchStatus = "DENIED"
	status, err = p.GetPaymentStatus("PB123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != payments.PaymentStatusFailed {
		t.Fatalf("DENIED should map to FAILED, got %s", status)
	}

	fake.batchStatus = "PENDING"
	status, err = p.GetPaymentStatus("PB123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != payments.PaymentStatusProcessing {
		t.Fatalf("PENDING should map to PROCESSING, got %s", status)
	}
}

func TestPayPalLocalValidationSkipsNetwork(t *testing.T) {
	fake := newFakePayPal(t)
	p := payments.NewPayPalProvider(newVerifier(t))

	_, err := p.SendPayment(payments.PaymentRequest{
		PayeeID:        "",
		Amount:         decimal.NewFromFloat(5.00),
		CommissionID:   "comm-1",
		IdempotencyKey: payments.IdempotencyKey("comm-1"),
	})
	if !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if atomic.LoadInt64(&fake.tokenCalls) != 0 || atomic.LoadInt64(&fake.payoutCalls) != 0 {
		t.Fatal("local validation must precede any network call")
	}
}
