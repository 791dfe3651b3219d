package payments

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pipalerts/affiliate_engine/errs"
	"github.com/shopspring/decimal"
)

// MockProvider is an in-memory payout rail. It settles synchronously,
// replays idempotent requests, and supports forced-failure injection so the
// partial-failure paths of the processor can be exercised deterministically.
type MockProvider struct {
	mu       sync.Mutex
	verifier *WebhookVerifier

	payments map[string]PaymentResult // keyed by idempotency key
	statuses map[string]string        // keyed by transaction id
	payees   map[string]PayeeInfo

	failAll      bool
	failPayees   map[string]string
	failEveryNth int
	timeoutNext  bool
	sent         int
}

func NewMockProvider(verifier *WebhookVerifier) *MockProvider {
	return &MockProvider{
		verifier:   verifier,
		payments:   map[string]PaymentResult{},
		statuses:   map[string]string{},
		payees:     map[string]PayeeInfo{},
		failPayees: map[string]string{},
	}
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Authenticate() (AuthResult, error) {
	return AuthResult{
		Token:     "mock-token-" + uuid.NewString(),
		ExpiresAt: time.Now().Add(1 * time.Hour),
	}, nil
}

// FailAll forces every subsequent payment to be rejected by the rail.
func (m *MockProvider) FailAll(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = fail
}

// FailPayee forces payments to one payee to be rejected with the given reason.
func (m *MockProvider) FailPayee(payeeID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPayees[payeeID] = reason
}

// FailEveryNth makes every nth payment fail. Zero disables the knob.
func (m *MockProvider) FailEveryNth(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failEveryNth = n
}

// TimeoutNext makes the next SendPayment or SendBatchPayment call fail with
// a timeout before any state is recorded, simulating a lost response.
func (m *MockProvider) TimeoutNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeoutNext = true
}

// RegisterPayee overrides the rail-side view of one payee. Unregistered
// payees default to KYC-approved and able to receive payments.
func (m *MockProvider) RegisterPayee(info PayeeInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payees[info.PayeeID] = info
}

func (m *MockProvider) SendPayment(req PaymentRequest) (PaymentResult, error) {
	if err := validateRequest(req); err != nil {
		return PaymentResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timeoutNext {
		m.timeoutNext = false
		return PaymentResult{}, errs.ProviderTimeout("mock provider timed out", nil)
	}
	return m.send(req), nil
}

// send assumes m.mu is held.
func (m *MockProvider) send(req PaymentRequest) PaymentResult {
	if prior, ok := m.payments[req.IdempotencyKey]; ok {
		return prior
	}

	m.sent++
	txID := "mock-tx-" + uuid.NewString()

	reason := ""
	switch {
	case m.failAll:
		reason = "mock rail configured to fail all payments"
	case m.failPayees[req.PayeeID] != "":
		reason = m.failPayees[req.PayeeID]
	case m.failEveryNth > 0 && m.sent%m.failEveryNth == 0:
		reason = fmt.Sprintf("mock rail failing every %d payments", m.failEveryNth)
	}

	var result PaymentResult
	if reason != "" {
		result = PaymentResult{
			Success:       false,
			TransactionID: txID,
			Status:        PaymentStatusFailed,
			Amount:        req.Amount,
			Error:         reason,
		}
	} else {
		result = PaymentResult{
			Success:       true,
			TransactionID: txID,
			ProviderTxID:  "mock-ptx-" + uuid.NewString(),
			Status:        PaymentStatusCompleted,
			Amount:        req.Amount,
		}
	}

	m.payments[req.IdempotencyKey] = result
	m.statuses[txID] = result.Status
	if result.ProviderTxID != "" {
		// Real rails are polled by their own handle, so index that too.
		m.statuses[result.ProviderTxID] = result.Status
	}
	return result
}

func (m *MockProvider) SendBatchPayment(reqs []PaymentRequest) (BatchPaymentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timeoutNext {
		m.timeoutNext = false
		return BatchPaymentResult{}, errs.ProviderTimeout("mock provider timed out", nil)
	}

	batch := BatchPaymentResult{
		BatchID:     "mock-batch-" + uuid.NewString(),
		TotalAmount: decimal.Zero,
		Results:     make([]PaymentResult, 0, len(reqs)),
	}

	for _, req := range reqs {
		batch.TotalAmount = batch.TotalAmount.Add(req.Amount)

		if err := validateRequest(req); err != nil {
			batch.FailedCount++
			batch.Results = append(batch.Results, PaymentResult{
				Success: false,
				Status:  PaymentStatusFailed,
				Amount:  req.Amount,
				Error:   err.Error(),
			})
			continue
		}

		result := m.send(req)
		if result.Success {
			batch.SuccessCount++
		} else {
			batch.FailedCount++
		}
		batch.Results = append(batch.Results, result)
	}

	batch.Success = batch.FailedCount == 0
	return batch, nil
}

func (m *MockProvider) GetPaymentStatus(transactionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.statuses[transactionID]; ok {
		return status, nil
	}
	return PaymentStatusUnknown, nil
}

func (m *MockProvider) GetPayeeInfo(payeeID string) (PayeeInfo, error) {
	if payeeID == "" {
		return PayeeInfo{}, errs.Validation("payee id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.payees[payeeID]; ok {
		return info, nil
	}
	return PayeeInfo{
		PayeeID:            payeeID,
		Email:              payeeID + "@mock.invalid",
		KYCStatus:          "APPROVED",
		CanReceivePayments: true,
	}, nil
}

func (m *MockProvider) VerifyWebhook(payload []byte, signature string) bool {
	if m.verifier == nil {
		return false
	}
	return m.verifier.Verify(payload, signature)
}
