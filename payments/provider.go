package payments

import (
	"strings"
	"time"

	config "github.com/pipalerts/affiliate_engine/configs"
	"github.com/pipalerts/affiliate_engine/errs"
	"github.com/shopspring/decimal"
)

// Provider-side payment statuses. Rails that settle asynchronously report
// PROCESSING and confirm later through a webhook or a status poll.
const (
	PaymentStatusPending    = "PENDING"
	PaymentStatusProcessing = "PROCESSING"
	PaymentStatusCompleted  = "COMPLETED"
	PaymentStatusFailed     = "FAILED"
	PaymentStatusUnknown    = "UNKNOWN"
)

type AuthResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type PaymentRequest struct {
	AffiliateID    string          `json:"affiliate_id"`
	PayeeID        string          `json:"payee_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	CommissionID   string          `json:"commission_id"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// PaymentResult reports one payout attempt. Success=false with a populated
// Error is a definitive rail-side rejection; transport failures surface as
// Go errors from the provider call itself.
type PaymentResult struct {
	Success       bool            `json:"success"`
	TransactionID string          `json:"transaction_id"`
	ProviderTxID  string          `json:"provider_tx_id"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Error         string          `json:"error,omitempty"`
}

type BatchPaymentResult struct {
	Success      bool            `json:"success"`
	BatchID      string          `json:"batch_id"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	SuccessCount int             `json:"success_count"`
	FailedCount  int             `json:"failed_count"`
	Results      []PaymentResult `json:"results"`
}

type PayeeInfo struct {
	PayeeID            string `json:"payee_id"`
	Email              string `json:"email"`
	KYCStatus          string `json:"kyc_status"`
	CanReceivePayments bool   `json:"can_receive_payments"`
}

// PaymentProvider is the seam every payout rail implements. Calls that reach
// the network carry a client-level timeout; a timed-out call is a
// retryable-unknown outcome, never a confirmed failure.
type PaymentProvider interface {
	Name() string
	Authenticate() (AuthResult, error)
	SendPayment(req PaymentRequest) (PaymentResult, error)
	SendBatchPayment(reqs []PaymentRequest) (BatchPaymentResult, error)
	GetPaymentStatus(transactionID string) (string, error)
	GetPayeeInfo(payeeID string) (PayeeInfo, error)
	VerifyWebhook(payload []byte, signature string) bool
}

// IdempotencyKey derives the stable per-commission key attached to every
// payout call so provider- or client-side retries cannot double-pay.
func IdempotencyKey(commissionID string) string {
	return "payout-" + commissionID
}

// validateRequest runs the local checks that precede any network call.
func validateRequest(req PaymentRequest) error {
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return errs.Validation("payment amount must be greater than zero")
	}
	if req.PayeeID == "" {
		return errs.Validation("payment request is missing a payee id")
	}
	if req.IdempotencyKey == "" {
		return errs.Validation("payment request is missing an idempotency key")
	}
	return nil
}

// NewProvider resolves a payout rail by name. An empty name falls back to
// the PAYOUT_PROVIDER environment default, then to the mock rail. Recognized
// but unintegrated rails fail with a distinct error so callers can tell
// "not yet available" from "never will work".
func NewProvider(name string, verifier *WebhookVerifier) (PaymentProvider, error) {
	if name == "" {
		name = config.Config("PAYOUT_PROVIDER")
	}
	if name == "" {
		name = "mock"
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mock":
		return NewMockProvider(verifier), nil
	case "paypal":
		return NewPayPalProvider(verifier), nil
	case "stripe", "mpesa":
		return nil, errs.NotImplemented(strings.ToLower(name))
	default:
		return nil, errs.UnsupportedProvider(name)
	}
}
