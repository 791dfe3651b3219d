package payments

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	config "github.com/pipalerts/affiliate_engine/configs"
	"github.com/pipalerts/affiliate_engine/errs"
)

type paypalTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type paypalBatchHeader struct {
	PayoutBatchID string `json:"payout_batch_id"`
	BatchStatus   string `json:"batch_status"`
}

type paypalPayoutResponse struct {
	BatchHeader paypalBatchHeader `json:"batch_header"`
}

// PayPalProvider moves money with the PayPal Payouts API. Payouts settle
// asynchronously: SendPayment returns PROCESSING and the final state arrives
// through a webhook or a GetPaymentStatus poll. Each payout is submitted as
// its own sender batch keyed by the idempotency key, which PayPal
// de-duplicates server-side.
type PayPalProvider struct {
	verifier *WebhookVerifier
	client   *http.Client

	tokenMutex  sync.RWMutex
	token       string
	tokenExpiry time.Time
}

func NewPayPalProvider(verifier *WebhookVerifier) *PayPalProvider {
	return &PayPalProvider{
		verifier: verifier,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *PayPalProvider) Name() string { return "paypal" }

// classifyTransport separates lost-response timeouts (retryable-unknown,
// reconciled later) from hard transport failures.
func classifyTransport(op string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return errs.ProviderTimeout(fmt.Sprintf("paypal %s timed out", op), err)
	}
	return errs.Provider(fmt.Sprintf("paypal %s failed", op), 0, "", err)
}

func (p *PayPalProvider) getAccessToken() (string, time.Time, error) {
	p.tokenMutex.RLock()
	if p.token != "" && time.Now().Before(p.tokenExpiry) {
		token, expiry := p.token, p.tokenExpiry
		p.tokenMutex.RUnlock()
		return token, expiry, nil
	}
	p.tokenMutex.RUnlock()

	p.tokenMutex.Lock()
	defer p.tokenMutex.Unlock()

	if p.token != "" && time.Now().Before(p.tokenExpiry) {
		return p.token, p.tokenExpiry, nil
	}

	log.Println("Fetching new PayPal access token...")
	apiBase := config.Config("PAYPAL_API_BASE_URL")
	clientID := config.Config("PAYPAL_CLIENT_ID")
	clientSecret := config.Config("PAYPAL_CLIENT_SECRET")

	reqBody := strings.NewReader("grant_type=client_credentials")
	req, err := http.NewRequest("POST", fmt.Sprintf("%s/v1/oauth2/token", apiBase), reqBody)
	if err != nil {
		return "", time.Time{}, err
	}

	req.SetBasicAuth(clientID, clientSecret)
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", time.Time{}, classifyTransport("token fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", time.Time{}, errs.Provider("paypal token fetch rejected", resp.StatusCode, string(respBody), nil)
	}

	var tokenResp paypalTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", time.Time{}, err
	}

	p.token = tokenResp.AccessToken
	// Renew five minutes early so in-flight calls never carry a stale token.
	p.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn-300) * time.Second)
	return p.token, p.tokenExpiry, nil
}

func (p *PayPalProvider) Authenticate() (AuthResult, error) {
	token, expiry, err := p.getAccessToken()
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{Token: token, ExpiresAt: expiry}, nil
}

func (p *PayPalProvider) SendPayment(req PaymentRequest) (PaymentResult, error) {
	if err := validateRequest(req); err != nil {
		return PaymentResult{}, err
	}

	accessToken, _, err := p.getAccessToken()
	if err != nil {
		return PaymentResult{}, err
	}

	apiBase := config.Config("PAYPAL_API_BASE_URL")

	payload := map[string]interface{}{
		"sender_batch_header": map[string]string{
			"sender_batch_id": req.IdempotencyKey,
			"email_subject":   "You have received an affiliate commission payout",
		},
		"items": []map[string]interface{}{
			{
				"recipient_type": "EMAIL",
				"receiver":       req.PayeeID,
				"sender_item_id": req.CommissionID,
				"amount": map[string]string{
					"value":    req.Amount.StringFixed(2),
					"currency": req.Currency,
				},
			},
		},
	}
	body, _ := json.Marshal(payload)

	httpReq, _ := http.NewRequest("POST", fmt.Sprintf("%s/v1/payments/payouts", apiBase), bytes.NewBuffer(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", accessToken))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return PaymentResult{}, classifyTransport("payout", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return PaymentResult{}, errs.Provider("paypal payout rejected", resp.StatusCode, string(respBody), nil)
	}

	var payoutResp paypalPayoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&payoutResp); err != nil {
		return PaymentResult{}, err
	}

	return PaymentResult{
		Success:       true,
		TransactionID: req.IdempotencyKey,
		ProviderTxID:  payoutResp.BatchHeader.PayoutBatchID,
		Status:        PaymentStatusProcessing,
		Amount:        req.Amount,
	}, nil
}

// SendBatchPayment submits every item as its own payout call so each
// commission keeps its own idempotency key and items settle independently.
// PayPal's own multi-item batches are all-or-nothing at submission time,
// which would break the partial-failure contract.
func (p *PayPalProvider) SendBatchPayment(reqs []PaymentRequest) (BatchPaymentResult, error) {
	batch := BatchPaymentResult{
		BatchID: "paypal-batch-" + time.Now().UTC().Format("20060102150405"),
		Results: make([]PaymentResult, 0, len(reqs)),
	}

	for _, req := range reqs {
		batch.TotalAmount = batch.TotalAmount.Add(req.Amount)

		result, err := p.SendPayment(req)
		if err != nil {
			batch.FailedCount++
			batch.Results = append(batch.Results, PaymentResult{
				Success: false,
				Status:  PaymentStatusFailed,
				Amount:  req.Amount,
				Error:   err.Error(),
			})
			continue
		}
		batch.SuccessCount++
		batch.Results = append(batch.Results, result)
	}

	batch.Success = batch.FailedCount == 0
	return batch, nil
}

func (p *PayPalProvider) GetPaymentStatus(transactionID string) (string, error) {
	accessToken, _, err := p.getAccessToken()
	if err != nil {
		return PaymentStatusUnknown, err
	}

	apiBase := config.Config("PAYPAL_API_BASE_URL")

	req, _ := http.NewRequest("GET", fmt.Sprintf("%s/v1/payments/payouts/%s", apiBase, transactionID), nil)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", accessToken))

	resp, err := p.client.Do(req)
	if err != nil {
		return PaymentStatusUnknown, classifyTransport("status poll", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return PaymentStatusUnknown, nil
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return PaymentStatusUnknown, errs.Provider("paypal status poll rejected", resp.StatusCode, string(respBody), nil)
	}

	var payoutResp paypalPayoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&payoutResp); err != nil {
		return PaymentStatusUnknown, err
	}

	switch payoutResp.BatchHeader.BatchStatus {
	case "SUCCESS":
		return PaymentStatusCompleted, nil
	case "PENDING", "PROCESSING", "NEW":
		return PaymentStatusProcessing, nil
	case "DENIED", "FAILED", "RETURNED", "BLOCKED", "CANCELED":
		return PaymentStatusFailed, nil
	default:
		return PaymentStatusUnknown, nil
	}
}

// GetPayeeInfo reflects the Payouts rail contract: sends are accepted for
// any email address and land UNCLAIMED when no account exists, so there is
// no pre-send KYC gate on the rail side.
func (p *PayPalProvider) GetPayeeInfo(payeeID string) (PayeeInfo, error) {
	if payeeID == "" {
		return PayeeInfo{}, errs.Validation("payee id must not be empty")
	}
	return PayeeInfo{
		PayeeID:            payeeID,
		Email:              payeeID,
		KYCStatus:          "UNKNOWN",
		CanReceivePayments: true,
	}, nil
}

func (p *PayPalProvider) VerifyWebhook(payload []byte, signature string) bool {
	if p.verifier == nil {
		return false
	}
	return p.verifier.Verify(payload, signature)
}
