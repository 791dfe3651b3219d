package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/pipalerts/affiliate_engine/errs"
)

// SignatureHeader carries the hex-encoded HMAC of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// WebhookVerifier authenticates inbound provider callbacks with HMAC-SHA256
// over the exact raw payload bytes.
type WebhookVerifier struct {
	secret []byte
}

// NewWebhookVerifier fails on an empty secret so a misconfigured deployment
// dies at startup instead of at the first webhook.
func NewWebhookVerifier(secret string) (*WebhookVerifier, error) {
	if secret == "" {
		return nil, errs.Validation("webhook secret must not be empty")
	}
	return &WebhookVerifier{secret: []byte(secret)}, nil
}

// Sign returns hex(HMAC-SHA256(secret, payload)). Deterministic for
// identical input; used by tests and any outbound signing.
func (v *WebhookVerifier) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the payload. Malformed input of
// any shape returns false; the webhook endpoint must survive arbitrary
// inbound garbage, so this never panics and never returns an error.
func (v *WebhookVerifier) Verify(payload []byte, signature string) bool {
	if len(payload) == 0 || signature == "" {
		return false
	}
	supplied, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), supplied)
}

// WebhookPayload is the parsed envelope of a provider callback.
type WebhookPayload struct {
	IsValid   bool                   `json:"is_valid"`
	EventType string                 `json:"event_type"`
	TeamID    string                 `json:"team_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// ParseWebhookPayload decodes the wire envelope
// {event, teamId, timestamp, data}. It is tolerant: invalid JSON or a
// missing event/teamId yields IsValid=false with safe defaults instead of
// an error, leaving the caller to decide whether to act.
func ParseWebhookPayload(raw []byte) WebhookPayload {
	invalid := WebhookPayload{
		IsValid:   false,
		EventType: "unknown",
		TeamID:    "",
		Timestamp: time.Now().UTC(),
		Data:      map[string]interface{}{},
	}

	var envelope struct {
		Event     string                 `json:"event"`
		TeamID    string                 `json:"teamId"`
		Timestamp string                 `json:"timestamp"`
		Data      map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return invalid
	}
	if envelope.Event == "" || envelope.TeamID == "" {
		return invalid
	}

	ts := time.Now().UTC()
	if parsed, err := time.Parse(time.RFC3339, envelope.Timestamp); err == nil {
		ts = parsed
	}
	data := envelope.Data
	if data == nil {
		data = map[string]interface{}{}
	}

	return WebhookPayload{
		IsValid:   true,
		EventType: envelope.Event,
		TeamID:    envelope.TeamID,
		Timestamp: ts,
		Data:      data,
	}
}

// ExtractSignatureFromHeaders finds the signature header case-insensitively
// and returns its first value, or "" when absent.
func ExtractSignatureFromHeaders(headers map[string][]string) string {
	for name, values := range headers {
		if strings.EqualFold(name, SignatureHeader) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}
