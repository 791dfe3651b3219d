package config

import (
	"log"
	"strconv"
)

// Engine knobs with their production defaults. The discount/commission
// percentages are read at distribution time and frozen onto each code, so
// editing them never rewrites codes already in circulation.

const (
	defaultDiscountPercent   = 20.0
	defaultCommissionPercent = 20.0
	defaultMonthlyCodeCount  = 5
	defaultFreeTierMinPayout = "50.00"
	defaultProTierMinPayout  = "10.00"
)

func floatEnv(key string, fallback float64) float64 {
	raw := Config(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using default %v", key, raw, fallback)
		return fallback
	}
	return v
}

func intEnv(key string, fallback int) int {
	raw := Config(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using default %v", key, raw, fallback)
		return fallback
	}
	return v
}

func stringEnv(key, fallback string) string {
	if v := Config(key); v != "" {
		return v
	}
	return fallback
}

// CurrentDiscountPercent returns the live discount applied to new codes.
func CurrentDiscountPercent() float64 {
	return floatEnv("AFFILIATE_DISCOUNT_PERCENT", defaultDiscountPercent)
}

// CurrentCommissionPercent returns the live commission rate for new codes.
func CurrentCommissionPercent() float64 {
	return floatEnv("AFFILIATE_COMMISSION_PERCENT", defaultCommissionPercent)
}

// MonthlyCodeCount is how many codes the monthly job hands each active
// affiliate.
func MonthlyCodeCount() int {
	return intEnv("AFFILIATE_MONTHLY_CODE_COUNT", defaultMonthlyCodeCount)
}

// PayoutProviderName resolves the active payout rail; the provider factory
// treats an empty value as "mock".
func PayoutProviderName() string {
	return Config("PAYOUT_PROVIDER")
}

// PayoutWebhookSecret is the shared secret inbound payout webhooks are
// signed with.
func PayoutWebhookSecret() string {
	return Config("PAYOUT_WEBHOOK_SECRET")
}

// ServiceAPIKey gates service-to-service endpoints (code redemption is
// called by the billing system, not by browsers).
func ServiceAPIKey() string {
	return Config("SERVICE_API_KEY")
}

// FreeTierMinPayout / ProTierMinPayout are the smallest single payout each
// tier may request, as decimal strings.
func FreeTierMinPayout() string {
	return stringEnv("FREE_TIER_MIN_PAYOUT", defaultFreeTierMinPayout)
}

func ProTierMinPayout() string {
	return stringEnv("PRO_TIER_MIN_PAYOUT", defaultProTierMinPayout)
}
