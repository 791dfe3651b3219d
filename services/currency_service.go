package services

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	config "github.com/pipalerts/affiliate_engine/configs"
	"github.com/pipalerts/affiliate_engine/errs"
	"github.com/shopspring/decimal"
)

type exchangeRateResponse struct {
	Result          string             `json:"result"`
	ConversionRates map[string]float64 `json:"conversion_rates"`
}

// CurrencyService converts payout amounts into a payee's currency. Rates are
// USD-based and cached for six hours; the whole service degrades to an error
// (never a guess) when the rate API is unreachable and the cache is cold.
type CurrencyService struct {
	// BaseURL of the exchange-rate API, without the trailing key segment.
	BaseURL string

	client        *http.Client
	cacheMutex    sync.RWMutex
	ratesCache    map[string]float64
	lastFetchTime time.Time
}

func NewCurrencyService() *CurrencyService {
	return &CurrencyService{
		BaseURL: "https://v6.exchangerate-api.com/v6",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *CurrencyService) fetchRates() (map[string]float64, error) {
	c.cacheMutex.RLock()
	if time.Since(c.lastFetchTime) < 6*time.Hour && c.ratesCache != nil {
		rates := c.ratesCache
		c.cacheMutex.RUnlock()
		return rates, nil
	}
	c.cacheMutex.RUnlock()

	log.Println("Fetching fresh exchange rates from API...")
	apiKey := config.Config("EXCHANGE_RATE_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("exchange rate API key not configured")
	}

	url := fmt.Sprintf("%s/%s/latest/USD", c.BaseURL, apiKey)
	resp, err := c.client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var data exchangeRateResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}

	if data.Result != "success" {
		return nil, fmt.Errorf("currency API returned an error")
	}

	c.cacheMutex.Lock()
	c.ratesCache = data.ConversionRates
	c.lastFetchTime = time.Now()
	c.cacheMutex.Unlock()
	log.Println("Successfully updated currency exchange rate cache.")

	return data.ConversionRates, nil
}

// Convert re-denominates amount from one currency to another, rounding
// half-up to cents. Same-currency conversion short-circuits without touching
// the rate API.
func (c *CurrencyService) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if from == to {
		return amount.Round(2), nil
	}

	rates, err := c.fetchRates()
	if err != nil {
		return decimal.Zero, err
	}

	fromRate, ok := rates[from]
	if !ok || fromRate == 0 {
		return decimal.Zero, errs.Validation("no exchange rate for currency %q", from)
	}
	toRate, ok := rates[to]
	if !ok {
		return decimal.Zero, errs.Validation("no exchange rate for currency %q", to)
	}

	converted := amount.
		Div(decimal.NewFromFloat(fromRate)).
		Mul(decimal.NewFromFloat(toRate)).
		Round(2)
	return converted, nil
}
