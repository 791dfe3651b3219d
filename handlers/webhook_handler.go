package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/pipalerts/affiliate_engine/payments"
)

// PayoutWebhook receives asynchronous settlement callbacks from the payment
// rail. The body must stay raw: the HMAC is computed over the exact bytes
// the provider sent.
func PayoutWebhook(c *fiber.Ctx) error {
	signature := payments.ExtractSignatureFromHeaders(c.GetReqHeaders())

	outcome, err := disbursementService.HandleWebhook(c.Body(), signature)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(outcome)
}
