package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/pipalerts/affiliate_engine/models"
	"github.com/shopspring/decimal"
)

type DistributeRequest struct {
	Count  int    `json:"count" validate:"required,min=1,max=50"`
	Reason string `json:"reason" validate:"required,oneof=INITIAL MONTHLY ADMIN_BONUS"`
}

func DistributeCodes(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("affiliateId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid affiliate id"})
	}

	var req DistributeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	codes, err := codeService.DistributeCodes(id, req.Count, req.Reason)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"distributed": len(codes),
		"codes":       codes,
	})
}

func ListAffiliateCodes(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("affiliateId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid affiliate id"})
	}
	codes, err := codeService.ListAffiliateCodes(id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(codes)
}

type CancelCodeRequest struct {
	Reason string `json:"reason"`
}

func CancelCode(c *fiber.Ctx) error {
	var req CancelCodeRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}

	code, err := codeService.CancelCode(c.Params("code"), req.Reason)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(code)
}

// ExpireDueCodes sweeps every ACTIVE code past its expiry. The cron job does
// this nightly; the endpoint exists so operators can force a sweep.
func ExpireDueCodes(c *fiber.Ctx) error {
	expired, err := codeService.ExpireDueCodes()
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"expired": expired})
}

type RedeemRequest struct {
	Code           string `json:"code" validate:"required,len=8"`
	SubscriptionID string `json:"subscription_id" validate:"required"`
	UserID         string `json:"user_id" validate:"required"`
	BasePrice      string `json:"base_price" validate:"required"`
}

// RedeemCode is the service-to-service entry the billing system calls when
// a subscriber checks out with an affiliate code.
func RedeemCode(c *fiber.Ctx) error {
	var req RedeemRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	basePrice, err := decimal.NewFromString(req.BasePrice)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "base_price must be a decimal string"})
	}

	commission, err := codeService.RedeemCode(req.Code, req.SubscriptionID, req.UserID, basePrice)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(redeemResponse(commission))
}

// redeemResponse shapes the money breakdown the billing system applies to
// the checkout: the discounted price it should charge plus the commission
// the engine recorded.
func redeemResponse(commission *models.Commission) fiber.Map {
	return fiber.Map{
		"commission_id":     commission.ID,
		"affiliate_id":      commission.AffiliateID,
		"gross_revenue":     commission.GrossRevenue,
		"discount_amount":   commission.DiscountAmount,
		"net_revenue":       commission.NetRevenue,
		"commission_amount": commission.CommissionAmount,
		"currency":          commission.Currency,
		"status":            commission.Status,
		"earned_at":         commission.EarnedAt,
	}
}
