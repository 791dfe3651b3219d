package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/pipalerts/affiliate_engine/database"
	"github.com/pipalerts/affiliate_engine/models"
	"gorm.io/gorm"
)

type CreateAffiliateRequest struct {
	FullName       string `json:"full_name" validate:"required,min=2"`
	Email          string `json:"email" validate:"required,email"`
	Tier           string `json:"tier" validate:"omitempty,oneof=FREE PRO"`
	PaymentMethod  string `json:"payment_method" validate:"omitempty,oneof=paypal stripe mpesa mock"`
	PayeeID        string `json:"payee_id"`
	PayoutCurrency string `json:"payout_currency" validate:"omitempty,iso4217"`
}

// CreateAffiliate registers a new affiliate profile. Profiles start in
// PENDING_VERIFICATION; activation is a separate, audited step.
func CreateAffiliate(c *fiber.Ctx) error {
	var req CreateAffiliateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	profile := models.AffiliateProfile{
		FullName:      req.FullName,
		Email:         req.Email,
		Status:        models.ProfileStatusPendingVerification,
		PaymentMethod: req.PaymentMethod,
		PayeeID:       req.PayeeID,
	}
	if req.Tier != "" {
		profile.Tier = req.Tier
	}
	if req.PayoutCurrency != "" {
		profile.PayoutCurrency = req.PayoutCurrency
	}

	if err := database.DB.Create(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "An affiliate with this email already exists"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create affiliate"})
	}
	return c.Status(fiber.StatusCreated).JSON(profile)
}

func ListAffiliates(c *fiber.Ctx) error {
	var profiles []models.AffiliateProfile
	query := database.DB.Order("created_at DESC")
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&profiles).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}
	return c.JSON(profiles)
}

func GetAffiliate(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("affiliateId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid affiliate id"})
	}
	profile, err := codeService.GetAffiliate(id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(profile)
}

type SuspendRequest struct {
	Reason string `json:"reason" validate:"required,min=3"`
}

func SuspendAffiliate(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("affiliateId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid affiliate id"})
	}

	var req SuspendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	profile, err := codeService.SuspendAffiliate(id, req.Reason)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(profile)
}

func ActivateAffiliate(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("affiliateId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid affiliate id"})
	}
	profile, err := codeService.ReactivateAffiliate(id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(profile)
}

type UpdatePayoutProfileRequest struct {
	PaymentMethod  *string `json:"payment_method" validate:"omitempty,oneof=paypal stripe mpesa mock"`
	PayeeID        *string `json:"payee_id"`
	PayoutCurrency *string `json:"payout_currency" validate:"omitempty,iso4217"`
	KYCStatus      *string `json:"kyc_status" validate:"omitempty,oneof=PENDING APPROVED REJECTED"`
	Tier           *string `json:"tier" validate:"omitempty,oneof=FREE PRO"`
}

// UpdatePayoutProfile edits the payout-facing fields of a profile. Balances
// and counters are engine-owned and cannot be written from the API.
func UpdatePayoutProfile(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("affiliateId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid affiliate id"})
	}

	var req UpdatePayoutProfileRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	updates := map[string]interface{}{}
	if req.PaymentMethod != nil {
		updates["payment_method"] = *req.PaymentMethod
	}
	if req.PayeeID != nil {
		updates["payee_id"] = *req.PayeeID
	}
	if req.PayoutCurrency != nil {
		updates["payout_currency"] = *req.PayoutCurrency
	}
	if req.KYCStatus != nil {
		updates["kyc_status"] = *req.KYCStatus
	}
	if req.Tier != nil {
		updates["tier"] = *req.Tier
	}
	if len(updates) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "No fields to update"})
	}

	result := database.DB.Model(&models.AffiliateProfile{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to update affiliate"})
	}
	if result.RowsAffected == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Affiliate not found"})
	}

	profile, err := codeService.GetAffiliate(id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(profile)
}
