package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/pipalerts/affiliate_engine/database"
	"github.com/pipalerts/affiliate_engine/models"
)

// PayAffiliate disburses every payable commission an affiliate has earned
// in a single payout run.
func PayAffiliate(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("affiliateId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid affiliate id"})
	}

	summary, err := disbursementService.PayAffiliate(id, actor(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(summary)
}

type PayBatchRequest struct {
	AffiliateIDs []string `json:"affiliate_ids" validate:"required,min=1,max=100,dive,uuid4"`
}

func PayBatch(c *fiber.Ctx) error {
	var req PayBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	ids := make([]uuid.UUID, 0, len(req.AffiliateIDs))
	for _, raw := range req.AffiliateIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid affiliate id: " + raw})
		}
		ids = append(ids, id)
	}

	summary, err := disbursementService.PayBatch(ids, actor(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(summary)
}

func GetBatch(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("batchId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid batch id"})
	}
	batch, err := disbursementService.GetBatch(id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(batch)
}

// GetTransactionStatus reads a transaction, polling the payment rail first
// when the row is still open.
func GetTransactionStatus(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("transactionId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid transaction id"})
	}
	txn, err := disbursementService.GetTransactionStatus(id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(txn)
}

func ApproveCommission(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("commissionId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid commission id"})
	}
	commission, err := disbursementService.ApproveCommission(id, actor(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(commission)
}

func ListCommissions(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("affiliateId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid affiliate id"})
	}

	query := database.DB.Where("affiliate_id = ?", id)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var commissions []models.Commission
	if err := query.Order("earned_at DESC").Find(&commissions).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Could not retrieve commissions"})
	}
	return c.JSON(commissions)
}

type ReconcileRequest struct {
	OlderThanMinutes int `json:"older_than_minutes" validate:"omitempty,min=1,max=10080"`
}

// ReconcileStale re-polls transactions stuck in an open state. The cron job
// runs this on a schedule; the endpoint lets operators force a pass.
func ReconcileStale(c *fiber.Ctx) error {
	req := ReconcileRequest{OlderThanMinutes: 15}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
		}
		if err := validate.Struct(req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		if req.OlderThanMinutes == 0 {
			req.OlderThanMinutes = 15
		}
	}

	settled, err := disbursementService.ReconcileStaleTransactions(time.Duration(req.OlderThanMinutes) * time.Minute)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"settled": settled})
}
