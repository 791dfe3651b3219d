package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type GenerateStatementRequest struct {
	Period string `json:"period"`
}

// GenerateStatement renders and stores the affiliate's statement PDF for a
// period ("2006-01"; empty means last month).
func GenerateStatement(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("affiliateId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid affiliate id"})
	}

	var req GenerateStatementRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
	}

	record, err := statementService.GenerateStatement(id, req.Period)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(record)
}

func ListStatements(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("affiliateId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid affiliate id"})
	}
	statements, err := statementService.ListStatements(id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(statements)
}

// PreviewStatement returns the assembled statement numbers without rendering
// a PDF, so operators can check figures before generating.
func PreviewStatement(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("affiliateId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid affiliate id"})
	}
	stmt, err := statementService.BuildStatement(id, c.Query("period"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(stmt)
}
