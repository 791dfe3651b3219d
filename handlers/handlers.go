package handlers

import (
	"errors"
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/pipalerts/affiliate_engine/errs"
	"github.com/pipalerts/affiliate_engine/services"
)

var validate = validator.New()

var (
	codeService         *services.CodeService
	disbursementService *services.DisbursementService
	statementService    *services.StatementService
)

// Setup wires the handler package to its services. Called once from main
// after the database and payout provider are ready.
func Setup(codes *services.CodeService, disbursement *services.DisbursementService, statements *services.StatementService) {
	codeService = codes
	disbursementService = disbursement
	statementService = statements
}

// respondError maps an engine error onto the wire. Anything unrecognized
// becomes an opaque 500 so internals never leak to clients.
func respondError(c *fiber.Ctx, err error) error {
	var engineErr *errs.Error
	if errors.As(err, &engineErr) {
		payload := fiber.Map{"error": engineErr.Message, "kind": engineErr.Kind}
		if engineErr.Remediation != "" {
			payload["remediation"] = engineErr.Remediation
		}
		if engineErr.Timeout {
			payload["outcome"] = "unknown"
			payload["remediation"] = "Poll the transaction status endpoint; the payment may still settle"
		}
		return c.Status(errs.HTTPStatus(err)).JSON(payload)
	}
	log.Printf("🔥 Unhandled error: %v | Path: %s", err, c.Path())
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error"})
}

// actor returns the authenticated operator's identity for audit entries.
func actor(c *fiber.Ctx) string {
	token, ok := c.Locals("user").(*jwt.Token)
	if !ok {
		return "system"
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "system"
	}
	if email, ok := claims["email"].(string); ok && email != "" {
		return email
	}
	if id, ok := claims["user_id"].(string); ok && id != "" {
		return id
	}
	return "system"
}
