package jobs

import (
	"log"

	"github.com/pipalerts/affiliate_engine/services"
)

// GenerateMonthlyStatements renders last month's statement for every active
// affiliate. Generation is idempotent per period, so re-running after a
// partial failure only fills in the gaps.
func GenerateMonthlyStatements(statements *services.StatementService, codes *services.CodeService) {
	log.Println("Running job: GenerateMonthlyStatements...")

	affiliates, err := codes.ListActiveAffiliates()
	if err != nil {
		log.Printf("Error listing active affiliates: %v", err)
		return
	}

	generated := 0
	for _, affiliate := range affiliates {
		if _, err := statements.GenerateStatement(affiliate.ID, ""); err != nil {
			log.Printf("Error generating statement for %s: %v", affiliate.ID, err)
			continue
		}
		generated++
	}

	log.Printf("Generated %d statement(s).", generated)
}
