package jobs

import (
	"log"

	config "github.com/pipalerts/affiliate_engine/configs"
	"github.com/pipalerts/affiliate_engine/models"
	"github.com/pipalerts/affiliate_engine/services"
)

// DistributeMonthlyCodes hands every active affiliate their monthly
// allocation of single-use codes. Runs on the 1st of each month; a failure
// for one affiliate never blocks the rest.
func DistributeMonthlyCodes(codes *services.CodeService) {
	log.Println("Running job: DistributeMonthlyCodes...")

	affiliates, err := codes.ListActiveAffiliates()
	if err != nil {
		log.Printf("Error listing active affiliates: %v", err)
		return
	}
	if len(affiliates) == 0 {
		log.Println("No active affiliates to distribute codes to.")
		return
	}

	count := config.MonthlyCodeCount()
	issued := 0
	for _, affiliate := range affiliates {
		if _, err := codes.DistributeCodes(affiliate.ID, count, models.DistributionMonthly); err != nil {
			log.Printf("Error distributing monthly codes to %s: %v", affiliate.ID, err)
			continue
		}
		issued++
	}

	log.Printf("Distributed monthly codes to %d affiliate(s).", issued)
}
