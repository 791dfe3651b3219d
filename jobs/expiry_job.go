package jobs

import (
	"log"

	"github.com/pipalerts/affiliate_engine/services"
)

// ExpireLapsedCodes sweeps ACTIVE codes whose expiry has passed. Redemption
// also rejects lapsed codes on contact, so the sweep only keeps reporting
// honest; nothing depends on it for correctness.
func ExpireLapsedCodes(codes *services.CodeService) {
	log.Println("Running job: ExpireLapsedCodes...")

	expired, err := codes.ExpireDueCodes()
	if err != nil {
		log.Printf("Error expiring codes: %v", err)
		return
	}
	if expired == 0 {
		return
	}
	log.Printf("Expired %d code(s).", expired)
}
