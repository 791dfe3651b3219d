package jobs

import (
	"log"
	"time"

	"github.com/pipalerts/affiliate_engine/services"
)

// Transactions still open after this long get re-polled against the rail.
const reconcileAfter = 15 * time.Minute

// ReconcileOpenPayouts settles transactions whose webhook never arrived,
// either because the rail lost it or because we timed out waiting for the
// submission response.
func ReconcileOpenPayouts(disbursement *services.DisbursementService) {
	log.Println("Running job: ReconcileOpenPayouts...")

	settled, err := disbursement.ReconcileStaleTransactions(reconcileAfter)
	if err != nil {
		log.Printf("Error reconciling payouts: %v", err)
		return
	}
	if settled == 0 {
		return
	}
	log.Printf("Reconciled %d transaction(s).", settled)
}
