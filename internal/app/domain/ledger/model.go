// Package ledger defines the append-only token transaction log. Transactions
// are immutable once written; corrections are new offsetting transactions.
package ledger

import "time"

// Reason tags why a transaction was written.
type Reason string

const (
	ReasonRequestApproval Reason = "request-approval"
	ReasonProvisioning    Reason = "restaurant-provisioning"
	ReasonManualAdjust    Reason = "manual-adjustment"
)

// Valid reports whether the reason is one of the known tags.
func (r Reason) Valid() bool {
	switch r {
	case ReasonRequestApproval, ReasonProvisioning, ReasonManualAdjust:
		return true
	}
	return false
}

// Transaction is one signed ledger entry. Positive amounts credit the agent,
// negative amounts debit it.
type Transaction struct {
	ID      string
	AgentID string
	Amount  int64
	Reason  Reason
	// Note carries free-form context, e.g. the request or restaurant ID.
	Note string
	// BalanceAfter records the cached balance at commit time, for audit.
	BalanceAfter int64
	CreatedAt    time.Time
}
