// Package agent holds the sales-agent identity and its approval state
// machine. Balance mutations never happen here; they belong to the ledger.
package agent

import (
	"time"

	"github.com/menudeck/menudeck/internal/apperr"
)

// ApprovalStatus enumerates the agent approval pipeline states.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
)

// Valid reports whether the status is one of the known states.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Resolve validates the pending→approved / pending→rejected transition.
// Approved and rejected are terminal; any other move is an invalid state.
func (s ApprovalStatus) Resolve(to ApprovalStatus) error {
	if s != StatusPending {
		return apperr.InvalidState("agent is %s; only pending agents can be resolved", s)
	}
	if to != StatusApproved && to != StatusRejected {
		return apperr.InvalidState("cannot transition pending agent to %s", to)
	}
	return nil
}

// Profile is the identity information submitted at registration. It is
// immutable once submitted; corrections require a new submission.
type Profile struct {
	Name        string
	DateOfBirth string
	Address     string
	GovIDType   string
	GovIDNumber string
	Documents   []string
}

// Agent is a vetted third party that provisions restaurants paid in tokens.
type Agent struct {
	ID     string
	UserID string

	Profile Profile

	Status          ApprovalStatus
	AgentCode       string
	ReviewNotes     string
	RejectionReason string

	// TokenBalance is a transactionally-maintained cache of the sum of this
	// agent's ledger transactions. Mutated only together with a ledger write.
	TokenBalance int64

	// Active is the operator kill switch; independent of Status.
	Active bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Eligible reports whether the agent may spend tokens or file requests.
func (a Agent) Eligible() bool {
	return a.Status == StatusApproved && a.Active
}
