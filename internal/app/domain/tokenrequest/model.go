// Package tokenrequest models the agent→admin balance top-up workflow.
package tokenrequest

import (
	"time"

	"github.com/menudeck/menudeck/internal/apperr"
)

// Status enumerates the request lifecycle states.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Resolve validates the single pending→approved / pending→rejected
// transition. A request is resolved exactly once; a second attempt is a
// conflict, never a silent success.
func (s Status) Resolve(to Status) error {
	if s != StatusPending {
		return apperr.AlreadyResolved("request already %s", s)
	}
	if to != StatusApproved && to != StatusRejected {
		return apperr.InvalidState("cannot transition pending request to %s", to)
	}
	return nil
}

// Request is an agent's petition for a token credit.
type Request struct {
	ID      string
	AgentID string
	Tokens  int64
	Notes   string

	Status     Status
	AdminNotes string
	ResolvedBy string
	ResolvedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
