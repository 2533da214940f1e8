// Package requests manages the agent→admin token top-up workflow. Approval
// resolves the request and credits the agent inside one transaction, with the
// request row locked before the agent row.
package requests

import (
	"context"
	"strings"
	"time"

	"github.com/menudeck/menudeck/internal/app/domain/ledger"
	"github.com/menudeck/menudeck/internal/app/domain/tokenrequest"
	"github.com/menudeck/menudeck/internal/app/metrics"
	"github.com/menudeck/menudeck/internal/app/services/ledgersvc"
	"github.com/menudeck/menudeck/internal/app/storage"
	"github.com/menudeck/menudeck/internal/apperr"
	"github.com/menudeck/menudeck/pkg/logger"
)

// Service manages token requests.
type Service struct {
	store storage.Store
	log   *logger.Logger
}

// New constructs a token request service.
func New(store storage.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("token-requests")
	}
	return &Service{store: store, log: log}
}

// Submit files a token request for an eligible agent.
func (s *Service) Submit(ctx context.Context, agentID string, tokens int64, notes string) (tokenrequest.Request, error) {
	if strings.TrimSpace(agentID) == "" {
		return tokenrequest.Request{}, apperr.Validation("agent id is required")
	}
	if tokens <= 0 {
		return tokenrequest.Request{}, apperr.InvalidAmount("requested tokens must be positive, got %d", tokens)
	}

	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return tokenrequest.Request{}, err
	}
	if !a.Eligible() {
		return tokenrequest.Request{}, apperr.NotEligible("agent %s is not eligible to request tokens", agentID)
	}

	req, err := s.store.CreateRequest(ctx, tokenrequest.Request{
		AgentID: agentID,
		Tokens:  tokens,
		Notes:   strings.TrimSpace(notes),
		Status:  tokenrequest.StatusPending,
	})
	if err != nil {
		return tokenrequest.Request{}, err
	}
	s.log.WithField("request_id", req.ID).
		WithField("agent_id", agentID).
		WithField("tokens", tokens).
		Info("token request submitted")
	return req, nil
}

// Approve resolves a pending request and credits the agent. The status
// flip and the credit commit together; a concurrent resolution of the same
// request loses with an already-resolved error and credits nothing.
func (s *Service) Approve(ctx context.Context, id, adminID, adminNotes string) (tokenrequest.Request, error) {
	if strings.TrimSpace(adminID) == "" {
		return tokenrequest.Request{}, apperr.Validation("admin id is required")
	}

	var resolved tokenrequest.Request
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		req, err := tx.RequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := req.Status.Resolve(tokenrequest.StatusApproved); err != nil {
			return err
		}

		req.Status = tokenrequest.StatusApproved
		req.AdminNotes = strings.TrimSpace(adminNotes)
		req.ResolvedBy = adminID
		req.ResolvedAt = time.Now().UTC()
		if req, err = tx.UpdateRequest(ctx, req); err != nil {
			return err
		}

		if _, err := ledgersvc.Apply(ctx, tx, req.AgentID, req.Tokens, ledger.ReasonRequestApproval, req.ID); err != nil {
			return err
		}
		resolved = req
		return nil
	})
	if err != nil {
		return tokenrequest.Request{}, err
	}

	metrics.RecordLedgerTransaction(string(ledger.ReasonRequestApproval), resolved.Tokens)
	s.log.WithField("request_id", id).
		WithField("agent_id", resolved.AgentID).
		WithField("tokens", resolved.Tokens).
		WithField("admin_id", adminID).
		Info("token request approved")
	return resolved, nil
}

// Reject resolves a pending request without touching the balance.
func (s *Service) Reject(ctx context.Context, id, adminID, adminNotes string) (tokenrequest.Request, error) {
	if strings.TrimSpace(adminID) == "" {
		return tokenrequest.Request{}, apperr.Validation("admin id is required")
	}

	var resolved tokenrequest.Request
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		req, err := tx.RequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := req.Status.Resolve(tokenrequest.StatusRejected); err != nil {
			return err
		}

		req.Status = tokenrequest.StatusRejected
		req.AdminNotes = strings.TrimSpace(adminNotes)
		req.ResolvedBy = adminID
		req.ResolvedAt = time.Now().UTC()
		resolved, err = tx.UpdateRequest(ctx, req)
		return err
	})
	if err != nil {
		return tokenrequest.Request{}, err
	}

	s.log.WithField("request_id", id).
		WithField("admin_id", adminID).
		Info("token request rejected")
	return resolved, nil
}

// Get returns a request by ID.
func (s *Service) Get(ctx context.Context, id string) (tokenrequest.Request, error) {
	return s.store.GetRequest(ctx, id)
}

// List returns requests, optionally filtered by agent and status.
func (s *Service) List(ctx context.Context, agentID string, status tokenrequest.Status) ([]tokenrequest.Request, error) {
	if status != "" {
		switch status {
		case tokenrequest.StatusPending, tokenrequest.StatusApproved, tokenrequest.StatusRejected:
		default:
			return nil, apperr.Validation("unknown status %q", status)
		}
	}
	return s.store.ListRequests(ctx, agentID, status)
}
