// Package ledgersvc owns every token balance mutation. All writes funnel
// through Apply inside a storage transaction, so the balance check, the
// ledger append, and the cached-balance update commit together or not at all.
package ledgersvc

import (
	"context"
	"strings"

	"github.com/menudeck/menudeck/internal/app/domain/agent"
	"github.com/menudeck/menudeck/internal/app/domain/ledger"
	"github.com/menudeck/menudeck/internal/app/metrics"
	"github.com/menudeck/menudeck/internal/app/storage"
	"github.com/menudeck/menudeck/internal/apperr"
	"github.com/menudeck/menudeck/pkg/logger"
)

// Service reads the ledger and performs standalone credits and debits.
type Service struct {
	store storage.Store
	log   *logger.Logger
}

// New constructs a ledger service.
func New(store storage.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{store: store, log: log}
}

// Apply locks the agent row, adjusts the cached balance, and appends the
// ledger entry, all inside tx. Positive amounts credit, negative debit. A
// debit that would take the balance below zero fails with an insufficient
// balance error and nothing is written.
//
// Callers holding a request-row lock must have taken it before calling, so
// the request→agent lock order holds everywhere.
func Apply(ctx context.Context, tx storage.Tx, agentID string, amount int64, reason ledger.Reason, note string) (ledger.Transaction, error) {
	if amount == 0 {
		return ledger.Transaction{}, apperr.InvalidAmount("amount must be non-zero")
	}
	if !reason.Valid() {
		return ledger.Transaction{}, apperr.Validation("unknown ledger reason %q", reason)
	}

	a, err := tx.AgentForUpdate(ctx, agentID)
	if err != nil {
		return ledger.Transaction{}, err
	}

	balance := a.TokenBalance + amount
	if balance < 0 {
		metrics.RecordRejectedDebit("insufficient-balance")
		return ledger.Transaction{}, apperr.InsufficientBalance(
			"balance %d is less than debit %d", a.TokenBalance, -amount)
	}

	a.TokenBalance = balance
	if _, err := tx.UpdateAgent(ctx, a); err != nil {
		return ledger.Transaction{}, err
	}

	// The transaction counter is the caller's to record once the enclosing
	// unit of work commits; at this point the entry can still roll back.
	return tx.AppendTransaction(ctx, ledger.Transaction{
		AgentID:      agentID,
		Amount:       amount,
		Reason:       reason,
		Note:         note,
		BalanceAfter: balance,
	})
}

// Adjust applies a manual credit or debit outside the request and
// provisioning flows. Debits require an eligible agent; the admin kill
// switch does not block corrections in the credit direction.
func (s *Service) Adjust(ctx context.Context, agentID string, amount int64, note string) (ledger.Transaction, error) {
	if strings.TrimSpace(agentID) == "" {
		return ledger.Transaction{}, apperr.Validation("agent id is required")
	}

	var entry ledger.Transaction
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if amount < 0 {
			a, err := tx.AgentForUpdate(ctx, agentID)
			if err != nil {
				return err
			}
			if !a.Eligible() {
				return apperr.NotEligible("agent %s is not eligible", agentID)
			}
		}
		var err error
		entry, err = Apply(ctx, tx, agentID, amount, ledger.ReasonManualAdjust, note)
		return err
	})
	if err != nil {
		return ledger.Transaction{}, err
	}

	metrics.RecordLedgerTransaction(string(ledger.ReasonManualAdjust), amount)
	s.log.WithField("agent_id", agentID).
		WithField("amount", amount).
		Info("manual balance adjustment")
	return entry, nil
}

// BalanceOf returns the cached balance for an agent.
func (s *Service) BalanceOf(ctx context.Context, agentID string) (int64, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return a.TokenBalance, nil
}

// History lists an agent's ledger entries, newest first.
func (s *Service) History(ctx context.Context, agentID string, limit int) ([]ledger.Transaction, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, apperr.Validation("agent id is required")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListTransactions(ctx, agentID, limit)
}

// Audit recomputes an agent's balance from the ledger and compares it with
// the cache. Drift indicates a write path escaped the transaction boundary.
func (s *Service) Audit(ctx context.Context, agentID string) (cached, computed int64, err error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return 0, 0, err
	}
	sum, err := s.store.SumTransactions(ctx, agentID)
	if err != nil {
		return 0, 0, err
	}
	return a.TokenBalance, sum, nil
}

// driftCheck is used by the reconciler to sweep every agent.
func (s *Service) driftCheck(ctx context.Context) (drifted []agent.Agent, err error) {
	agents, err := s.store.ListAgents(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		sum, err := s.store.SumTransactions(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if sum != a.TokenBalance {
			s.log.WithField("agent_id", a.ID).
				WithField("cached", a.TokenBalance).
				WithField("computed", sum).
				Error("cached balance disagrees with ledger")
			drifted = append(drifted, a)
		}
	}
	return drifted, nil
}
