// Package registry manages agent registration and the approval pipeline.
package registry

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/menudeck/menudeck/internal/app/domain/agent"
	"github.com/menudeck/menudeck/internal/app/storage"
	"github.com/menudeck/menudeck/internal/apperr"
	"github.com/menudeck/menudeck/pkg/logger"
)

// ResubmissionPolicy selects what happens when a rejected applicant applies
// again.
type ResubmissionPolicy string

const (
	// ResubmitNewRecord keeps the rejected record and files a fresh one,
	// preserving the rejection history.
	ResubmitNewRecord ResubmissionPolicy = "new-record"
	// ResubmitReopen flips the rejected record back to pending with the new
	// profile.
	ResubmitReopen ResubmissionPolicy = "reopen"
)

// Store is the persistence surface the registry needs. Resolution and the
// kill switch run inside a transaction so concurrent admins cannot both win
// the same transition.
type Store interface {
	storage.AgentStore
	storage.TxRunner
}

// Service manages agent records and their approval state machine.
type Service struct {
	store     Store
	policy    ResubmissionPolicy
	log       *logger.Logger
	codeTries int
}

// New constructs a registry service.
func New(store Store, policy ResubmissionPolicy, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	if policy == "" {
		policy = ResubmitNewRecord
	}
	return &Service{store: store, policy: policy, log: log, codeTries: 5}
}

// Submit files a registration for a user account. A user with a pending or
// approved record cannot file another; a rejected user may reapply, handled
// per the configured resubmission policy.
func (s *Service) Submit(ctx context.Context, userID string, profile agent.Profile) (agent.Agent, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return agent.Agent{}, apperr.Validation("user id is required")
	}
	if err := validateProfile(&profile); err != nil {
		return agent.Agent{}, err
	}

	existing, err := s.store.GetAgentByUser(ctx, userID)
	switch {
	case err == nil:
		if existing.Status != agent.StatusRejected {
			return agent.Agent{}, apperr.Conflict("user %s already has a %s agent record", userID, existing.Status)
		}
		if s.policy == ResubmitReopen {
			return s.reopen(ctx, existing, profile)
		}
	case apperr.KindOf(err) != apperr.KindNotFound:
		return agent.Agent{}, err
	}

	created, err := s.store.CreateAgent(ctx, agent.Agent{
		UserID:  userID,
		Profile: profile,
		Status:  agent.StatusPending,
		Active:  true,
	})
	if err != nil {
		return agent.Agent{}, err
	}
	s.log.WithField("agent_id", created.ID).
		WithField("user_id", userID).
		Info("agent registration submitted")
	return created, nil
}

func (s *Service) reopen(ctx context.Context, a agent.Agent, profile agent.Profile) (agent.Agent, error) {
	a.Profile = profile
	a.Status = agent.StatusPending
	a.RejectionReason = ""
	a.ReviewNotes = ""
	updated, err := s.store.UpdateAgent(ctx, a)
	if err != nil {
		return agent.Agent{}, err
	}
	s.log.WithField("agent_id", a.ID).
		WithField("user_id", a.UserID).
		Info("rejected agent registration reopened")
	return updated, nil
}

// Approve moves a pending agent to approved and assigns its agent code. The
// transition runs under the agent's row lock; a concurrent resolution of the
// same agent loses with an invalid state error.
func (s *Service) Approve(ctx context.Context, id, reviewNotes string) (agent.Agent, error) {
	code, err := s.newAgentCode(ctx)
	if err != nil {
		return agent.Agent{}, err
	}

	var updated agent.Agent
	err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		a, err := tx.AgentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := a.Status.Resolve(agent.StatusApproved); err != nil {
			return err
		}

		a.Status = agent.StatusApproved
		a.AgentCode = code
		a.ReviewNotes = strings.TrimSpace(reviewNotes)
		a.RejectionReason = ""

		updated, err = tx.UpdateAgent(ctx, a)
		return err
	})
	if err != nil {
		return agent.Agent{}, err
	}
	s.log.WithField("agent_id", id).
		WithField("agent_code", code).
		Info("agent approved")
	return updated, nil
}

// Reject moves a pending agent to rejected. A reason is required so the
// applicant knows what to fix.
func (s *Service) Reject(ctx context.Context, id, reason string) (agent.Agent, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return agent.Agent{}, apperr.Validation("rejection reason is required")
	}

	var updated agent.Agent
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		a, err := tx.AgentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := a.Status.Resolve(agent.StatusRejected); err != nil {
			return err
		}

		a.Status = agent.StatusRejected
		a.RejectionReason = reason

		updated, err = tx.UpdateAgent(ctx, a)
		return err
	})
	if err != nil {
		return agent.Agent{}, err
	}
	s.log.WithField("agent_id", id).Info("agent rejected")
	return updated, nil
}

// SetActive flips the operator kill switch on an approved agent; the status
// is untouched, so reactivation restores eligibility without re-vetting.
// Pending and rejected agents have no switch to flip.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (agent.Agent, error) {
	var updated agent.Agent
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		a, err := tx.AgentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != agent.StatusApproved {
			return apperr.InvalidState("agent is %s; only approved agents can be activated or deactivated", a.Status)
		}
		if a.Active == active {
			updated = a
			return nil
		}

		a.Active = active
		updated, err = tx.UpdateAgent(ctx, a)
		return err
	})
	if err != nil {
		return agent.Agent{}, err
	}
	s.log.WithField("agent_id", id).
		WithField("active", active).
		Info("agent active flag changed")
	return updated, nil
}

// Get returns an agent by ID.
func (s *Service) Get(ctx context.Context, id string) (agent.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// GetByUser returns the newest agent record for a user account.
func (s *Service) GetByUser(ctx context.Context, userID string) (agent.Agent, error) {
	return s.store.GetAgentByUser(ctx, userID)
}

// List returns agents, optionally filtered by approval status.
func (s *Service) List(ctx context.Context, status agent.ApprovalStatus) ([]agent.Agent, error) {
	if status != "" && !status.Valid() {
		return nil, apperr.Validation("unknown status %q", status)
	}
	return s.store.ListAgents(ctx, status)
}

// newAgentCode derives a short referral code and retries on the rare
// collision.
func (s *Service) newAgentCode(ctx context.Context) (string, error) {
	for i := 0; i < s.codeTries; i++ {
		raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
		code := "MD-" + raw[:6]
		_, err := s.store.GetAgentByCode(ctx, code)
		if apperr.KindOf(err) == apperr.KindNotFound {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", apperr.Transient(nil, "could not allocate a unique agent code")
}

func validateProfile(p *agent.Profile) error {
	p.Name = strings.TrimSpace(p.Name)
	p.Address = strings.TrimSpace(p.Address)
	p.GovIDType = strings.TrimSpace(p.GovIDType)
	p.GovIDNumber = strings.TrimSpace(p.GovIDNumber)
	if p.Name == "" {
		return apperr.Validation("name is required")
	}
	if p.GovIDType == "" || p.GovIDNumber == "" {
		return apperr.Validation("government id type and number are required")
	}
	return nil
}
