// Package provisioning creates restaurant accounts on behalf of agents and
// charges their token balance. The owner account, the restaurant record, and
// the debit commit in one transaction; when the balance is short nothing is
// created.
package provisioning

import (
	"context"
	"strings"
	"time"

	"github.com/menudeck/menudeck/internal/app/domain/ledger"
	"github.com/menudeck/menudeck/internal/app/domain/restaurant"
	"github.com/menudeck/menudeck/internal/app/domain/user"
	"github.com/menudeck/menudeck/internal/app/idempotency"
	"github.com/menudeck/menudeck/internal/app/metrics"
	"github.com/menudeck/menudeck/internal/app/services/identity"
	"github.com/menudeck/menudeck/internal/app/services/ledgersvc"
	"github.com/menudeck/menudeck/internal/app/storage"
	"github.com/menudeck/menudeck/internal/apperr"
	"github.com/menudeck/menudeck/pkg/logger"
)

const (
	minPremiumMonths = 1
	maxPremiumMonths = 12

	// DefaultCostPerMonth is charged per month of premium when no rate is
	// configured. One token buys one month.
	DefaultCostPerMonth int64 = 1
)

// Service provisions restaurants.
type Service struct {
	store        storage.Store
	keys         idempotency.KeyStore
	costPerMonth int64
	log          *logger.Logger
}

// New constructs a provisioning service. keys may be nil to disable
// idempotency-key replay.
func New(store storage.Store, keys idempotency.KeyStore, costPerMonth int64, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("provisioning")
	}
	if costPerMonth <= 0 {
		costPerMonth = DefaultCostPerMonth
	}
	return &Service{store: store, keys: keys, costPerMonth: costPerMonth, log: log}
}

// Input describes one provisioning call.
type Input struct {
	AgentID string

	RestaurantName    string
	RestaurantAddress string
	RestaurantPhone   string

	Owner identity.Credentials

	PremiumMonths int

	// IdempotencyKey, when set, makes retries of the same call return the
	// restaurant created by the first attempt instead of charging again.
	IdempotencyKey string
}

// Result is the outcome of a provisioning call.
type Result struct {
	Restaurant restaurant.Restaurant
	Owner      user.User
	Charge     ledger.Transaction
	// Replayed is true when an idempotency key matched an earlier call and
	// nothing new was created.
	Replayed bool
}

// Provision atomically creates the owner account and the restaurant and
// debits the agent.
func (s *Service) Provision(ctx context.Context, in Input) (Result, error) {
	in.AgentID = strings.TrimSpace(in.AgentID)
	in.RestaurantName = strings.TrimSpace(in.RestaurantName)
	if in.AgentID == "" {
		return Result{}, apperr.Validation("agent id is required")
	}
	if in.RestaurantName == "" {
		return Result{}, apperr.Validation("restaurant name is required")
	}
	if in.PremiumMonths < minPremiumMonths || in.PremiumMonths > maxPremiumMonths {
		return Result{}, apperr.InvalidDuration("premium months must be between %d and %d, got %d",
			minPremiumMonths, maxPremiumMonths, in.PremiumMonths)
	}
	if err := in.Owner.Validate(); err != nil {
		return Result{}, err
	}

	if s.keys != nil && in.IdempotencyKey != "" {
		if restaurantID, err := s.keys.Get(ctx, in.IdempotencyKey); err == nil {
			r, err := s.store.GetRestaurant(ctx, restaurantID)
			if err != nil {
				return Result{}, err
			}
			return Result{Restaurant: r, Replayed: true}, nil
		} else if apperr.KindOf(err) != apperr.KindNotFound {
			return Result{}, err
		}
	}

	cost := int64(in.PremiumMonths) * s.costPerMonth

	var out Result
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		a, err := tx.AgentForUpdate(ctx, in.AgentID)
		if err != nil {
			return err
		}
		if !a.Eligible() {
			return apperr.NotEligible("agent %s is not eligible to provision restaurants", in.AgentID)
		}

		hash, err := identity.HashPassword(in.Owner.Password)
		if err != nil {
			return err
		}
		owner, err := tx.CreateUser(ctx, user.User{
			Username:     in.Owner.Username,
			Email:        in.Owner.Email,
			PasswordHash: hash,
			Role:         user.RoleOwner,
		})
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		r, err := tx.CreateRestaurant(ctx, restaurant.Restaurant{
			OwnerID:          owner.ID,
			AgentID:          in.AgentID,
			Name:             in.RestaurantName,
			Address:          strings.TrimSpace(in.RestaurantAddress),
			Phone:            strings.TrimSpace(in.RestaurantPhone),
			IsPremium:        true,
			PremiumExpiresAt: now.AddDate(0, in.PremiumMonths, 0),
		})
		if err != nil {
			return err
		}

		charge, err := ledgersvc.Apply(ctx, tx, in.AgentID, -cost, ledger.ReasonProvisioning, r.ID)
		if err != nil {
			return err
		}

		out = Result{Restaurant: r, Owner: owner, Charge: charge}
		return nil
	})
	if err != nil {
		metrics.RecordProvisioning(outcomeOf(err))
		return Result{}, err
	}

	if s.keys != nil && in.IdempotencyKey != "" {
		if err := s.keys.Put(ctx, in.IdempotencyKey, out.Restaurant.ID); err != nil {
			// The restaurant exists; a lost key only costs replay protection.
			s.log.WithError(err).Warn("store idempotency key")
		}
	}

	metrics.RecordLedgerTransaction(string(ledger.ReasonProvisioning), out.Charge.Amount)
	metrics.RecordProvisioning("created")
	s.log.WithField("restaurant_id", out.Restaurant.ID).
		WithField("agent_id", in.AgentID).
		WithField("owner_id", out.Owner.ID).
		WithField("premium_months", in.PremiumMonths).
		WithField("cost", cost).
		Info("restaurant provisioned")
	return out, nil
}

// Get returns a restaurant by ID.
func (s *Service) Get(ctx context.Context, id string) (restaurant.Restaurant, error) {
	return s.store.GetRestaurant(ctx, id)
}

// List returns restaurants, optionally filtered by provisioning agent.
func (s *Service) List(ctx context.Context, agentID string) ([]restaurant.Restaurant, error) {
	return s.store.ListRestaurants(ctx, agentID)
}

func outcomeOf(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindInsufficientBalance:
		return "insufficient-balance"
	case apperr.KindNotEligible:
		return "not-eligible"
	case apperr.KindConflict:
		return "conflict"
	default:
		return "error"
	}
}
