// Package app ties the domain services together and manages their lifecycle.
package app

import (
	"context"
	"fmt"

	"github.com/menudeck/menudeck/internal/app/idempotency"
	"github.com/menudeck/menudeck/internal/app/services/identity"
	"github.com/menudeck/menudeck/internal/app/services/ledgersvc"
	"github.com/menudeck/menudeck/internal/app/services/provisioning"
	"github.com/menudeck/menudeck/internal/app/services/registry"
	"github.com/menudeck/menudeck/internal/app/services/requests"
	"github.com/menudeck/menudeck/internal/app/storage"
	"github.com/menudeck/menudeck/internal/app/storage/memory"
	"github.com/menudeck/menudeck/internal/app/system"
	"github.com/menudeck/menudeck/pkg/logger"
)

// Options configures an Application. The zero value gives an in-memory,
// in-process deployment suitable for tests.
type Options struct {
	// Store is the persistence layer; nil defaults to the in-memory store.
	Store storage.Store
	// IdempotencyKeys guards provisioning retries; nil defaults to the
	// in-process key store.
	IdempotencyKeys idempotency.KeyStore

	// ResubmissionPolicy selects how rejected agents reapply.
	ResubmissionPolicy registry.ResubmissionPolicy
	// ProvisioningCostPerMonth is the token charge per premium month.
	ProvisioningCostPerMonth int64
	// ReconcilerSchedule is a cron expression for the balance sweep; empty
	// defaults to hourly, "off" disables it.
	ReconcilerSchedule string
}

// Application holds the wired services and their lifecycle manager.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Identity     *identity.Service
	Registry     *registry.Service
	Ledger       *ledgersvc.Service
	Requests     *requests.Service
	Provisioning *provisioning.Service
}

// New builds a fully initialised application.
func New(opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if opts.Store == nil {
		opts.Store = memory.New()
	}
	if opts.IdempotencyKeys == nil {
		opts.IdempotencyKeys = idempotency.NewMemory(0)
	}

	manager := system.NewManager()

	identitySvc := identity.New(opts.Store, log)
	registrySvc := registry.New(opts.Store, opts.ResubmissionPolicy, log)
	ledgerSvc := ledgersvc.New(opts.Store, log)
	requestSvc := requests.New(opts.Store, log)
	provisioningSvc := provisioning.New(opts.Store, opts.IdempotencyKeys, opts.ProvisioningCostPerMonth, log)

	for _, name := range []string{"identity", "registry", "requests", "provisioning"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	if opts.ReconcilerSchedule != "off" {
		reconciler := ledgersvc.NewReconciler(ledgerSvc, opts.ReconcilerSchedule, log)
		if err := manager.Register(reconciler); err != nil {
			return nil, fmt.Errorf("register %s: %w", reconciler.Name(), err)
		}
	} else {
		log.Warn("ledger reconciler disabled")
	}

	return &Application{
		manager:      manager,
		log:          log,
		Identity:     identitySvc,
		Registry:     registrySvc,
		Ledger:       ledgerSvc,
		Requests:     requestSvc,
		Provisioning: provisioningSvc,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
