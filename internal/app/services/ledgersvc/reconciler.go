package ledgersvc

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/menudeck/menudeck/internal/app/metrics"
	"github.com/menudeck/menudeck/internal/app/system"
	"github.com/menudeck/menudeck/pkg/logger"
)

// Reconciler periodically re-sums every agent's ledger and flags cached
// balances that disagree. It never repairs: drift means a bug, and silently
// rewriting the cache would hide it.
type Reconciler struct {
	service  *Service
	schedule string
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

var _ system.Service = (*Reconciler)(nil)

// NewReconciler builds a reconciler on the given cron schedule. An empty
// schedule defaults to an hourly sweep.
func NewReconciler(service *Service, schedule string, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewDefault("ledger-reconciler")
	}
	if schedule == "" {
		schedule = "@hourly"
	}
	return &Reconciler{service: service, schedule: schedule, log: log}
}

func (r *Reconciler) Name() string { return "ledger-reconciler" }

func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() { r.Sweep(context.Background()) }); err != nil {
		return err
	}
	c.Start()

	r.cron = c
	r.running = true
	r.log.WithField("schedule", r.schedule).Info("ledger reconciler started")
	return nil
}

func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}

	stopped := r.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	r.running = false
	r.log.Info("ledger reconciler stopped")
	return nil
}

// Sweep runs one reconciliation pass and publishes the drift count.
func (r *Reconciler) Sweep(ctx context.Context) {
	drifted, err := r.service.driftCheck(ctx)
	if err != nil {
		r.log.WithError(err).Error("reconciliation sweep failed")
		return
	}
	metrics.SetReconcilerDrift(len(drifted))
	if len(drifted) == 0 {
		r.log.Info("reconciliation sweep clean")
	}
}
