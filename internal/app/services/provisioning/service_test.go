package provisioning

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/menudeck/menudeck/internal/app/domain/agent"
	"github.com/menudeck/menudeck/internal/app/domain/ledger"
	"github.com/menudeck/menudeck/internal/app/idempotency"
	"github.com/menudeck/menudeck/internal/app/services/identity"
	"github.com/menudeck/menudeck/internal/app/storage"
	"github.com/menudeck/menudeck/internal/app/storage/memory"
	"github.com/menudeck/menudeck/internal/apperr"
)

func seedAgent(t *testing.T, store *memory.Store, balance int64) agent.Agent {
	t.Helper()
	ctx := context.Background()
	a, err := store.CreateAgent(ctx, agent.Agent{
		UserID:       "agent-user",
		Profile:      agent.Profile{Name: "Asha", GovIDType: "passport", GovIDNumber: "P1"},
		Status:       agent.StatusApproved,
		AgentCode:    "MD-SEED01",
		TokenBalance: balance,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	if balance != 0 {
		err := store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			_, err := tx.AppendTransaction(ctx, ledger.Transaction{
				AgentID:      a.ID,
				Amount:       balance,
				Reason:       ledger.ReasonManualAdjust,
				BalanceAfter: balance,
			})
			return err
		})
		if err != nil {
			t.Fatalf("seed ledger: %v", err)
		}
	}
	return a
}

func validInput(agentID string) Input {
	return Input{
		AgentID:        agentID,
		RestaurantName: "Spice Route",
		Owner: identity.Credentials{
			Username: "spiceroute",
			Email:    "owner@spiceroute.example",
			Password: "longenough",
		},
		PremiumMonths: 3,
	}
}

func TestProvisionChargesOneTokenPerMonth(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, 0, nil)
	ctx := context.Background()
	a := seedAgent(t, store, 5)

	out, err := svc.Provision(ctx, validInput(a.ID))
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	if out.Restaurant.ID == "" || out.Owner.ID == "" {
		t.Fatal("expected restaurant and owner to be created")
	}
	if out.Restaurant.OwnerID != out.Owner.ID {
		t.Fatal("restaurant must reference its owner")
	}
	if out.Restaurant.AgentID != a.ID {
		t.Fatal("restaurant must reference the provisioning agent")
	}
	if !out.Restaurant.PremiumActive(time.Now()) {
		t.Fatal("freshly provisioned restaurant must have active premium")
	}
	if out.Charge.Amount != -3 {
		t.Fatalf("3 months must charge 3 tokens, got %d", out.Charge.Amount)
	}

	got, err := store.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.TokenBalance != 2 {
		t.Fatalf("expected balance 2 after charge, got %d", got.TokenBalance)
	}
	sum, err := store.SumTransactions(ctx, a.ID)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != got.TokenBalance {
		t.Fatalf("ledger sum %d != cached balance %d", sum, got.TokenBalance)
	}
}

func TestProvisionHonorsConfiguredRate(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, 10, nil)
	ctx := context.Background()
	a := seedAgent(t, store, 100)

	out, err := svc.Provision(ctx, validInput(a.ID))
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if out.Charge.Amount != -30 {
		t.Fatalf("3 months at rate 10 must charge 30, got %d", out.Charge.Amount)
	}
}

func TestProvisionValidatesMonths(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, 0, nil)
	ctx := context.Background()
	a := seedAgent(t, store, 100)

	for _, months := range []int{0, -1, 13} {
		in := validInput(a.ID)
		in.PremiumMonths = months
		if _, err := svc.Provision(ctx, in); apperr.KindOf(err) != apperr.KindInvalidDuration {
			t.Fatalf("months=%d: expected invalid duration, got %v", months, err)
		}
	}

	// Both bounds are inclusive.
	for i, months := range []int{1, 12} {
		in := validInput(a.ID)
		in.PremiumMonths = months
		in.Owner.Username = fmt.Sprintf("owner%d", i)
		in.Owner.Email = ""
		if _, err := svc.Provision(ctx, in); err != nil {
			t.Fatalf("months=%d: %v", months, err)
		}
	}
}

func TestProvisionRequiresEligibleAgent(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, 0, nil)
	ctx := context.Background()
	a := seedAgent(t, store, 100)

	a.Active = false
	if _, err := store.UpdateAgent(ctx, a); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if _, err := svc.Provision(ctx, validInput(a.ID)); apperr.KindOf(err) != apperr.KindNotEligible {
		t.Fatalf("expected not eligible, got %v", err)
	}
	if _, err := store.GetUserByUsername(ctx, "spiceroute"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatal("failed provisioning must not leave an owner account behind")
	}
}

func TestInsufficientBalanceLeavesNothingBehind(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, 0, nil)
	ctx := context.Background()
	a := seedAgent(t, store, 2) // 3 months costs 3

	_, err := svc.Provision(ctx, validInput(a.ID))
	if apperr.KindOf(err) != apperr.KindInsufficientBalance {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	if _, err := store.GetUserByUsername(ctx, "spiceroute"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatal("owner account must not survive a failed charge")
	}
	restaurants, err := store.ListRestaurants(ctx, a.ID)
	if err != nil {
		t.Fatalf("list restaurants: %v", err)
	}
	if len(restaurants) != 0 {
		t.Fatalf("restaurant must not survive a failed charge, got %d", len(restaurants))
	}
	got, err := store.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.TokenBalance != 2 {
		t.Fatalf("failed provisioning must not change balance, got %d", got.TokenBalance)
	}
}

func TestDuplicateOwnerUsernameRollsBack(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, 0, nil)
	ctx := context.Background()
	a := seedAgent(t, store, 100)

	if _, err := svc.Provision(ctx, validInput(a.ID)); err != nil {
		t.Fatalf("first provision: %v", err)
	}

	in := validInput(a.ID)
	in.RestaurantName = "Second Spot"
	in.Owner.Email = "other@example.com"
	if _, err := svc.Provision(ctx, in); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict on duplicate owner username, got %v", err)
	}

	got, err := store.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.TokenBalance != 97 {
		t.Fatalf("failed provisioning must not charge, got balance %d", got.TokenBalance)
	}
}

func TestConcurrentProvisioningNeverOverdraws(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, 0, nil)
	ctx := context.Background()
	a := seedAgent(t, store, 5) // room for 5 one-month provisions

	const attempts = 12
	var wg sync.WaitGroup
	wins := make(chan struct{}, attempts)

	for i := 0; i < attempts; i++ {
		in := Input{
			AgentID:        a.ID,
			RestaurantName: fmt.Sprintf("Cafe %d", i),
			Owner: identity.Credentials{
				Username: fmt.Sprintf("cafe%d", i),
				Password: "longenough",
			},
			PremiumMonths: 1,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Provision(ctx, in); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 5 {
		t.Fatalf("expected exactly 5 provisions to fit the balance, got %d", won)
	}

	got, err := store.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.TokenBalance != 0 {
		t.Fatalf("expected drained balance, got %d", got.TokenBalance)
	}
	restaurants, err := store.ListRestaurants(ctx, a.ID)
	if err != nil {
		t.Fatalf("list restaurants: %v", err)
	}
	if len(restaurants) != 5 {
		t.Fatalf("expected 5 restaurants, got %d", len(restaurants))
	}
}

func TestIdempotencyKeyReplaysInsteadOfRecharging(t *testing.T) {
	store := memory.New()
	svc := New(store, idempotency.NewMemory(0), 0, nil)
	ctx := context.Background()
	a := seedAgent(t, store, 5)

	in := validInput(a.ID)
	in.IdempotencyKey = "retry-123"

	first, err := svc.Provision(ctx, in)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if first.Replayed {
		t.Fatal("first call must not be a replay")
	}

	second, err := svc.Provision(ctx, in)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed {
		t.Fatal("second call with the same key must replay")
	}
	if second.Restaurant.ID != first.Restaurant.ID {
		t.Fatal("replay must return the original restaurant")
	}

	got, err := store.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.TokenBalance != 2 {
		t.Fatalf("replay must not charge again, got balance %d", got.TokenBalance)
	}
}
