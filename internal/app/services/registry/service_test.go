package registry

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/menudeck/menudeck/internal/app/domain/agent"
	"github.com/menudeck/menudeck/internal/app/storage/memory"
	"github.com/menudeck/menudeck/internal/apperr"
)

func newService(policy ResubmissionPolicy) *Service {
	return New(memory.New(), policy, nil)
}

func validProfile() agent.Profile {
	return agent.Profile{
		Name:        "Asha Verma",
		DateOfBirth: "1991-04-02",
		Address:     "12 Ring Road",
		GovIDType:   "passport",
		GovIDNumber: "P123456",
	}
}

func TestSubmitCreatesPendingAgent(t *testing.T) {
	svc := newService("")
	ctx := context.Background()

	a, err := svc.Submit(ctx, "user-1", validProfile())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if a.Status != agent.StatusPending {
		t.Fatalf("expected pending, got %s", a.Status)
	}
	if a.AgentCode != "" {
		t.Fatalf("agent code must not be assigned before approval, got %q", a.AgentCode)
	}
	if !a.Active {
		t.Fatal("new agents start active")
	}
}

func TestSubmitRequiresProfileFields(t *testing.T) {
	svc := newService("")
	ctx := context.Background()

	p := validProfile()
	p.GovIDNumber = " "
	if _, err := svc.Submit(ctx, "user-1", p); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitRejectsDuplicateWhilePendingOrApproved(t *testing.T) {
	svc := newService("")
	ctx := context.Background()

	if _, err := svc.Submit(ctx, "user-1", validProfile()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Submit(ctx, "user-1", validProfile()); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict while pending, got %v", err)
	}
}

func TestRejectedUserMayReapplyAsNewRecord(t *testing.T) {
	svc := newService(ResubmitNewRecord)
	ctx := context.Background()

	first, err := svc.Submit(ctx, "user-1", validProfile())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Reject(ctx, first.ID, "blurry documents"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	second, err := svc.Submit(ctx, "user-1", validProfile())
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a fresh record, got the rejected one")
	}

	kept, err := svc.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get rejected record: %v", err)
	}
	if kept.Status != agent.StatusRejected {
		t.Fatalf("rejection history must survive resubmission, got %s", kept.Status)
	}
}

func TestRejectedUserMayReapplyByReopening(t *testing.T) {
	svc := newService(ResubmitReopen)
	ctx := context.Background()

	first, err := svc.Submit(ctx, "user-1", validProfile())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Reject(ctx, first.ID, "expired id"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	p := validProfile()
	p.GovIDNumber = "P999999"
	second, err := svc.Submit(ctx, "user-1", p)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("reopen policy must reuse the rejected record")
	}
	if second.Status != agent.StatusPending {
		t.Fatalf("expected pending after reopen, got %s", second.Status)
	}
	if second.RejectionReason != "" {
		t.Fatal("reopen must clear the old rejection reason")
	}
	if second.Profile.GovIDNumber != "P999999" {
		t.Fatal("reopen must carry the resubmitted profile")
	}
}

func TestApproveAssignsAgentCode(t *testing.T) {
	svc := newService("")
	ctx := context.Background()

	a, err := svc.Submit(ctx, "user-1", validProfile())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	approved, err := svc.Approve(ctx, a.ID, "checks out")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != agent.StatusApproved {
		t.Fatalf("expected approved, got %s", approved.Status)
	}
	if !strings.HasPrefix(approved.AgentCode, "MD-") || len(approved.AgentCode) != 9 {
		t.Fatalf("unexpected agent code %q", approved.AgentCode)
	}
	if !approved.Eligible() {
		t.Fatal("approved active agent must be eligible")
	}
}

func TestApprovalIsTerminal(t *testing.T) {
	svc := newService("")
	ctx := context.Background()

	a, err := svc.Submit(ctx, "user-1", validProfile())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Approve(ctx, a.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if _, err := svc.Approve(ctx, a.ID, ""); apperr.KindOf(err) != apperr.KindInvalidState {
		t.Fatalf("expected invalid state on second approve, got %v", err)
	}
	if _, err := svc.Reject(ctx, a.ID, "changed our mind"); apperr.KindOf(err) != apperr.KindInvalidState {
		t.Fatalf("expected invalid state on reject after approve, got %v", err)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	svc := newService("")
	ctx := context.Background()

	a, err := svc.Submit(ctx, "user-1", validProfile())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Reject(ctx, a.ID, "  "); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDeactivateRemovesEligibilityWithoutTouchingStatus(t *testing.T) {
	svc := newService("")
	ctx := context.Background()

	a, err := svc.Submit(ctx, "user-1", validProfile())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Approve(ctx, a.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	off, err := svc.SetActive(ctx, a.ID, false)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if off.Status != agent.StatusApproved {
		t.Fatalf("deactivation must not touch status, got %s", off.Status)
	}
	if off.Eligible() {
		t.Fatal("deactivated agent must not be eligible")
	}

	on, err := svc.SetActive(ctx, a.ID, true)
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if !on.Eligible() {
		t.Fatal("reactivated approved agent must be eligible again")
	}
}

func TestSetActiveRequiresApprovedAgent(t *testing.T) {
	svc := newService("")
	ctx := context.Background()

	pending, err := svc.Submit(ctx, "user-1", validProfile())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.SetActive(ctx, pending.ID, false); apperr.KindOf(err) != apperr.KindInvalidState {
		t.Fatalf("expected invalid state for pending agent, got %v", err)
	}

	rejected, err := svc.Submit(ctx, "user-2", validProfile())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Reject(ctx, rejected.ID, "incomplete documents"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := svc.SetActive(ctx, rejected.ID, false); apperr.KindOf(err) != apperr.KindInvalidState {
		t.Fatalf("expected invalid state for rejected agent, got %v", err)
	}
}

func TestConcurrentApprovalResolvesExactlyOnce(t *testing.T) {
	svc := newService("")
	ctx := context.Background()

	a, err := svc.Submit(ctx, "user-1", validProfile())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	const racers = 10
	var wg sync.WaitGroup
	wins := make(chan agent.Agent, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				if approved, err := svc.Approve(ctx, a.ID, ""); err == nil {
					wins <- approved
				}
			} else {
				if rejected, err := svc.Reject(ctx, a.ID, "lost the race"); err == nil {
					wins <- rejected
				}
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Fatalf("expected exactly one resolution to win, got %d", won)
	}

	got, err := svc.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status == agent.StatusApproved && got.AgentCode == "" {
		t.Fatal("approved agent must carry its code")
	}
	if got.Status == agent.StatusPending {
		t.Fatal("a resolution won, so the agent cannot still be pending")
	}
}

func TestListFiltersByStatus(t *testing.T) {
	svc := newService("")
	ctx := context.Background()

	a, err := svc.Submit(ctx, "user-1", validProfile())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Submit(ctx, "user-2", validProfile()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Approve(ctx, a.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	pending, err := svc.List(ctx, agent.StatusPending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending agent, got %d", len(pending))
	}

	if _, err := svc.List(ctx, agent.ApprovalStatus("bogus")); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
}
