package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/tenantbill/tenantbill/app/models"
)

func TestTransitionAllowed(t *testing.T) {
	tests := []struct {
		from string
		to   string
		want bool
	}{
		{models.SubscriptionStatusIncomplete, models.SubscriptionStatusTrial, true},
		{models.SubscriptionStatusIncomplete, models.SubscriptionStatusActive, true},
		{models.SubscriptionStatusIncomplete, models.SubscriptionStatusCanceled, true},
		{models.SubscriptionStatusIncomplete, models.SubscriptionStatusPastDue, false},
		{models.SubscriptionStatusTrial, models.SubscriptionStatusActive, true},
		{models.SubscriptionStatusTrial, models.SubscriptionStatusPastDue, true},
		{models.SubscriptionStatusTrial, models.SubscriptionStatusCanceled, true},
		{models.SubscriptionStatusTrial, models.SubscriptionStatusIncomplete, false},
		{models.SubscriptionStatusActive, models.SubscriptionStatusPastDue, true},
		{models.SubscriptionStatusActive, models.SubscriptionStatusCanceled, true},
		{models.SubscriptionStatusActive, models.SubscriptionStatusTrial, false},
		{models.SubscriptionStatusPastDue, models.SubscriptionStatusActive, true},
		{models.SubscriptionStatusPastDue, models.SubscriptionStatusCanceled, true},
		{models.SubscriptionStatusPastDue, models.SubscriptionStatusTrial, false},
		// canceled is terminal, including the self edge
		{models.SubscriptionStatusCanceled, models.SubscriptionStatusActive, false},
		{models.SubscriptionStatusCanceled, models.SubscriptionStatusCanceled, false},
		// self edges refresh without status change
		{models.SubscriptionStatusActive, models.SubscriptionStatusActive, true},
		{models.SubscriptionStatusTrial, models.SubscriptionStatusTrial, true},
	}

	for _, tt := range tests {
		if got := transitionAllowed(tt.from, tt.to); got != tt.want {
			t.Fatalf("transitionAllowed(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestApplyTransition_WritesSubscriptionTenantAndLedger(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(now)

	repo.addTenant(&models.Tenant{ID: 1, Email: "a@example.com"})
	sub := repo.addSubscription(&models.Subscription{
		TenantID: 1,
		PlanID:   "basic",
		Status:   models.SubscriptionStatusTrial,
	})

	err := svc.applyTransition(repo, sub, transitionInput{
		action:    models.HistoryActionTrialConverted,
		actor:     models.HistoryActorProvider,
		newStatus: models.SubscriptionStatusActive,
		strict:    true,
		eventAt:   timePtr(now),
	})
	if err != nil {
		t.Fatalf("applyTransition() error: %v", err)
	}

	stored := repo.subscriptions[sub.ID]
	if stored.Status != models.SubscriptionStatusActive {
		t.Fatalf("subscription status = %q, want active", stored.Status)
	}
	if stored.LockVersion != 1 {
		t.Fatalf("lock version = %d, want 1", stored.LockVersion)
	}
	if stored.LastEventAt == nil || !stored.LastEventAt.Equal(now) {
		t.Fatalf("last event timestamp not recorded")
	}

	tenant := repo.tenants[1]
	if tenant.BillingStatus != models.SubscriptionStatusActive || tenant.PlanID != "basic" {
		t.Fatalf("tenant mirror not updated: %+v", tenant)
	}

	if len(repo.history) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(repo.history))
	}
	entry := repo.history[0]
	if entry.PrevStatus != models.SubscriptionStatusTrial || entry.NewStatus != models.SubscriptionStatusActive {
		t.Fatalf("ledger entry statuses wrong: %+v", entry)
	}
	if entry.Actor != models.HistoryActorProvider || entry.Action != models.HistoryActionTrialConverted {
		t.Fatalf("ledger entry attribution wrong: %+v", entry)
	}
}

func TestApplyTransition_TerminalStateRejectsEverything(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(now)

	repo.addTenant(&models.Tenant{ID: 1})
	sub := repo.addSubscription(&models.Subscription{
		TenantID: 1,
		Status:   models.SubscriptionStatusCanceled,
	})

	err := svc.applyTransition(repo, sub, transitionInput{
		action:    models.HistoryActionUpdated,
		actor:     models.HistoryActorProvider,
		newStatus: models.SubscriptionStatusActive,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(repo.history) != 0 {
		t.Fatalf("terminal rejection must not write history")
	}
}

func TestApplyTransition_StrictRejectsMissingEdge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(now)

	repo.addTenant(&models.Tenant{ID: 1})
	sub := repo.addSubscription(&models.Subscription{
		TenantID: 1,
		Status:   models.SubscriptionStatusPastDue,
	})

	err := svc.applyTransition(repo, sub, transitionInput{
		action:    models.HistoryActionUpdated,
		actor:     models.HistoryActorTenant,
		newStatus: models.SubscriptionStatusTrial,
		strict:    true,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestApplyTransition_AuthoritativeOverwriteIgnoresEdgeTable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(now)

	repo.addTenant(&models.Tenant{ID: 1})
	sub := repo.addSubscription(&models.Subscription{
		TenantID: 1,
		Status:   models.SubscriptionStatusPastDue,
	})

	// past_due -> trial is not an edge, but a non-strict provider view
	// still wins.
	err := svc.applyTransition(repo, sub, transitionInput{
		action:    models.HistoryActionUpdated,
		actor:     models.HistoryActorProvider,
		newStatus: models.SubscriptionStatusTrial,
		eventAt:   timePtr(now),
	})
	if err != nil {
		t.Fatalf("applyTransition() error: %v", err)
	}
	if repo.subscriptions[sub.ID].Status != models.SubscriptionStatusTrial {
		t.Fatalf("expected authoritative overwrite to apply")
	}
}

func TestApplyTransition_StaleEventRejected(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(now)

	repo.addTenant(&models.Tenant{ID: 1})
	sub := repo.addSubscription(&models.Subscription{
		TenantID:    1,
		Status:      models.SubscriptionStatusActive,
		LastEventAt: timePtr(now),
	})

	err := svc.applyTransition(repo, sub, transitionInput{
		action:    models.HistoryActionUpdated,
		actor:     models.HistoryActorProvider,
		newStatus: models.SubscriptionStatusPastDue,
		eventAt:   timePtr(now.Add(-time.Hour)),
	})
	if !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("expected ErrStaleEvent, got %v", err)
	}
	if repo.subscriptions[sub.ID].Status != models.SubscriptionStatusActive {
		t.Fatalf("stale event must not change status")
	}
}

func TestApplyTransition_ConcurrentUpdateSurfaces(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(now)

	repo.addTenant(&models.Tenant{ID: 1})
	sub := repo.addSubscription(&models.Subscription{
		TenantID: 1,
		Status:   models.SubscriptionStatusActive,
	})

	// Another writer bumps the row between read and write.
	repo.subscriptions[sub.ID].LockVersion = 5

	err := svc.applyTransition(repo, sub, transitionInput{
		action:    models.HistoryActionUpdated,
		actor:     models.HistoryActorProvider,
		newStatus: models.SubscriptionStatusPastDue,
	})
	if !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}
}

func TestPeriodLength(t *testing.T) {
	if got := periodLength(models.BillingPeriodAnnual); got != 365*24*time.Hour {
		t.Fatalf("annual period = %v", got)
	}
	if got := periodLength(models.BillingPeriodMonthly); got != 30*24*time.Hour {
		t.Fatalf("monthly period = %v", got)
	}
	if got := periodLength(""); got != 30*24*time.Hour {
		t.Fatalf("default period = %v", got)
	}
}
