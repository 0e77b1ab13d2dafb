package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tenantbill/tenantbill/app/models"
)

func seedPlan(repo *fakeRepository) *models.Plan {
	return repo.addPlan(&models.Plan{
		ID:              1,
		PlanID:          "basic",
		ProviderPriceID: "price_basic_m",
		Name:            "Basic",
		BillingPeriod:   models.BillingPeriodMonthly,
		Amount:          990,
		Currency:        "eur",
		TrialDays:       14,
		IsActive:        true,
	})
}

func TestCreateCheckout(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, repo, provider := newTestService(now)

	repo.addTenant(&models.Tenant{ID: 1, Name: "Acme", Email: "billing@acme.test"})
	seedPlan(repo)

	result, err := svc.CreateCheckout(context.Background(), 1, CheckoutRequest{
		PriceID:       "price_basic_m",
		PlanID:        "basic",
		BillingPeriod: models.BillingPeriodMonthly,
	})
	if err != nil {
		t.Fatalf("CreateCheckout() error: %v", err)
	}
	if result.SessionID == "" || result.SessionURL == "" {
		t.Fatalf("missing session handle: %+v", result)
	}
	if result.TrialDays != 14 {
		t.Fatalf("trial days = %d, want 14", result.TrialDays)
	}

	if repo.tenants[1].ProviderCustomerID == "" {
		t.Fatalf("expected a provider customer to be created and stored")
	}
	if provider.lastSessionArgs.PriceID != "price_basic_m" || provider.lastSessionArgs.TrialDays != 14 {
		t.Fatalf("session params wrong: %+v", provider.lastSessionArgs)
	}

	sub, err := repo.FindCurrentSubscription(1)
	if err != nil {
		t.Fatalf("pending subscription not created: %v", err)
	}
	if sub.Status != models.SubscriptionStatusIncomplete {
		t.Fatalf("status = %q, want incomplete", sub.Status)
	}
	if sub.ProviderSessionID == nil || *sub.ProviderSessionID != result.SessionID {
		t.Fatalf("session id not recorded on subscription")
	}

	if got := repo.historyActions(); len(got) != 1 || got[0] != models.HistoryActionCheckoutStarted {
		t.Fatalf("ledger actions = %v, want [checkout_started]", got)
	}
}

func TestCreateCheckout_RejectsCommittedSubscription(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, status := range []string{
		models.SubscriptionStatusTrial,
		models.SubscriptionStatusActive,
		models.SubscriptionStatusPastDue,
	} {
		svc, repo, _ := newTestService(now)
		repo.addTenant(&models.Tenant{ID: 1, Name: "Acme", Email: "billing@acme.test"})
		seedPlan(repo)
		repo.addSubscription(&models.Subscription{TenantID: 1, Status: status})

		_, err := svc.CreateCheckout(context.Background(), 1, CheckoutRequest{
			PriceID:       "price_basic_m",
			PlanID:        "basic",
			BillingPeriod: models.BillingPeriodMonthly,
		})
		if !errors.Is(err, ErrAlreadySubscribed) {
			t.Fatalf("status %s: expected ErrAlreadySubscribed, got %v", status, err)
		}
	}
}

func TestCreateCheckout_SupersedesStaleIncomplete(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(now)

	repo.addTenant(&models.Tenant{ID: 1, Name: "Acme", Email: "billing@acme.test"})
	seedPlan(repo)
	stale := repo.addSubscription(&models.Subscription{
		TenantID:          1,
		ProviderSessionID: strPtr("cs_old"),
		Status:            models.SubscriptionStatusIncomplete,
	})

	if _, err := svc.CreateCheckout(context.Background(), 1, CheckoutRequest{
		PriceID:       "price_basic_m",
		PlanID:        "basic",
		BillingPeriod: models.BillingPeriodMonthly,
	}); err != nil {
		t.Fatalf("CreateCheckout() error: %v", err)
	}

	if repo.subscriptions[stale.ID].Status != models.SubscriptionStatusCanceled {
		t.Fatalf("stale incomplete subscription not superseded")
	}

	current, err := repo.FindCurrentSubscription(1)
	if err != nil {
		t.Fatalf("no current subscription: %v", err)
	}
	if current.ID == stale.ID || current.Status != models.SubscriptionStatusIncomplete {
		t.Fatalf("expected a fresh incomplete subscription, got %+v", current)
	}
}

func TestCreateCheckout_PlanValidation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(now)

	repo.addTenant(&models.Tenant{ID: 1, Name: "Acme", Email: "billing@acme.test"})
	seedPlan(repo)

	// Unknown plan.
	if _, err := svc.CreateCheckout(context.Background(), 1, CheckoutRequest{
		PriceID:       "price_pro_m",
		PlanID:        "pro",
		BillingPeriod: models.BillingPeriodMonthly,
	}); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound for unknown plan, got %v", err)
	}

	// Price ID not matching the catalog entry.
	if _, err := svc.CreateCheckout(context.Background(), 1, CheckoutRequest{
		PriceID:       "price_spoofed",
		PlanID:        "basic",
		BillingPeriod: models.BillingPeriodMonthly,
	}); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound for mismatched price, got %v", err)
	}

	// Invalid billing period fails request validation.
	if _, err := svc.CreateCheckout(context.Background(), 1, CheckoutRequest{
		PriceID:       "price_basic_m",
		PlanID:        "basic",
		BillingPeriod: "weekly",
	}); err == nil {
		t.Fatalf("expected validation error for billing period")
	}
}

func TestCancel_Immediately(t *testing.T) {
	now := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(now)

	repo.addTenant(&models.Tenant{ID: 1})
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)
	sub := repo.addSubscription(&models.Subscription{
		TenantID:           1,
		Status:             models.SubscriptionStatusActive,
		Amount:             1000,
		Currency:           "eur",
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
	})

	summary, err := svc.Cancel(context.Background(), 1, CancelRequest{Immediately: true, Reason: "too expensive"})
	if err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if summary.CancellationType != CancellationImmediate {
		t.Fatalf("type = %q, want immediate", summary.CancellationType)
	}
	// Halfway through a 30-day period paid 1000.
	if summary.RefundAmount != 500 {
		t.Fatalf("refund = %d, want 500", summary.RefundAmount)
	}

	stored := repo.subscriptions[sub.ID]
	if stored.Status != models.SubscriptionStatusCanceled {
		t.Fatalf("status = %q, want canceled", stored.Status)
	}
	if stored.CurrentPeriodEnd == nil || !stored.CurrentPeriodEnd.Equal(now) {
		t.Fatalf("access end not cut to now: %v", stored.CurrentPeriodEnd)
	}
	if repo.tenants[1].BillingStatus != models.SubscriptionStatusCanceled {
		t.Fatalf("tenant mirror not updated")
	}
}

func TestCancel_AtPeriodEnd(t *testing.T) {
	now := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(now)

	repo.addTenant(&models.Tenant{ID: 1})
	end := now.AddDate(0, 0, 10)
	sub := repo.addSubscription(&models.Subscription{
		TenantID:         1,
		Status:           models.SubscriptionStatusActive,
		Amount:           1000,
		Currency:         "eur",
		CurrentPeriodEnd: &end,
	})

	summary, err := svc.Cancel(context.Background(), 1, CancelRequest{})
	if err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if summary.CancellationType != CancellationAtPeriodEnd {
		t.Fatalf("type = %q, want at_period_end", summary.CancellationType)
	}
	if summary.RefundAmount != 0 {
		t.Fatalf("deferred cancellation must not refund, got %d", summary.RefundAmount)
	}
	if !summary.AccessUntil.Equal(end) {
		t.Fatalf("access until = %v, want %v", summary.AccessUntil, end)
	}

	stored := repo.subscriptions[sub.ID]
	if stored.Status != models.SubscriptionStatusActive {
		t.Fatalf("deferred cancel changed status to %q", stored.Status)
	}
	if !stored.CancelAtPeriodEnd {
		t.Fatalf("cancel_at_period_end not set")
	}
}

// A webhook bumping the row between read and write must cost a
// re-read, not a failed cancellation.
func TestCancel_RecoversFromConcurrentUpdate(t *testing.T) {
	now := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(now)

	repo.addTenant(&models.Tenant{ID: 1})
	end := now.AddDate(0, 0, 10)
	sub := repo.addSubscription(&models.Subscription{
		TenantID:         1,
		Status:           models.SubscriptionStatusActive,
		Amount:           1000,
		Currency:         "eur",
		CurrentPeriodEnd: &end,
	})
	repo.conflictUpdates = 2

	if _, err := svc.Cancel(context.Background(), 1, CancelRequest{}); err != nil {
		t.Fatalf("Cancel() error after conflicts: %v", err)
	}
	if !repo.subscriptions[sub.ID].CancelAtPeriodEnd {
		t.Fatalf("cancel_at_period_end not set after retries")
	}
	if repo.conflictUpdates != 0 {
		t.Fatalf("expected both injected conflicts to be consumed")
	}
}

func TestCancel_GivesUpAfterRepeatedConflicts(t *testing.T) {
	now := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(now)

	repo.addTenant(&models.Tenant{ID: 1})
	repo.addSubscription(&models.Subscription{
		TenantID: 1,
		Status:   models.SubscriptionStatusActive,
		Amount:   1000,
		Currency: "eur",
	})
	repo.conflictUpdates = 10

	if _, err := svc.Cancel(context.Background(), 1, CancelRequest{}); !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate after exhausted retries, got %v", err)
	}
}

func TestCreateCheckout_RecoversFromConcurrentUpdate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(now)

	repo.addTenant(&models.Tenant{ID: 1, Name: "Acme", Email: "billing@acme.test"})
	seedPlan(repo)
	stale := repo.addSubscription(&models.Subscription{
		TenantID:          1,
		ProviderSessionID: strPtr("cs_old"),
		Status:            models.SubscriptionStatusIncomplete,
	})
	repo.conflictUpdates = 1

	if _, err := svc.CreateCheckout(context.Background(), 1, CheckoutRequest{
		PriceID:       "price_basic_m",
		PlanID:        "basic",
		BillingPeriod: models.BillingPeriodMonthly,
	}); err != nil {
		t.Fatalf("CreateCheckout() error after conflict: %v", err)
	}
	if repo.subscriptions[stale.ID].Status != models.SubscriptionStatusCanceled {
		t.Fatalf("stale incomplete subscription not superseded on retry")
	}
}

func TestCancel_NoSubscription(t *testing.T) {
	now := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(now)
	repo.addTenant(&models.Tenant{ID: 1})

	if _, err := svc.Cancel(context.Background(), 1, CancelRequest{}); !errors.Is(err, ErrNoSubscription) {
		t.Fatalf("expected ErrNoSubscription, got %v", err)
	}
}

func TestPreviewCancellation_SuggestsByDaysLeft(t *testing.T) {
	now := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		daysLeft int
		want     string
	}{
		{daysLeft: 20, want: CancellationAtPeriodEnd},
		{daysLeft: 3, want: CancellationImmediate},
	}
	for _, tt := range cases {
		svc, repo, _ := newTestService(now)
		repo.addTenant(&models.Tenant{ID: 1})
		end := now.AddDate(0, 0, tt.daysLeft)
		repo.addSubscription(&models.Subscription{
			TenantID:         1,
			Status:           models.SubscriptionStatusActive,
			CurrentPeriodEnd: &end,
		})

		summary, err := svc.PreviewCancellation(context.Background(), 1, false)
		if err != nil {
			t.Fatalf("PreviewCancellation() error: %v", err)
		}
		if summary.Suggested != tt.want {
			t.Fatalf("%d days left: suggested = %q, want %q", tt.daysLeft, summary.Suggested, tt.want)
		}
		if len(repo.history) != 0 {
			t.Fatalf("preview must not write history")
		}
	}
}

func TestTenantStatus(t *testing.T) {
	now := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	svc, repo, _ := newTestService(now)

	trialEnd := now.AddDate(0, 0, 5)
	repo.addTenant(&models.Tenant{
		ID:            1,
		BillingStatus: models.SubscriptionStatusTrial,
		PlanID:        "basic",
		BillingPeriod: models.BillingPeriodMonthly,
		TrialEnd:      &trialEnd,
	})
	repo.addSubscription(&models.Subscription{
		TenantID: 1,
		Status:   models.SubscriptionStatusTrial,
		TrialEnd: &trialEnd,
	})
	_ = repo.AppendHistory(&models.BillingHistory{TenantID: 1, Action: models.HistoryActionTrialStarted})

	view, err := svc.TenantStatus(context.Background(), 1)
	if err != nil {
		t.Fatalf("TenantStatus() error: %v", err)
	}
	if view.BillingStatus != models.SubscriptionStatusTrial || view.PlanID != "basic" {
		t.Fatalf("unexpected view: %+v", view)
	}
	if view.TrialDaysLeft != 5 {
		t.Fatalf("trial days left = %d, want 5", view.TrialDaysLeft)
	}
	if view.Subscription == nil {
		t.Fatalf("expected current subscription in view")
	}
	if len(view.History) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(view.History))
	}
}

func TestSyncPrices(t *testing.T) {
	now := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	svc, repo, provider := newTestService(now)

	provider.prices = []Price{
		{ID: "price_basic_m", PlanID: "basic", Name: "Basic", Interval: "month", Amount: 990, Currency: "eur", TrialDays: 14, Active: true},
		{ID: "price_basic_y", PlanID: "basic", Name: "Basic", Interval: "year", Amount: 9900, Currency: "eur", Active: true},
		{ID: "price_orphan", Name: "No plan mapping", Interval: "month", Amount: 1, Currency: "eur", Active: true},
	}

	synced, err := svc.SyncPrices(context.Background())
	if err != nil {
		t.Fatalf("SyncPrices() error: %v", err)
	}
	if synced != 2 {
		t.Fatalf("synced = %d, want 2 (orphan price skipped)", synced)
	}

	monthly, err := repo.FindActivePlan("basic", models.BillingPeriodMonthly)
	if err != nil {
		t.Fatalf("monthly plan missing: %v", err)
	}
	if monthly.Amount != 990 || monthly.TrialDays != 14 {
		t.Fatalf("monthly plan wrong: %+v", monthly)
	}
	annual, err := repo.FindActivePlan("basic", models.BillingPeriodAnnual)
	if err != nil {
		t.Fatalf("annual plan missing: %v", err)
	}
	if annual.Amount != 9900 {
		t.Fatalf("annual plan wrong: %+v", annual)
	}
}

func TestDaysLeft(t *testing.T) {
	now := time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		deadline time.Time
		want     int
	}{
		{deadline: now.Add(72 * time.Hour), want: 3},
		{deadline: now.Add(49 * time.Hour), want: 3},
		{deadline: now.Add(time.Hour), want: 1},
		{deadline: now, want: 0},
		{deadline: now.Add(-time.Hour), want: 0},
	}
	for _, tt := range tests {
		if got := daysLeft(tt.deadline, now); got != tt.want {
			t.Fatalf("daysLeft(%v) = %d, want %d", tt.deadline, got, tt.want)
		}
	}
}
