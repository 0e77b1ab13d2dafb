package billing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tenantbill/tenantbill/app/models"
	"gorm.io/gorm"
)

// fakeRepository is an in-memory Repository used by the service tests.
// It mirrors the semantics the tests depend on: lock_version checks on
// subscription updates, insert-once behavior for webhook events and
// payments, and record-not-found errors on misses.
type fakeRepository struct {
	tenants       map[uint]*models.Tenant
	subscriptions map[uint]*models.Subscription
	payments      map[string]*models.Payment
	history       []models.BillingHistory
	webhookEvents map[string]*models.WebhookEvent
	plans         map[string]*models.Plan

	nextSubID     uint
	nextEventID   uint
	nextHistoryID uint

	// conflictUpdates makes the next N subscription updates behave as if
	// a concurrent writer bumped the row first.
	conflictUpdates int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		tenants:       map[uint]*models.Tenant{},
		subscriptions: map[uint]*models.Subscription{},
		payments:      map[string]*models.Payment{},
		webhookEvents: map[string]*models.WebhookEvent{},
		plans:         map[string]*models.Plan{},
		nextSubID:     1,
		nextEventID:   1,
		nextHistoryID: 1,
	}
}

func (f *fakeRepository) addTenant(t *models.Tenant) *models.Tenant {
	f.tenants[t.ID] = t
	return t
}

func (f *fakeRepository) addSubscription(sub *models.Subscription) *models.Subscription {
	if sub.ID == 0 {
		sub.ID = f.nextSubID
		f.nextSubID++
	} else if sub.ID >= f.nextSubID {
		f.nextSubID = sub.ID + 1
	}
	cp := *sub
	f.subscriptions[sub.ID] = &cp
	return sub
}

func (f *fakeRepository) addPlan(p *models.Plan) *models.Plan {
	f.plans[p.ProviderPriceID] = p
	return p
}

func (f *fakeRepository) historyActions() []string {
	actions := make([]string, 0, len(f.history))
	for _, h := range f.history {
		actions = append(actions, h.Action)
	}
	return actions
}

func (f *fakeRepository) InTransaction(fn func(Repository) error) error {
	return fn(f)
}

func (f *fakeRepository) FindTenant(tenantID uint) (*models.Tenant, error) {
	t, ok := f.tenants[tenantID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeRepository) FindTenantByProviderCustomerID(customerID string) (*models.Tenant, error) {
	for _, t := range f.tenants {
		if t.ProviderCustomerID == customerID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepository) UpdateTenantBillingStatus(tenantID uint, status TenantBillingStatus) error {
	t, ok := f.tenants[tenantID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	t.BillingStatus = status.Status
	t.PlanID = status.PlanID
	t.BillingPeriod = status.BillingPeriod
	t.TrialEnd = status.TrialEnd
	t.CancelAtPeriodEnd = status.CancelAtPeriodEnd
	return nil
}

func (f *fakeRepository) UpdateTenantProviderCustomerID(tenantID uint, customerID string) error {
	t, ok := f.tenants[tenantID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	t.ProviderCustomerID = customerID
	return nil
}

func (f *fakeRepository) FindCurrentSubscription(tenantID uint) (*models.Subscription, error) {
	var latest *models.Subscription
	for _, sub := range f.subscriptions {
		if sub.TenantID != tenantID || sub.Status == models.SubscriptionStatusCanceled {
			continue
		}
		if latest == nil || sub.ID > latest.ID {
			latest = sub
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeRepository) FindSubscriptionByProviderID(providerSubscriptionID string) (*models.Subscription, error) {
	for _, sub := range f.subscriptions {
		if sub.ProviderSubscriptionID != nil && *sub.ProviderSubscriptionID == providerSubscriptionID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepository) FindSubscriptionBySessionID(sessionID string) (*models.Subscription, error) {
	for _, sub := range f.subscriptions {
		if sub.ProviderSessionID != nil && *sub.ProviderSessionID == sessionID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepository) CreateSubscription(sub *models.Subscription) error {
	sub.ID = f.nextSubID
	f.nextSubID++
	cp := *sub
	f.subscriptions[sub.ID] = &cp
	return nil
}

func (f *fakeRepository) UpdateSubscription(sub *models.Subscription) error {
	stored, ok := f.subscriptions[sub.ID]
	if !ok || stored.LockVersion != sub.LockVersion {
		return ErrConcurrentUpdate
	}
	if f.conflictUpdates > 0 {
		f.conflictUpdates--
		stored.LockVersion++
		return ErrConcurrentUpdate
	}
	sub.LockVersion++
	cp := *sub
	f.subscriptions[sub.ID] = &cp
	return nil
}

func (f *fakeRepository) ListTrialSubscriptions() ([]models.Subscription, error) {
	var subs []models.Subscription
	for _, sub := range f.subscriptions {
		if sub.Status == models.SubscriptionStatusTrial {
			subs = append(subs, *sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs, nil
}

func (f *fakeRepository) ListDuePeriodEndCancellations(now time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	for _, sub := range f.subscriptions {
		if sub.CancelAtPeriodEnd && sub.Status != models.SubscriptionStatusCanceled &&
			sub.CurrentPeriodEnd != nil && !sub.CurrentPeriodEnd.After(now) {
			subs = append(subs, *sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs, nil
}

func (f *fakeRepository) CreatePaymentIfNotExists(payment *models.Payment) (bool, error) {
	if _, ok := f.payments[payment.ProviderInvoiceID]; ok {
		return false, nil
	}
	cp := *payment
	f.payments[payment.ProviderInvoiceID] = &cp
	return true, nil
}

func (f *fakeRepository) AppendHistory(entry *models.BillingHistory) error {
	entry.ID = f.nextHistoryID
	f.nextHistoryID++
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	f.history = append(f.history, *entry)
	return nil
}

func (f *fakeRepository) FindRecentHistory(tenantID uint, action, reference string, since time.Time) ([]models.BillingHistory, error) {
	var out []models.BillingHistory
	for _, h := range f.history {
		if h.TenantID != tenantID || h.Action != action || h.CreatedAt.Before(since) {
			continue
		}
		if reference != "" && h.Reference != reference {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func (f *fakeRepository) ListRecentHistoryByTenant(tenantID uint, limit int) ([]models.BillingHistory, error) {
	var out []models.BillingHistory
	for i := len(f.history) - 1; i >= 0 && len(out) < limit; i-- {
		if f.history[i].TenantID == tenantID {
			out = append(out, f.history[i])
		}
	}
	return out, nil
}

func (f *fakeRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	key := event.Provider + "/" + event.ProviderEventID
	if stored, ok := f.webhookEvents[key]; ok {
		cp := *stored
		return false, &cp, nil
	}
	event.ID = f.nextEventID
	f.nextEventID++
	cp := *event
	f.webhookEvents[key] = &cp
	out := cp
	return true, &out, nil
}

func (f *fakeRepository) MarkWebhookProcessed(id uint, outcome string, processingError string) error {
	for _, ev := range f.webhookEvents {
		if ev.ID == id {
			now := time.Now()
			ev.ProcessedAt = &now
			ev.Outcome = outcome
			ev.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (f *fakeRepository) FindActivePlan(planID, billingPeriod string) (*models.Plan, error) {
	for _, p := range f.plans {
		if p.PlanID == planID && p.BillingPeriod == billingPeriod && p.IsActive {
			cp := *p
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepository) FindActivePlanByPriceID(providerPriceID string) (*models.Plan, error) {
	p, ok := f.plans[providerPriceID]
	if !ok || !p.IsActive {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeRepository) UpsertPlan(plan *models.Plan) error {
	if existing, ok := f.plans[plan.ProviderPriceID]; ok {
		plan.ID = existing.ID
	} else if plan.ID == 0 {
		plan.ID = uint(len(f.plans) + 1)
	}
	cp := *plan
	f.plans[plan.ProviderPriceID] = &cp
	return nil
}

// fakeProvider is a canned ProviderClient.
type fakeProvider struct {
	customers       int
	sessions        int
	prices          []Price
	sessionErr      error
	lastSessionArgs CheckoutSessionParams

	retrieveStatus string
	retrieveErr    error
	retrieved      []string
}

func (p *fakeProvider) CreateCustomer(_ context.Context, _, _ string) (string, error) {
	p.customers++
	return fmt.Sprintf("cus_%d", p.customers), nil
}

func (p *fakeProvider) CreateCheckoutSession(_ context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	if p.sessionErr != nil {
		return nil, p.sessionErr
	}
	p.sessions++
	p.lastSessionArgs = params
	id := fmt.Sprintf("cs_%d", p.sessions)
	return &CheckoutSession{ID: id, URL: "https://checkout.example.com/" + id}, nil
}

func (p *fakeProvider) RetrieveSubscription(_ context.Context, providerSubscriptionID string) (*SubscriptionData, error) {
	p.retrieved = append(p.retrieved, providerSubscriptionID)
	if p.retrieveErr != nil {
		return nil, p.retrieveErr
	}
	status := p.retrieveStatus
	if status == "" {
		status = "active"
	}
	return &SubscriptionData{SubscriptionID: providerSubscriptionID, Status: status}, nil
}

func (p *fakeProvider) ListPrices(_ context.Context) ([]Price, error) {
	return p.prices, nil
}

// newTestService wires a service over the fake repository with a fixed
// clock.
func newTestService(now time.Time) (*Service, *fakeRepository, *fakeProvider) {
	repo := newFakeRepository()
	provider := &fakeProvider{}
	svc := NewService(repo, provider).WithClock(func() time.Time { return now })
	return svc, repo, provider
}
