package billing

import (
	"time"

	"github.com/tenantbill/tenantbill/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TenantBillingStatus is the denormalized billing block mirrored onto
// the tenant record with every transition.
type TenantBillingStatus struct {
	Status            string
	PlanID            string
	BillingPeriod     string
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool
}

// Repository provides DB operations used by the billing engine. All
// methods of one logical transition run against the same transaction
// via InTransaction.
type Repository interface {
	InTransaction(fn func(Repository) error) error

	FindTenant(tenantID uint) (*models.Tenant, error)
	FindTenantByProviderCustomerID(customerID string) (*models.Tenant, error)
	UpdateTenantBillingStatus(tenantID uint, status TenantBillingStatus) error
	UpdateTenantProviderCustomerID(tenantID uint, customerID string) error

	FindCurrentSubscription(tenantID uint) (*models.Subscription, error)
	FindSubscriptionByProviderID(providerSubscriptionID string) (*models.Subscription, error)
	FindSubscriptionBySessionID(sessionID string) (*models.Subscription, error)
	CreateSubscription(sub *models.Subscription) error
	UpdateSubscription(sub *models.Subscription) error
	ListTrialSubscriptions() ([]models.Subscription, error)
	ListDuePeriodEndCancellations(now time.Time) ([]models.Subscription, error)

	CreatePaymentIfNotExists(payment *models.Payment) (bool, error)

	AppendHistory(entry *models.BillingHistory) error
	FindRecentHistory(tenantID uint, action, reference string, since time.Time) ([]models.BillingHistory, error)
	ListRecentHistoryByTenant(tenantID uint, limit int) ([]models.BillingHistory, error)

	CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(id uint, outcome string, processingError string) error

	FindActivePlan(planID, billingPeriod string) (*models.Plan, error)
	FindActivePlanByPriceID(providerPriceID string) (*models.Plan, error)
	UpsertPlan(plan *models.Plan) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) InTransaction(fn func(Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) FindTenant(tenantID uint) (*models.Tenant, error) {
	var t models.Tenant
	if err := r.db.First(&t, tenantID).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *gormRepository) FindTenantByProviderCustomerID(customerID string) (*models.Tenant, error) {
	var t models.Tenant
	err := r.db.Where("provider_customer_id = ?", customerID).First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *gormRepository) UpdateTenantBillingStatus(tenantID uint, status TenantBillingStatus) error {
	updates := map[string]interface{}{
		"billing_status":       status.Status,
		"plan_id":              status.PlanID,
		"billing_period":       status.BillingPeriod,
		"trial_end":            status.TrialEnd,
		"cancel_at_period_end": status.CancelAtPeriodEnd,
	}
	return r.db.Model(&models.Tenant{}).Where("id = ?", tenantID).Updates(updates).Error
}

func (r *gormRepository) UpdateTenantProviderCustomerID(tenantID uint, customerID string) error {
	return r.db.Model(&models.Tenant{}).Where("id = ?", tenantID).
		Update("provider_customer_id", customerID).Error
}

// FindCurrentSubscription returns the tenant's most recent non-canceled
// subscription.
func (r *gormRepository) FindCurrentSubscription(tenantID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.
		Where("tenant_id = ? AND status <> ?", tenantID, models.SubscriptionStatusCanceled).
		Order("id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindSubscriptionByProviderID(providerSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("provider_subscription_id = ?", providerSubscriptionID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindSubscriptionBySessionID(sessionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("provider_session_id = ?", sessionID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) CreateSubscription(sub *models.Subscription) error {
	return r.db.Create(sub).Error
}

// UpdateSubscription persists all mutable columns guarded by the
// optimistic lock_version check. A lost race returns
// ErrConcurrentUpdate; the unique webhook event index guarantees the
// retry cannot double-apply.
func (r *gormRepository) UpdateSubscription(sub *models.Subscription) error {
	res := r.db.Model(&models.Subscription{}).
		Where("id = ? AND lock_version = ?", sub.ID, sub.LockVersion).
		Updates(map[string]interface{}{
			"provider_subscription_id": sub.ProviderSubscriptionID,
			"plan_id":                  sub.PlanID,
			"billing_period":           sub.BillingPeriod,
			"amount":                   sub.Amount,
			"currency":                 sub.Currency,
			"status":                   sub.Status,
			"current_period_start":     sub.CurrentPeriodStart,
			"current_period_end":       sub.CurrentPeriodEnd,
			"trial_start":              sub.TrialStart,
			"trial_end":                sub.TrialEnd,
			"cancel_at_period_end":     sub.CancelAtPeriodEnd,
			"canceled_at":              sub.CanceledAt,
			"last_event_at":            sub.LastEventAt,
			"lock_version":             sub.LockVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	sub.LockVersion++
	return nil
}

func (r *gormRepository) ListTrialSubscriptions() ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Where("status = ?", models.SubscriptionStatusTrial).Find(&subs).Error
	return subs, err
}

func (r *gormRepository) ListDuePeriodEndCancellations(now time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.
		Where("cancel_at_period_end = ? AND status <> ? AND current_period_end IS NOT NULL AND current_period_end <= ?",
			true, models.SubscriptionStatusCanceled, now).
		Find(&subs).Error
	return subs, err
}

// CreatePaymentIfNotExists inserts a payment row once per provider
// invoice. Payments are immutable; a replayed invoice event is a no-op.
func (r *gormRepository) CreatePaymentIfNotExists(payment *models.Payment) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_invoice_id"}},
		DoNothing: true,
	}).Create(payment)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) AppendHistory(entry *models.BillingHistory) error {
	return r.db.Create(entry).Error
}

func (r *gormRepository) FindRecentHistory(tenantID uint, action, reference string, since time.Time) ([]models.BillingHistory, error) {
	var entries []models.BillingHistory
	q := r.db.Where("tenant_id = ? AND action = ? AND created_at >= ?", tenantID, action, since)
	if reference != "" {
		q = q.Where("reference = ?", reference)
	}
	err := q.Find(&entries).Error
	return entries, err
}

func (r *gormRepository) ListRecentHistoryByTenant(tenantID uint, limit int) ([]models.BillingHistory, error) {
	if limit <= 0 {
		limit = 20
	}
	var entries []models.BillingHistory
	err := r.db.Where("tenant_id = ?", tenantID).Order("id DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, outcome string, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"outcome":          outcome,
		"processing_error": processingError,
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) FindActivePlan(planID, billingPeriod string) (*models.Plan, error) {
	var p models.Plan
	err := r.db.
		Where("plan_id = ? AND billing_period = ? AND is_active = ?", planID, billingPeriod, true).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) FindActivePlanByPriceID(providerPriceID string) (*models.Plan, error) {
	var p models.Plan
	err := r.db.
		Where("provider_price_id = ? AND is_active = ?", providerPriceID, true).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) UpsertPlan(plan *models.Plan) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "provider_price_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan_id",
			"name",
			"billing_period",
			"amount",
			"currency",
			"trial_days",
			"is_active",
			"updated_at",
		}),
	}).Create(plan).Error; err != nil {
		return err
	}

	return r.db.Where("provider_price_id = ?", plan.ProviderPriceID).First(plan).Error
}
