package models

import "time"

const (
	BillingPeriodMonthly = "monthly"
	BillingPeriodAnnual  = "annual"
)

const (
	SubscriptionStatusIncomplete = "incomplete"
	SubscriptionStatusTrial      = "trial"
	SubscriptionStatusActive     = "active"
	SubscriptionStatusPastDue    = "past_due"
	SubscriptionStatusCanceled   = "canceled"
)

// Subscription is the per-tenant billing commitment. Rows are never
// deleted; a terminated subscription stays around with status canceled.
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	TenantID               uint       `gorm:"not null;index" json:"tenant_id"`
	ProviderSubscriptionID *string    `gorm:"type:varchar(191);default:null;uniqueIndex:ux_subscriptions_provider_subid" json:"provider_subscription_id,omitempty"`
	ProviderSessionID      *string    `gorm:"type:varchar(191);default:null;uniqueIndex:ux_subscriptions_provider_session" json:"-"`
	PlanID                 string     `gorm:"type:varchar(50);not null;index" json:"plan_id"`
	BillingPeriod          string     `gorm:"type:varchar(16);not null;default:'monthly'" json:"billing_period"`
	Amount                 int64      `gorm:"not null;default:0" json:"amount"`
	Currency               string     `gorm:"type:varchar(8);not null;default:'usd'" json:"currency"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'incomplete';index:idx_subscriptions_status" json:"status"`
	CurrentPeriodStart     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	TrialStart             *time.Time `gorm:"type:timestamp;default:null" json:"trial_start,omitempty"`
	TrialEnd               *time.Time `gorm:"type:timestamp;default:null" json:"trial_end,omitempty"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CanceledAt             *time.Time `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	// LastEventAt holds the provider-side timestamp of the last applied
	// provider-authoritative event; older events must not be applied.
	LastEventAt *time.Time `gorm:"type:timestamp;default:null" json:"-"`
	LockVersion uint       `gorm:"not null;default:0" json:"-"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether no transition may leave the current status.
func (s *Subscription) IsTerminal() bool {
	return s.Status == SubscriptionStatusCanceled
}

// IsCommitted reports whether the tenant currently holds an entitling
// commitment (blocks a second checkout).
func (s *Subscription) IsCommitted() bool {
	switch s.Status {
	case SubscriptionStatusTrial, SubscriptionStatusActive, SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}

// HasProviderLink reports whether the provider has confirmed this
// subscription. A trial past its end without a link is an abandoned
// checkout and must not be silently converted.
func (s *Subscription) HasProviderLink() bool {
	return s.ProviderSubscriptionID != nil && *s.ProviderSubscriptionID != ""
}
