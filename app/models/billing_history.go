package models

import "time"

const (
	HistoryActionCreated          = "created"
	HistoryActionUpdated          = "updated"
	HistoryActionCanceled         = "canceled"
	HistoryActionCheckoutStarted  = "checkout_started"
	HistoryActionTrialStarted     = "trial_started"
	HistoryActionTrialReminder    = "trial_reminder"
	HistoryActionTrialConverted   = "trial_converted"
	HistoryActionPaymentSucceeded = "payment_succeeded"
	HistoryActionPaymentFailed    = "payment_failed"
)

const (
	HistoryActorTenant   = "tenant"
	HistoryActorProvider = "provider"
	HistoryActorSweep    = "sweep"
)

// BillingHistory is the append-only audit ledger. Entries are never
// mutated or deleted; Reference carries a dedup key for entries that
// must be sent at most once per window (e.g. trial_reminder:3:2026-09-01).
type BillingHistory struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	TenantID       uint      `gorm:"not null;index:idx_billing_history_tenant_action,priority:1" json:"tenant_id"`
	SubscriptionID uint      `gorm:"index" json:"subscription_id"`
	Action         string    `gorm:"type:varchar(50);not null;index:idx_billing_history_tenant_action,priority:2" json:"action"`
	PrevStatus     string    `gorm:"type:varchar(32);not null;default:''" json:"prev_status"`
	NewStatus      string    `gorm:"type:varchar(32);not null;default:''" json:"new_status"`
	PrevPlan       string    `gorm:"type:varchar(50);not null;default:''" json:"prev_plan"`
	NewPlan        string    `gorm:"type:varchar(50);not null;default:''" json:"new_plan"`
	Reference      string    `gorm:"type:varchar(191);not null;default:'';index" json:"reference"`
	MetadataJSON   string    `gorm:"type:text" json:"metadata_json"`
	Actor          string    `gorm:"type:varchar(32);not null;default:''" json:"actor"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
