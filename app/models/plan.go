package models

import "time"

// Plan maps a provider price to an internal plan. The price-sync worker
// keeps Amount/Currency/IsActive aligned with the provider catalog.
type Plan struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	PlanID          string    `gorm:"type:varchar(50);not null;index:ux_plans_plan_period,unique,priority:1" json:"plan_id"`
	ProviderPriceID string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_plans_provider_price" json:"provider_price_id"`
	Name            string    `gorm:"type:varchar(100);not null;default:''" json:"name"`
	BillingPeriod   string    `gorm:"type:varchar(16);not null;default:'monthly';index:ux_plans_plan_period,unique,priority:2" json:"billing_period"`
	Amount          int64     `gorm:"not null;default:0" json:"amount"`
	Currency        string    `gorm:"type:varchar(8);not null;default:'usd'" json:"currency"`
	TrialDays       int       `gorm:"not null;default:0" json:"trial_days"`
	IsActive        bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
