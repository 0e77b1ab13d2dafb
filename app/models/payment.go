package models

import "time"

const (
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
)

// Payment records one provider invoice/charge outcome. Rows are
// immutable once created.
type Payment struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	TenantID          uint      `gorm:"not null;index" json:"tenant_id"`
	SubscriptionID    uint      `gorm:"not null;index" json:"subscription_id"`
	ProviderInvoiceID string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_payments_provider_invoice" json:"provider_invoice_id"`
	Amount            int64     `gorm:"not null" json:"amount"`
	Currency          string    `gorm:"type:varchar(8);not null;default:'usd'" json:"currency"`
	Status            string    `gorm:"type:varchar(16);not null" json:"status"`
	PaidAt            time.Time `gorm:"type:timestamp;not null" json:"paid_at"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
}
