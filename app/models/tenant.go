package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
)

const (
	TenantStatusActive   = "active"
	TenantStatusInactive = "inactive"
	TenantStatusDisabled = "disabled"
)

// Tenant is the billing view of a customer account. The Billing* block
// denormalizes the most recent Subscription transition for fast reads;
// it is updated in the same transaction as every transition so status is
// never derived from history scanning in the hot path.
type Tenant struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	Name       string `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email      string `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,min=5,max=200"`
	APIKeyHash string `gorm:"type:text" json:"-" validate:"required"`
	Status     string `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive disabled"`

	BillingStatus      string     `gorm:"type:varchar(32);not null;default:'';index" json:"billing_status"`
	PlanID             string     `gorm:"type:varchar(50);not null;default:''" json:"plan_id"`
	BillingPeriod      string     `gorm:"type:varchar(16);not null;default:''" json:"billing_period"`
	TrialEnd           *time.Time `gorm:"type:timestamp;default:null" json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool       `gorm:"default:false" json:"cancel_at_period_end"`
	ProviderCustomerID string     `gorm:"type:varchar(191);default:'';index" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (t *Tenant) Validate() error {
	v := validator.New()

	return v.Struct(t)
}

// CheckAPIKey compares a presented API key against the stored hash.
func (t *Tenant) CheckAPIKey(key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(t.APIKeyHash), []byte(key)) == nil
}

// HashAPIKey hashes a raw tenant API key for storage.
func HashAPIKey(key string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
