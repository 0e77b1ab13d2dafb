package billing

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/tenantbill/tenantbill/app/models"
	"gorm.io/gorm"
)

// Service owns the subscription lifecycle: webhook dispatch, checkout
// and cancellation, and the transition table both run through.
type Service struct {
	repo     Repository
	provider ProviderClient
	now      func() time.Time
}

// NewService creates a billing service from an injected repository and
// provider client.
func NewService(repo Repository, provider ProviderClient) *Service {
	return &Service{repo: repo, provider: provider, now: time.Now}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, provider ProviderClient) *Service {
	return NewService(NewRepository(db), provider)
}

// WithClock overrides the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// optimisticRetryAttempts bounds how often a tenant-initiated write is
// re-read and reapplied after losing the lock_version race against a
// concurrent webhook. Webhook-side losers are not retried here; the
// provider redelivers them.
const optimisticRetryAttempts = 3

// withOptimisticRetry runs fn, re-running it on ErrConcurrentUpdate so
// it can re-read the row at its new lock_version. fn must re-fetch all
// state it writes on every call.
func (s *Service) withOptimisticRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < optimisticRetryAttempts; attempt++ {
		if err = fn(); !errors.Is(err, ErrConcurrentUpdate) {
			return err
		}
	}
	return err
}

// allowedTransitions is the subscription state machine's edge set.
// canceled is terminal; a self edge means "refresh without status
// change" and is always permitted for non-terminal states.
var allowedTransitions = map[string][]string{
	models.SubscriptionStatusIncomplete: {
		models.SubscriptionStatusTrial,
		models.SubscriptionStatusActive,
		models.SubscriptionStatusCanceled,
	},
	models.SubscriptionStatusTrial: {
		models.SubscriptionStatusActive,
		models.SubscriptionStatusPastDue,
		models.SubscriptionStatusCanceled,
	},
	models.SubscriptionStatusActive: {
		models.SubscriptionStatusPastDue,
		models.SubscriptionStatusCanceled,
	},
	models.SubscriptionStatusPastDue: {
		models.SubscriptionStatusActive,
		models.SubscriptionStatusCanceled,
	},
	models.SubscriptionStatusCanceled: {},
}

func transitionAllowed(from, to string) bool {
	if from == models.SubscriptionStatusCanceled {
		return false
	}
	if from == to {
		return true
	}
	for _, edge := range allowedTransitions[from] {
		if edge == to {
			return true
		}
	}
	return false
}

// transitionInput describes one state machine application. Strict
// transitions enforce the edge table (they originate from this system
// and must not double-apply); non-strict ones mirror the provider's
// authoritative view, guarded only by terminality and the event
// timestamp.
type transitionInput struct {
	action    string
	actor     string
	newStatus string
	strict    bool
	patch     SubscriptionPatch
	reference string
	metadata  map[string]interface{}
	eventAt   *time.Time
}

// applyTransition performs the single read-validate-write unit: merge
// the patch, write the subscription under the optimistic lock, mirror
// the tenant billing status and append the audit ledger entry. Must be
// called inside a transaction-scoped repository.
func (s *Service) applyTransition(repo Repository, sub *models.Subscription, in transitionInput) error {
	if sub.IsTerminal() {
		return ErrInvalidTransition
	}
	if in.eventAt != nil && sub.LastEventAt != nil && in.eventAt.Before(*sub.LastEventAt) {
		return ErrStaleEvent
	}
	if in.strict && !transitionAllowed(sub.Status, in.newStatus) {
		return ErrInvalidTransition
	}
	if !in.strict && !transitionAllowed(sub.Status, in.newStatus) {
		// Provider-authoritative overwrite: the edge is not in the table
		// but the provider's view wins. Keep a trace in the log.
		log.Warnf("[Billing] authoritative overwrite %s -> %s for subscription %d (%s)",
			sub.Status, in.newStatus, sub.ID, in.action)
	}
	if err := in.patch.Validate(); err != nil {
		return err
	}

	prevStatus := sub.Status
	prevPlan := sub.PlanID

	in.patch.Apply(sub)
	sub.Status = in.newStatus
	if in.eventAt != nil {
		sub.LastEventAt = in.eventAt
	}

	if err := repo.UpdateSubscription(sub); err != nil {
		return err
	}

	if err := repo.UpdateTenantBillingStatus(sub.TenantID, TenantBillingStatus{
		Status:            sub.Status,
		PlanID:            sub.PlanID,
		BillingPeriod:     sub.BillingPeriod,
		TrialEnd:          sub.TrialEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}); err != nil {
		return err
	}

	return repo.AppendHistory(&models.BillingHistory{
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		Action:         in.action,
		PrevStatus:     prevStatus,
		NewStatus:      sub.Status,
		PrevPlan:       prevPlan,
		NewPlan:        sub.PlanID,
		Reference:      in.reference,
		MetadataJSON:   encodeMetadata(in.metadata),
		Actor:          in.actor,
	})
}

func encodeMetadata(meta map[string]interface{}) string {
	if len(meta) == 0 {
		return ""
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(b)
}

// periodEnd returns the moment the tenant's paid/trial access runs out.
func periodEnd(sub *models.Subscription) *time.Time {
	if sub.CurrentPeriodEnd != nil {
		return sub.CurrentPeriodEnd
	}
	return sub.TrialEnd
}

// periodLength converts a billing period into its nominal duration.
func periodLength(billingPeriod string) time.Duration {
	if billingPeriod == models.BillingPeriodAnnual {
		return 365 * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}
