package billing

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/tenantbill/tenantbill/app/models"
	"gorm.io/gorm"
)

// CheckoutRequest starts a new subscription checkout.
type CheckoutRequest struct {
	PriceID       string `json:"priceId" validate:"required"`
	PlanID        string `json:"planId" validate:"required"`
	BillingPeriod string `json:"billingPeriod" validate:"required,oneof=monthly annual"`
}

// CheckoutResult is handed back to the caller for redirect.
type CheckoutResult struct {
	SessionURL string `json:"sessionUrl"`
	SessionID  string `json:"sessionId"`
	TrialDays  int    `json:"trialDays"`
}

// CancelRequest carries a tenant-initiated cancellation.
type CancelRequest struct {
	Immediately bool   `json:"immediately"`
	Reason      string `json:"reason,omitempty"`
	Feedback    string `json:"feedback,omitempty"`
}

const (
	CancellationImmediate   = "immediate"
	CancellationAtPeriodEnd = "at_period_end"
)

// CancellationSummary is returned by Cancel and PreviewCancellation.
type CancellationSummary struct {
	CancellationType string    `json:"cancellationType"`
	RefundAmount     int64     `json:"refundAmount"`
	Currency         string    `json:"currency"`
	AccessUntil      time.Time `json:"accessUntil"`
	DaysLeft         int       `json:"daysLeft"`
	Suggested        string    `json:"suggested,omitempty"`
}

// CreateCheckout opens a provider checkout session and records the
// pending subscription as incomplete. Entitlement is only granted once
// the matching checkout.session.completed webhook arrives: the tenant
// may still abandon the session.
func (s *Service) CreateCheckout(ctx context.Context, tenantID uint, req CheckoutRequest) (*CheckoutResult, error) {
	if err := validator.New().Struct(req); err != nil {
		return nil, err
	}

	tenant, err := s.repo.FindTenant(tenantID)
	if err != nil {
		return nil, err
	}

	if existing, err := s.repo.FindCurrentSubscription(tenantID); err == nil {
		if existing.IsCommitted() {
			return nil, ErrAlreadySubscribed
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	plan, err := s.repo.FindActivePlan(req.PlanID, req.BillingPeriod)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	if plan.ProviderPriceID != req.PriceID {
		return nil, ErrPlanNotFound
	}

	customerID := tenant.ProviderCustomerID
	if customerID == "" {
		customerID, err = s.provider.CreateCustomer(ctx, tenant.Email, tenant.Name)
		if err != nil {
			return nil, err
		}
		if err := s.repo.UpdateTenantProviderCustomerID(tenant.ID, customerID); err != nil {
			return nil, err
		}
	}

	clientRef := uuid.NewString()
	session, err := s.provider.CreateCheckoutSession(ctx, CheckoutSessionParams{
		CustomerID:        customerID,
		PriceID:           plan.ProviderPriceID,
		TrialDays:         plan.TrialDays,
		ClientReferenceID: clientRef,
	})
	if err != nil {
		return nil, err
	}

	// A webhook can bump the stale row's lock_version between our read
	// and write; re-running the transaction re-reads it.
	err = s.withOptimisticRetry(func() error {
		return s.repo.InTransaction(func(repo Repository) error {
			// A leftover incomplete subscription from an abandoned checkout is
			// superseded, keeping at most one non-canceled row per tenant.
			if stale, err := repo.FindCurrentSubscription(tenantID); err == nil &&
				stale.Status == models.SubscriptionStatusIncomplete {
				if err := s.applyTransition(repo, stale, transitionInput{
					action:    models.HistoryActionCanceled,
					actor:     models.HistoryActorTenant,
					newStatus: models.SubscriptionStatusCanceled,
					strict:    true,
					patch:     SubscriptionPatch{CanceledAt: timePtr(s.now())},
					metadata:  map[string]interface{}{"reason": "superseded_by_new_checkout"},
				}); err != nil {
					return err
				}
			} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			sub := &models.Subscription{
				TenantID:          tenantID,
				ProviderSessionID: strPtr(session.ID),
				PlanID:            plan.PlanID,
				BillingPeriod:     plan.BillingPeriod,
				Amount:            plan.Amount,
				Currency:          plan.Currency,
				Status:            models.SubscriptionStatusIncomplete,
			}
			if err := repo.CreateSubscription(sub); err != nil {
				return err
			}
			if err := repo.UpdateTenantBillingStatus(tenantID, TenantBillingStatus{
				Status:        models.SubscriptionStatusIncomplete,
				PlanID:        plan.PlanID,
				BillingPeriod: plan.BillingPeriod,
			}); err != nil {
				return err
			}
			return repo.AppendHistory(&models.BillingHistory{
				TenantID:       tenantID,
				SubscriptionID: sub.ID,
				Action:         models.HistoryActionCheckoutStarted,
				NewStatus:      models.SubscriptionStatusIncomplete,
				NewPlan:        plan.PlanID,
				Actor:          models.HistoryActorTenant,
				MetadataJSON: encodeMetadata(map[string]interface{}{
					"session_id":       session.ID,
					"client_reference": clientRef,
					"price_id":         plan.ProviderPriceID,
				}),
			})
		})
	})
	if err != nil {
		return nil, err
	}

	return &CheckoutResult{
		SessionURL: session.URL,
		SessionID:  session.ID,
		TrialDays:  plan.TrialDays,
	}, nil
}

// Cancel terminates or schedules termination of the tenant's
// subscription. Immediate cancellation computes a prorated refund and
// ends access now; deferred cancellation keeps access until the period
// boundary, which the sweep or the provider webhook finalizes.
func (s *Service) Cancel(ctx context.Context, tenantID uint, req CancelRequest) (*CancellationSummary, error) {
	_ = ctx
	// The subscription is re-read on every attempt so a webhook that
	// wins the lock_version race only costs a retry, not a failed
	// request.
	var summary *CancellationSummary
	err := s.withOptimisticRetry(func() error {
		sub, err := s.repo.FindCurrentSubscription(tenantID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoSubscription
			}
			return err
		}

		now := s.now()
		summary = s.summarize(sub, now, req.Immediately)
		metadata := map[string]interface{}{
			"reason":   req.Reason,
			"feedback": req.Feedback,
		}

		if req.Immediately {
			metadata["refund_amount"] = summary.RefundAmount
			return s.repo.InTransaction(func(repo Repository) error {
				return s.applyTransition(repo, sub, transitionInput{
					action:    models.HistoryActionCanceled,
					actor:     models.HistoryActorTenant,
					newStatus: models.SubscriptionStatusCanceled,
					strict:    true,
					patch: SubscriptionPatch{
						CanceledAt:        timePtr(now),
						CurrentPeriodEnd:  timePtr(now),
						CancelAtPeriodEnd: boolPtr(false),
					},
					metadata: metadata,
				})
			})
		}
		return s.repo.InTransaction(func(repo Repository) error {
			return s.applyTransition(repo, sub, transitionInput{
				action:    models.HistoryActionUpdated,
				actor:     models.HistoryActorTenant,
				newStatus: sub.Status,
				strict:    true,
				patch: SubscriptionPatch{
					CancelAtPeriodEnd: boolPtr(true),
				},
				metadata: metadata,
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// PreviewCancellation reports what Cancel would do, without side
// effects. Used by confirmation UIs.
func (s *Service) PreviewCancellation(ctx context.Context, tenantID uint, immediately bool) (*CancellationSummary, error) {
	_ = ctx
	sub, err := s.repo.FindCurrentSubscription(tenantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoSubscription
		}
		return nil, err
	}

	summary := s.summarize(sub, s.now(), immediately)
	if summary.DaysLeft > 7 {
		summary.Suggested = CancellationAtPeriodEnd
	} else {
		summary.Suggested = CancellationImmediate
	}
	return summary, nil
}

func (s *Service) summarize(sub *models.Subscription, now time.Time, immediately bool) *CancellationSummary {
	summary := &CancellationSummary{
		Currency:    sub.Currency,
		AccessUntil: now,
	}

	end := periodEnd(sub)
	if end != nil {
		summary.DaysLeft = daysLeft(*end, now)
	}

	if immediately {
		summary.CancellationType = CancellationImmediate
		if sub.Status == models.SubscriptionStatusActive &&
			sub.CurrentPeriodStart != nil && sub.CurrentPeriodEnd != nil {
			summary.RefundAmount = Prorate(*sub.CurrentPeriodStart, *sub.CurrentPeriodEnd, now, sub.Amount)
		}
	} else {
		summary.CancellationType = CancellationAtPeriodEnd
		if end != nil {
			summary.AccessUntil = *end
		}
	}
	return summary
}

// daysLeft counts whole days until a deadline, rounding up.
func daysLeft(deadline, now time.Time) int {
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Hours() / 24))
}

// StatusView assembles the read-only billing state for a tenant from
// the denormalized billing status plus recent ledger entries.
type StatusView struct {
	BillingStatus     string                  `json:"billingStatus"`
	PlanID            string                  `json:"planId"`
	BillingPeriod     string                  `json:"billingPeriod"`
	TrialEnd          *time.Time              `json:"trialEnd,omitempty"`
	TrialDaysLeft     int                     `json:"trialDaysLeft"`
	CancelAtPeriodEnd bool                    `json:"cancelAtPeriodEnd"`
	Subscription      *models.Subscription    `json:"subscription,omitempty"`
	History           []models.BillingHistory `json:"history"`
}

// TenantStatus is the read path: it never scans history to derive
// status, only to display it.
func (s *Service) TenantStatus(ctx context.Context, tenantID uint) (*StatusView, error) {
	_ = ctx
	tenant, err := s.repo.FindTenant(tenantID)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		BillingStatus:     tenant.BillingStatus,
		PlanID:            tenant.PlanID,
		BillingPeriod:     tenant.BillingPeriod,
		TrialEnd:          tenant.TrialEnd,
		CancelAtPeriodEnd: tenant.CancelAtPeriodEnd,
	}
	if tenant.TrialEnd != nil {
		view.TrialDaysLeft = daysLeft(*tenant.TrialEnd, s.now())
	}

	if sub, err := s.repo.FindCurrentSubscription(tenantID); err == nil {
		view.Subscription = sub
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	history, err := s.repo.ListRecentHistoryByTenant(tenantID, 10)
	if err != nil {
		return nil, err
	}
	view.History = history
	return view, nil
}

// SyncPrices pulls the provider price catalog into the local plan
// table. Run periodically by the background manager.
func (s *Service) SyncPrices(ctx context.Context) (int, error) {
	prices, err := s.provider.ListPrices(ctx)
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, price := range prices {
		if price.PlanID == "" {
			log.Warnf("[Billing] skipping provider price %s without plan mapping", price.ID)
			continue
		}
		plan := &models.Plan{
			PlanID:          price.PlanID,
			ProviderPriceID: price.ID,
			Name:            price.Name,
			BillingPeriod:   intervalToBillingPeriod(price.Interval),
			Amount:          price.Amount,
			Currency:        price.Currency,
			TrialDays:       price.TrialDays,
			IsActive:        price.Active,
		}
		if err := s.repo.UpsertPlan(plan); err != nil {
			return synced, err
		}
		synced++
	}
	return synced, nil
}
