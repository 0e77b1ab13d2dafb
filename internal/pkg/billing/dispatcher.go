package billing

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2/log"
	"github.com/tenantbill/tenantbill/app/models"
	"gorm.io/gorm"
)

// Outcome summarizes what a dispatch did with an event.
type Outcome string

const (
	// OutcomeProcessed: the event mutated state.
	OutcomeProcessed Outcome = "processed"
	// OutcomeDuplicate: the event ID was seen before; nothing reapplied.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSkipped: known type, but a precondition failed or a
	// reference was unknown; acknowledged without mutation.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeIgnored: unknown event type; acknowledged for forward
	// compatibility.
	OutcomeIgnored Outcome = "ignored"
)

// Dispatch applies one verified provider event. The idempotency claim,
// the subscription mutation, the payment row, the ledger append and the
// tenant status mirror all commit in a single transaction; transient
// failures roll everything back and surface as retryable so the gateway
// answers non-2xx and the provider redelivers.
func (s *Service) Dispatch(ctx context.Context, event *Event, raw []byte) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return "", retryable(err)
	}

	outcome := OutcomeProcessed
	err := s.repo.InTransaction(func(repo Repository) error {
		created, stored, err := repo.CreateWebhookEventIfNotExists(&models.WebhookEvent{
			Provider:        models.BillingProviderStripe,
			ProviderEventID: event.ID,
			EventType:       event.Type,
			PayloadJSON:     string(raw),
			SignatureValid:  true,
		})
		if err != nil {
			return err
		}
		if !created {
			outcome = OutcomeDuplicate
			return nil
		}

		handlerErr := s.handleEvent(repo, event, &outcome)
		if handlerErr != nil {
			if isSemantic(handlerErr) {
				// Out-of-order and duplicate deliveries are expected;
				// record and acknowledge.
				log.Infof("[Billing] event %s (%s) skipped: %v", event.ID, event.Type, handlerErr)
				outcome = OutcomeSkipped
				return repo.MarkWebhookProcessed(stored.ID, string(outcome), handlerErr.Error())
			}
			return handlerErr
		}

		return repo.MarkWebhookProcessed(stored.ID, string(outcome), "")
	})
	if err != nil {
		return "", retryable(err)
	}
	return outcome, nil
}

func (s *Service) handleEvent(repo Repository, event *Event, outcome *Outcome) error {
	switch event.Type {
	case EventCheckoutSessionCompleted:
		return s.handleCheckoutCompleted(repo, event)
	case EventSubscriptionCreated:
		return s.handleSubscriptionCreated(repo, event)
	case EventSubscriptionUpdated:
		return s.handleSubscriptionUpdated(repo, event)
	case EventSubscriptionDeleted:
		return s.handleSubscriptionDeleted(repo, event)
	case EventInvoicePaymentSucceeded:
		return s.handleInvoicePaymentSucceeded(repo, event)
	case EventInvoicePaymentFailed:
		return s.handleInvoicePaymentFailed(repo, event)
	default:
		*outcome = OutcomeIgnored
		return nil
	}
}

// handleCheckoutCompleted finishes the checkout this system started:
// incomplete -> trial/active, period bounds set, provider subscription
// linked. Strictly checked; a session completing twice must not
// double-apply.
func (s *Service) handleCheckoutCompleted(repo Repository, event *Event) error {
	data := event.Checkout
	sub, err := repo.FindSubscriptionBySessionID(data.SessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownReference
		}
		return err
	}
	if sub.Status != models.SubscriptionStatusIncomplete {
		return ErrInvalidTransition
	}

	started := event.Created
	patch := SubscriptionPatch{
		CurrentPeriodStart: timePtr(started),
	}
	if data.SubscriptionID != "" {
		patch.ProviderSubscriptionID = strPtr(data.SubscriptionID)
	}

	newStatus := models.SubscriptionStatusActive
	action := models.HistoryActionCreated
	if data.TrialPeriodDays > 0 {
		newStatus = models.SubscriptionStatusTrial
		action = models.HistoryActionTrialStarted
		trialEnd := started.AddDate(0, 0, data.TrialPeriodDays)
		patch.TrialStart = timePtr(started)
		patch.TrialEnd = timePtr(trialEnd)
		patch.CurrentPeriodEnd = timePtr(trialEnd)
	} else {
		patch.CurrentPeriodEnd = timePtr(started.Add(periodLength(sub.BillingPeriod)))
	}

	return s.applyTransition(repo, sub, transitionInput{
		action:    action,
		actor:     models.HistoryActorProvider,
		newStatus: newStatus,
		strict:    true,
		patch:     patch,
		eventAt:   timePtr(event.Created),
		metadata: map[string]interface{}{
			"event_id":   event.ID,
			"session_id": data.SessionID,
			"trial_days": data.TrialPeriodDays,
		},
	})
}

// handleSubscriptionCreated registers a provider-born subscription. If
// the tenant's pending checkout subscription exists without a provider
// link it is adopted instead of creating a second row.
func (s *Service) handleSubscriptionCreated(repo Repository, event *Event) error {
	data := event.Subscription
	if _, err := repo.FindSubscriptionByProviderID(data.SubscriptionID); err == nil {
		// Already known; converge through the update path.
		return s.handleSubscriptionUpdated(repo, event)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	tenant, err := repo.FindTenantByProviderCustomerID(data.CustomerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownReference
		}
		return err
	}

	if existing, err := repo.FindCurrentSubscription(tenant.ID); err == nil && !existing.HasProviderLink() {
		return s.applyTransition(repo, existing, transitionInput{
			action:    models.HistoryActionCreated,
			actor:     models.HistoryActorProvider,
			newStatus: ProviderStatusToSubscriptionStatus(data.Status),
			patch:     s.subscriptionPatchFromProvider(repo, data),
			eventAt:   timePtr(event.Created),
			metadata:  map[string]interface{}{"event_id": event.ID},
		})
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	sub := &models.Subscription{
		TenantID:               tenant.ID,
		ProviderSubscriptionID: strPtr(data.SubscriptionID),
		Status:                 ProviderStatusToSubscriptionStatus(data.Status),
		BillingPeriod:          intervalToBillingPeriod(data.Interval),
		Amount:                 data.Amount,
		Currency:               data.Currency,
		CurrentPeriodStart:     data.CurrentPeriodStart,
		CurrentPeriodEnd:       data.CurrentPeriodEnd,
		TrialStart:             data.TrialStart,
		TrialEnd:               data.TrialEnd,
		CancelAtPeriodEnd:      data.CancelAtPeriodEnd,
		LastEventAt:            timePtr(event.Created),
	}
	if plan, err := repo.FindActivePlanByPriceID(data.PriceID); err == nil {
		sub.PlanID = plan.PlanID
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if err := repo.CreateSubscription(sub); err != nil {
		return err
	}

	if err := repo.UpdateTenantBillingStatus(tenant.ID, TenantBillingStatus{
		Status:            sub.Status,
		PlanID:            sub.PlanID,
		BillingPeriod:     sub.BillingPeriod,
		TrialEnd:          sub.TrialEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}); err != nil {
		return err
	}
	return repo.AppendHistory(&models.BillingHistory{
		TenantID:       tenant.ID,
		SubscriptionID: sub.ID,
		Action:         models.HistoryActionCreated,
		NewStatus:      sub.Status,
		NewPlan:        sub.PlanID,
		Actor:          models.HistoryActorProvider,
		MetadataJSON:   encodeMetadata(map[string]interface{}{"event_id": event.ID}),
	})
}

// handleSubscriptionUpdated mirrors the provider's view. Not an edge
// check: the provider is authoritative here, guarded only by the event
// timestamp so a delayed stale update cannot resurrect an old status.
func (s *Service) handleSubscriptionUpdated(repo Repository, event *Event) error {
	data := event.Subscription
	sub, err := repo.FindSubscriptionByProviderID(data.SubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Convergence: an update for a subscription we never saw
			// created is treated as creation.
			return s.handleSubscriptionCreated(repo, event)
		}
		return err
	}

	return s.applyTransition(repo, sub, transitionInput{
		action:    models.HistoryActionUpdated,
		actor:     models.HistoryActorProvider,
		newStatus: ProviderStatusToSubscriptionStatus(data.Status),
		patch:     s.subscriptionPatchFromProvider(repo, data),
		eventAt:   timePtr(event.Created),
		metadata:  map[string]interface{}{"event_id": event.ID},
	})
}

// handleSubscriptionDeleted terminalizes the subscription and freezes
// its period end.
func (s *Service) handleSubscriptionDeleted(repo Repository, event *Event) error {
	data := event.Subscription
	sub, err := repo.FindSubscriptionByProviderID(data.SubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownReference
		}
		return err
	}

	patch := SubscriptionPatch{
		CanceledAt:        timePtr(event.Created),
		CancelAtPeriodEnd: boolPtr(false),
	}
	if sub.CurrentPeriodEnd == nil {
		patch.CurrentPeriodEnd = timePtr(event.Created)
	}

	return s.applyTransition(repo, sub, transitionInput{
		action:    models.HistoryActionCanceled,
		actor:     models.HistoryActorProvider,
		newStatus: models.SubscriptionStatusCanceled,
		patch:     patch,
		eventAt:   timePtr(event.Created),
		metadata:  map[string]interface{}{"event_id": event.ID},
	})
}

// handleInvoicePaymentSucceeded records the payment and moves the
// subscription to active. A paid invoice on a trial is the conversion
// moment.
func (s *Service) handleInvoicePaymentSucceeded(repo Repository, event *Event) error {
	data := event.Invoice
	sub, err := repo.FindSubscriptionByProviderID(data.SubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownReference
		}
		return err
	}
	switch sub.Status {
	case models.SubscriptionStatusTrial, models.SubscriptionStatusPastDue, models.SubscriptionStatusActive:
	default:
		return ErrInvalidTransition
	}

	wasTrial := sub.Status == models.SubscriptionStatusTrial
	if _, err := repo.CreatePaymentIfNotExists(&models.Payment{
		TenantID:          sub.TenantID,
		SubscriptionID:    sub.ID,
		ProviderInvoiceID: data.InvoiceID,
		Amount:            data.AmountPaid,
		Currency:          data.Currency,
		Status:            models.PaymentStatusSucceeded,
		PaidAt:            event.Created,
	}); err != nil {
		return err
	}

	action := models.HistoryActionPaymentSucceeded
	patch := SubscriptionPatch{}
	if wasTrial {
		action = models.HistoryActionTrialConverted
		// The paid period starts where the trial ended.
		patch.CurrentPeriodStart = timePtr(event.Created)
		patch.CurrentPeriodEnd = timePtr(event.Created.Add(periodLength(sub.BillingPeriod)))
	}
	if data.AmountPaid > 0 {
		patch.Amount = int64Ptr(data.AmountPaid)
	}

	return s.applyTransition(repo, sub, transitionInput{
		action:    action,
		actor:     models.HistoryActorProvider,
		newStatus: models.SubscriptionStatusActive,
		patch:     patch,
		eventAt:   timePtr(event.Created),
		metadata: map[string]interface{}{
			"event_id":   event.ID,
			"invoice_id": data.InvoiceID,
			"amount":     data.AmountPaid,
		},
	})
}

// handleInvoicePaymentFailed records the failed charge and moves the
// subscription to past_due. Recovery happens through a later
// payment_succeeded or subscription.updated.
func (s *Service) handleInvoicePaymentFailed(repo Repository, event *Event) error {
	data := event.Invoice
	sub, err := repo.FindSubscriptionByProviderID(data.SubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownReference
		}
		return err
	}
	switch sub.Status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusTrial:
	default:
		return ErrInvalidTransition
	}

	if _, err := repo.CreatePaymentIfNotExists(&models.Payment{
		TenantID:          sub.TenantID,
		SubscriptionID:    sub.ID,
		ProviderInvoiceID: data.InvoiceID,
		Amount:            data.AmountPaid,
		Currency:          data.Currency,
		Status:            models.PaymentStatusFailed,
		PaidAt:            event.Created,
	}); err != nil {
		return err
	}

	return s.applyTransition(repo, sub, transitionInput{
		action:    models.HistoryActionPaymentFailed,
		actor:     models.HistoryActorProvider,
		newStatus: models.SubscriptionStatusPastDue,
		patch:     SubscriptionPatch{},
		eventAt:   timePtr(event.Created),
		metadata: map[string]interface{}{
			"event_id":   event.ID,
			"invoice_id": data.InvoiceID,
			"amount":     data.AmountPaid,
		},
	})
}

// subscriptionPatchFromProvider builds the authoritative refresh patch
// for provider subscription payloads.
func (s *Service) subscriptionPatchFromProvider(repo Repository, data *SubscriptionData) SubscriptionPatch {
	patch := SubscriptionPatch{
		ProviderSubscriptionID: strPtr(data.SubscriptionID),
		CancelAtPeriodEnd:      boolPtr(data.CancelAtPeriodEnd),
	}
	if data.Amount > 0 {
		patch.Amount = int64Ptr(data.Amount)
	}
	if data.Currency != "" {
		patch.Currency = strPtr(data.Currency)
	}
	if data.Interval != "" {
		patch.BillingPeriod = strPtr(intervalToBillingPeriod(data.Interval))
	}
	if data.CurrentPeriodStart != nil {
		patch.CurrentPeriodStart = data.CurrentPeriodStart
	}
	if data.CurrentPeriodEnd != nil {
		patch.CurrentPeriodEnd = data.CurrentPeriodEnd
	}
	if data.TrialStart != nil {
		patch.TrialStart = data.TrialStart
	}
	if data.TrialEnd != nil {
		patch.TrialEnd = data.TrialEnd
	}
	if data.PriceID != "" {
		if plan, err := repo.FindActivePlanByPriceID(data.PriceID); err == nil {
			patch.PlanID = strPtr(plan.PlanID)
		}
	}
	return patch
}

func intervalToBillingPeriod(interval string) string {
	if interval == "year" {
		return models.BillingPeriodAnnual
	}
	return models.BillingPeriodMonthly
}
