package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/tenantbill/tenantbill/app/models"
	"github.com/tenantbill/tenantbill/internal/pkg/cache"
)

const sweepLockKey = "billing:sweep:lock"
const sweepLockTTL = 4 * time.Minute

// reminderOffsets are the trial days-left values that trigger a
// reminder notification.
var reminderOffsets = []int{7, 3, 1, 0}

// Sweep is the periodic reconciliation job: trial reminders, self-heal
// of expired trials and finalization of deferred cancellations.
type Sweep struct {
	svc      *Service
	notifier Notifier

	// Concurrency bounds how many tenants are processed in parallel so
	// the notifier is not overwhelmed.
	Concurrency int
	// NotifyTimeout bounds each external notifier call.
	NotifyTimeout time.Duration
}

// NewSweep creates a sweep over the billing service.
func NewSweep(svc *Service, notifier Notifier) *Sweep {
	return &Sweep{
		svc:           svc,
		notifier:      notifier,
		Concurrency:   4,
		NotifyTimeout: 10 * time.Second,
	}
}

// Run executes one sweep cycle. A single tenant's failure is logged and
// never aborts the batch; only listing failures surface as errors.
func (sw *Sweep) Run(ctx context.Context) error {
	ok, err := cache.AcquireLock(sweepLockKey, sweepLockTTL)
	if err != nil {
		log.Warnf("[Sweep] could not acquire sweep lock: %v", err)
	} else if !ok {
		log.Debug("[Sweep] another instance holds the sweep lock, skipping cycle")
		return nil
	}
	if err == nil && ok {
		defer cache.ReleaseLock(sweepLockKey)
	}

	subs, err := sw.svc.repo.ListTrialSubscriptions()
	if err != nil {
		return err
	}

	sem := make(chan struct{}, sw.Concurrency)
	var wg sync.WaitGroup
	for i := range subs {
		if ctx.Err() != nil {
			break
		}
		sub := subs[i]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := sw.processTrial(ctx, &sub); err != nil {
				log.Errorf("[Sweep] tenant %d: %v", sub.TenantID, err)
			}
		}()
	}
	wg.Wait()

	return sw.finalizeDueCancellations(ctx)
}

func (sw *Sweep) processTrial(ctx context.Context, sub *models.Subscription) error {
	if sub.TrialEnd == nil {
		return nil
	}
	now := sw.svc.now()

	if !sub.TrialEnd.After(now) {
		return sw.convertExpiredTrial(ctx, sub, now)
	}

	left := reminderDaysLeft(*sub.TrialEnd, now)
	if !isReminderOffset(left) {
		return nil
	}

	ref := fmt.Sprintf("trial_reminder:%d:%s", left, now.UTC().Format("2006-01-02"))
	recent, err := sw.svc.repo.FindRecentHistory(sub.TenantID, models.HistoryActionTrialReminder, ref, now.Add(-24*time.Hour))
	if err != nil {
		return err
	}
	if len(recent) > 0 {
		return nil
	}

	tenant, err := sw.svc.repo.FindTenant(sub.TenantID)
	if err != nil {
		return err
	}

	notifyCtx, cancel := context.WithTimeout(ctx, sw.NotifyTimeout)
	defer cancel()
	if err := sw.notifier.Send(notifyCtx, NotificationTrialReminder, NotificationPayload{
		To:         tenant.Email,
		TenantName: tenant.Name,
		DaysLeft:   left,
		TrialEnd:   *sub.TrialEnd,
	}); err != nil {
		// Do not record the reminder: the next cycle retries the send.
		return err
	}

	return sw.svc.repo.AppendHistory(&models.BillingHistory{
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		Action:         models.HistoryActionTrialReminder,
		NewStatus:      sub.Status,
		NewPlan:        sub.PlanID,
		Reference:      ref,
		Actor:          models.HistoryActorSweep,
		MetadataJSON: encodeMetadata(map[string]interface{}{
			"days_left": left,
			"trial_end": sub.TrialEnd.UTC().Format(time.RFC3339),
		}),
	})
}

// convertExpiredTrial self-heals a trial the provider webhook should
// already have converted. A trial with no provider subscription on
// record is an abandoned checkout and is deliberately left alone.
func (sw *Sweep) convertExpiredTrial(ctx context.Context, sub *models.Subscription, now time.Time) error {
	if !sub.HasProviderLink() {
		log.Warnf("[Sweep] trial %d for tenant %d expired without provider link, leaving for investigation",
			sub.ID, sub.TenantID)
		return nil
	}

	// Confirm with the provider first. A deletion webhook may simply be
	// late, and converting a subscription the provider already canceled
	// would hand out access for free.
	data, err := sw.svc.provider.RetrieveSubscription(ctx, *sub.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	if status := ProviderStatusToSubscriptionStatus(data.Status); status != models.SubscriptionStatusActive {
		log.Infof("[Sweep] provider reports %q for expired trial %d, leaving it to the webhook", data.Status, sub.ID)
		return nil
	}

	return sw.svc.repo.InTransaction(func(repo Repository) error {
		return sw.svc.applyTransition(repo, sub, transitionInput{
			action:    models.HistoryActionTrialConverted,
			actor:     models.HistoryActorSweep,
			newStatus: models.SubscriptionStatusActive,
			strict:    true,
			patch: SubscriptionPatch{
				CurrentPeriodStart: sub.TrialEnd,
				CurrentPeriodEnd:   timePtr(sub.TrialEnd.Add(periodLength(sub.BillingPeriod))),
			},
			metadata: map[string]interface{}{"self_healed": true},
		})
	})
}

// finalizeDueCancellations terminalizes subscriptions whose deferred
// cancellation boundary has passed.
func (sw *Sweep) finalizeDueCancellations(ctx context.Context) error {
	now := sw.svc.now()
	due, err := sw.svc.repo.ListDuePeriodEndCancellations(now)
	if err != nil {
		return err
	}

	for i := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sub := due[i]
		err := sw.svc.repo.InTransaction(func(repo Repository) error {
			return sw.svc.applyTransition(repo, &sub, transitionInput{
				action:    models.HistoryActionCanceled,
				actor:     models.HistoryActorSweep,
				newStatus: models.SubscriptionStatusCanceled,
				strict:    true,
				patch: SubscriptionPatch{
					CanceledAt:        timePtr(now),
					CancelAtPeriodEnd: boolPtr(false),
				},
				metadata: map[string]interface{}{"reason": "cancel_at_period_end"},
			})
		})
		if err != nil {
			log.Errorf("[Sweep] finalizing cancellation for subscription %d: %v", sub.ID, err)
		}
	}
	return nil
}

// reminderDaysLeft is daysLeft with one adjustment: a trial ending
// later on the current UTC date counts as 0, so the final-day reminder
// goes out before the expiry branch converts the row.
func reminderDaysLeft(trialEnd, now time.Time) int {
	if sameUTCDate(trialEnd, now) {
		return 0
	}
	return daysLeft(trialEnd, now)
}

func sameUTCDate(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func isReminderOffset(days int) bool {
	for _, off := range reminderOffsets {
		if off == days {
			return true
		}
	}
	return false
}
