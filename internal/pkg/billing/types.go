package billing

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/tenantbill/tenantbill/app/models"
)

// Provider event types handled by the dispatcher. Anything else is
// acknowledged and ignored for forward compatibility.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
)

// Event is the validated inbound webhook envelope. Exactly one of the
// data variants is non-nil for known event types; unknown types carry
// none and are no-ops downstream.
type Event struct {
	ID      string
	Type    string
	Created time.Time

	Checkout     *CheckoutSessionData
	Subscription *SubscriptionData
	Invoice      *InvoiceData
}

// CheckoutSessionData is the payload of checkout.session.completed.
type CheckoutSessionData struct {
	SessionID         string
	CustomerID        string
	SubscriptionID    string
	ClientReferenceID string
	TrialPeriodDays   int
}

// SubscriptionData is the payload of customer.subscription.* events and
// of provider subscription retrieval.
type SubscriptionData struct {
	SubscriptionID     string
	CustomerID         string
	Status             string
	PriceID            string
	Interval           string
	Amount             int64
	Currency           string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	CancelAtPeriodEnd  bool
}

// InvoiceData is the payload of invoice.payment_* events.
type InvoiceData struct {
	InvoiceID      string
	SubscriptionID string
	CustomerID     string
	AmountPaid     int64
	Currency       string
}

type rawEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type rawCheckoutSession struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
	ClientReferenceID string `json:"client_reference_id"`
	TrialPeriodDays   int    `json:"trial_period_days"`
}

type rawSubscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Plan     struct {
		ID       string `json:"id"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Interval string `json:"interval"`
	} `json:"plan"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	TrialStart         int64 `json:"trial_start"`
	TrialEnd           int64 `json:"trial_end"`
	CancelAtPeriodEnd  bool  `json:"cancel_at_period_end"`
}

type rawInvoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	AmountPaid   int64  `json:"amount_paid"`
	AmountDue    int64  `json:"amount_due"`
	Currency     string `json:"currency"`
}

// ParseEvent validates a raw webhook payload into a typed envelope.
// A parse failure is a data error: the caller acknowledges and logs it.
func ParseEvent(payload []byte) (*Event, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, errors.New("webhook payload missing event id")
	}
	if strings.TrimSpace(raw.Type) == "" {
		return nil, errors.New("webhook payload missing event type")
	}

	ev := &Event{
		ID:      strings.TrimSpace(raw.ID),
		Type:    strings.TrimSpace(raw.Type),
		Created: time.Unix(raw.Created, 0).UTC(),
	}

	switch ev.Type {
	case EventCheckoutSessionCompleted:
		var obj rawCheckoutSession
		if err := json.Unmarshal(raw.Data.Object, &obj); err != nil {
			return nil, err
		}
		if obj.ID == "" {
			return nil, errors.New("checkout session payload missing id")
		}
		ev.Checkout = &CheckoutSessionData{
			SessionID:         obj.ID,
			CustomerID:        obj.Customer,
			SubscriptionID:    obj.Subscription,
			ClientReferenceID: obj.ClientReferenceID,
			TrialPeriodDays:   obj.TrialPeriodDays,
		}
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var obj rawSubscription
		if err := json.Unmarshal(raw.Data.Object, &obj); err != nil {
			return nil, err
		}
		if obj.ID == "" {
			return nil, errors.New("subscription payload missing id")
		}
		ev.Subscription = obj.toData()
	case EventInvoicePaymentSucceeded, EventInvoicePaymentFailed:
		var obj rawInvoice
		if err := json.Unmarshal(raw.Data.Object, &obj); err != nil {
			return nil, err
		}
		if obj.ID == "" {
			return nil, errors.New("invoice payload missing id")
		}
		amount := obj.AmountPaid
		if amount == 0 {
			amount = obj.AmountDue
		}
		ev.Invoice = &InvoiceData{
			InvoiceID:      obj.ID,
			SubscriptionID: obj.Subscription,
			CustomerID:     obj.Customer,
			AmountPaid:     amount,
			Currency:       obj.Currency,
		}
	}

	return ev, nil
}

func (r *rawSubscription) toData() *SubscriptionData {
	return &SubscriptionData{
		SubscriptionID:     r.ID,
		CustomerID:         r.Customer,
		Status:             r.Status,
		PriceID:            r.Plan.ID,
		Interval:           r.Plan.Interval,
		Amount:             r.Plan.Amount,
		Currency:           r.Plan.Currency,
		CurrentPeriodStart: unixPtr(r.CurrentPeriodStart),
		CurrentPeriodEnd:   unixPtr(r.CurrentPeriodEnd),
		TrialStart:         unixPtr(r.TrialStart),
		TrialEnd:           unixPtr(r.TrialEnd),
		CancelAtPeriodEnd:  r.CancelAtPeriodEnd,
	}
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// ProviderStatusToSubscriptionStatus maps the provider's status
// vocabulary onto the internal state machine.
func ProviderStatusToSubscriptionStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "trialing":
		return models.SubscriptionStatusTrial
	case "active":
		return models.SubscriptionStatusActive
	case "past_due", "unpaid":
		return models.SubscriptionStatusPastDue
	case "canceled", "incomplete_expired":
		return models.SubscriptionStatusCanceled
	case "incomplete":
		return models.SubscriptionStatusIncomplete
	default:
		return models.SubscriptionStatusIncomplete
	}
}

// SubscriptionPatch is an explicit partial update for a subscription
// row. Nil fields are left untouched on merge; there is no way to
// accidentally overwrite a column with an absent value.
type SubscriptionPatch struct {
	Status                 *string
	PlanID                 *string
	BillingPeriod          *string
	Amount                 *int64
	Currency               *string
	ProviderSubscriptionID *string
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	TrialStart             *time.Time
	TrialEnd               *time.Time
	CancelAtPeriodEnd      *bool
	CanceledAt             *time.Time
	LastEventAt            *time.Time
}

// Validate rejects patch values outside the model vocabulary before any
// merge happens.
func (p *SubscriptionPatch) Validate() error {
	if p.Status != nil {
		switch *p.Status {
		case models.SubscriptionStatusIncomplete, models.SubscriptionStatusTrial,
			models.SubscriptionStatusActive, models.SubscriptionStatusPastDue,
			models.SubscriptionStatusCanceled:
		default:
			return errors.New("patch contains unknown subscription status")
		}
	}
	if p.BillingPeriod != nil {
		switch *p.BillingPeriod {
		case models.BillingPeriodMonthly, models.BillingPeriodAnnual:
		default:
			return errors.New("patch contains unknown billing period")
		}
	}
	if p.Amount != nil && *p.Amount < 0 {
		return errors.New("patch contains negative amount")
	}
	return nil
}

// Apply merges the patch into a subscription in memory. Callers persist
// the result through the repository's optimistic update.
func (p *SubscriptionPatch) Apply(sub *models.Subscription) {
	if p.Status != nil {
		sub.Status = *p.Status
	}
	if p.PlanID != nil {
		sub.PlanID = *p.PlanID
	}
	if p.BillingPeriod != nil {
		sub.BillingPeriod = *p.BillingPeriod
	}
	if p.Amount != nil {
		sub.Amount = *p.Amount
	}
	if p.Currency != nil {
		sub.Currency = *p.Currency
	}
	if p.ProviderSubscriptionID != nil {
		sub.ProviderSubscriptionID = p.ProviderSubscriptionID
	}
	if p.CurrentPeriodStart != nil {
		sub.CurrentPeriodStart = p.CurrentPeriodStart
	}
	if p.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = p.CurrentPeriodEnd
	}
	if p.TrialStart != nil {
		sub.TrialStart = p.TrialStart
	}
	if p.TrialEnd != nil {
		sub.TrialEnd = p.TrialEnd
	}
	if p.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *p.CancelAtPeriodEnd
	}
	if p.CanceledAt != nil {
		sub.CanceledAt = p.CanceledAt
	}
	if p.LastEventAt != nil {
		sub.LastEventAt = p.LastEventAt
	}
}

func strPtr(s string) *string        { return &s }
func int64Ptr(v int64) *int64        { return &v }
func boolPtr(b bool) *bool           { return &b }
func timePtr(t time.Time) *time.Time { return &t }
