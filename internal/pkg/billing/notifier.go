package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/tenantbill/tenantbill/internal/pkg/env"
	"github.com/tenantbill/tenantbill/internal/pkg/mail"
)

type NotificationKind string

const (
	NotificationTrialReminder NotificationKind = "trial_reminder"
)

// NotificationPayload carries what a notification template needs.
type NotificationPayload struct {
	To         string
	TenantName string
	DaysLeft   int
	TrialEnd   time.Time
}

// Notifier delivers outbound tenant notifications.
type Notifier interface {
	Send(ctx context.Context, kind NotificationKind, payload NotificationPayload) error
}

// NewNotifierFromEnv returns the mail-backed notifier when SMTP is
// configured and a log-only notifier otherwise.
func NewNotifierFromEnv() Notifier {
	if env.GetEnv("SMTP_HOST", "") != "" {
		return &MailNotifier{}
	}
	log.Warn("[Billing] SMTP_HOST not set, notifications are log-only")
	return &LogNotifier{}
}

// MailNotifier sends notifications via SMTP.
type MailNotifier struct{}

func (n *MailNotifier) Send(ctx context.Context, kind NotificationKind, payload NotificationPayload) error {
	done := make(chan error, 1)
	go func() {
		switch kind {
		case NotificationTrialReminder:
			done <- mail.SendTrialReminder(payload.To, payload.TenantName, payload.DaysLeft, payload.TrialEnd)
		default:
			done <- fmt.Errorf("unknown notification kind %q", kind)
		}
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogNotifier records notifications in the log only. Used when SMTP is
// not configured and in tests.
type LogNotifier struct{}

func (n *LogNotifier) Send(_ context.Context, kind NotificationKind, payload NotificationPayload) error {
	log.Infof("[Billing] notification %s to %s (days_left=%d)", kind, payload.To, payload.DaysLeft)
	return nil
}
