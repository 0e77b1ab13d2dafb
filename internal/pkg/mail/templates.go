package mail

import (
	"fmt"
	"time"
)

// SendTrialReminder mails the trial countdown notice for a tenant.
func SendTrialReminder(to, tenantName string, daysLeft int, trialEnd time.Time) error {
	subject, body := RenderTrialReminder(tenantName, daysLeft, trialEnd)
	return SendMail(to, subject, body)
}

// RenderTrialReminder builds the subject and HTML body for a trial
// reminder. Day zero gets its own wording.
func RenderTrialReminder(tenantName string, daysLeft int, trialEnd time.Time) (string, string) {
	date := trialEnd.Format("2006-01-02")
	if daysLeft <= 0 {
		return "Your trial ends today",
			fmt.Sprintf("<p>Hi %s,</p><p>your trial ends today (%s). Add a payment method to keep your subscription.</p>",
				tenantName, date)
	}
	return fmt.Sprintf("Your trial ends in %d days", daysLeft),
		fmt.Sprintf("<p>Hi %s,</p><p>your trial ends on %s (%d days left).</p>",
			tenantName, date, daysLeft)
}
