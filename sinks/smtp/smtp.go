// Package smtp delivers notifications as email over SMTP.
package smtp

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/codecraft/subsync/pkg/subsync"
)

// Config holds SMTP settings.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	Sender   string

	// AppName is shown in subjects and bodies (default: "your subscription").
	AppName string

	Logger subsync.Logger
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Notifier sends one email per notification.
type Notifier struct {
	config Config
	addr   string
	auth   smtp.Auth
	send   SendFunc
}

// New creates an SMTP notifier. Auth is used only when both username and
// password are set.
func New(config Config) (*Notifier, error) {
	return NewWithSender(config, smtp.SendMail)
}

// NewWithSender allows replacing the transport.
func NewWithSender(config Config, send SendFunc) (*Notifier, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if config.Port == "" {
		config.Port = "587"
	}
	if config.Sender == "" {
		config.Sender = "no-reply@" + config.Host
	}
	if config.AppName == "" {
		config.AppName = "your subscription"
	}
	if config.Logger == nil {
		config.Logger = &subsync.NoopLogger{}
	}

	n := &Notifier{
		config: config,
		addr:   net.JoinHostPort(config.Host, config.Port),
		send:   send,
	}
	if config.Username != "" && config.Password != "" {
		n.auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return n, nil
}

type message struct {
	Subject string
	Lines   []string
}

var bodyTemplate = template.Must(template.New("body").Parse(
	`<html><body>{{range .Lines}}<p>{{.}}</p>{{end}}</body></html>`))

// Notify implements subsync.Notifier. Notifications without a recipient are
// skipped.
func (n *Notifier) Notify(ctx context.Context, note *subsync.Notification) error {
	if note.Email == "" {
		n.config.Logger.Warn("Skipping notification without recipient",
			subsync.Field{Key: "kind", Value: string(note.Kind)},
			subsync.Field{Key: "customer_id", Value: note.CustomerID},
		)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m, ok := n.compose(note)
	if !ok {
		return subsync.Permanent(fmt.Errorf("no email template for %s", note.Kind))
	}
	var body bytes.Buffer
	if err := bodyTemplate.Execute(&body, m); err != nil {
		return subsync.Permanent(fmt.Errorf("render email: %w", err))
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\nTo: %s\r\nSubject: %s\r\n", n.config.Sender, note.Email, m.Subject)
	fmt.Fprintf(&msg, "Message-ID: <%s@%s>\r\n", strings.ReplaceAll(note.ID, ":", "."), n.config.Host)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n")
	msg.Write(body.Bytes())

	if err := n.send(n.addr, n.auth, n.config.Sender, []string{note.Email}, msg.Bytes()); err != nil {
		return fmt.Errorf("smtp send to %s: %w", n.addr, err)
	}
	n.config.Logger.Info("Email sent",
		subsync.Field{Key: "kind", Value: string(note.Kind)},
		subsync.Field{Key: "customer_id", Value: note.CustomerID},
	)
	return nil
}

func (n *Notifier) compose(note *subsync.Notification) (message, bool) {
	app := n.config.AppName
	switch note.Kind {
	case subsync.IntentSendWelcome:
		return message{
			Subject: "Welcome to " + app,
			Lines:   []string{"Thanks for subscribing. Your account is being set up."},
		}, true
	case subsync.IntentSendPaymentConfirmation:
		return message{
			Subject: "Payment received",
			Lines: []string{
				fmt.Sprintf("We received your payment of %s.", formatAmount(note.AmountPaid, note.Currency)),
				"Invoice: " + note.InvoiceID,
			},
		}, true
	case subsync.IntentNotifyPaymentFailure:
		return message{
			Subject: "Your payment failed",
			Lines: []string{
				fmt.Sprintf("We could not charge your payment method (attempt %d).", note.AttemptCount),
				"Please update your billing details to keep access to " + app + ".",
			},
		}, true
	case subsync.IntentNotifyPaymentReminder:
		return message{
			Subject: "Payment reminder",
			Lines:   []string{"Your subscription payment is overdue. Please update your billing details."},
		}, true
	case subsync.IntentNotifyTrialEnding:
		line := "Your trial is ending soon."
		if note.TrialEnd != nil {
			line = "Your trial ends on " + note.TrialEnd.UTC().Format(time.DateOnly) + "."
		}
		return message{Subject: "Your trial is ending", Lines: []string{line}}, true
	}
	return message{}, false
}

func formatAmount(minor int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", minor/100, minor%100, strings.ToUpper(currency))
}

var _ subsync.Notifier = (*Notifier)(nil)
