package smtp

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codecraft/subsync/pkg/subsync"
)

type sent struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func recorder(out *[]sent, err error) SendFunc {
	return func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		if err != nil {
			return err
		}
		*out = append(*out, sent{addr: addr, auth: a, from: from, to: to, msg: string(msg)})
		return nil
	}
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	var mails []sent
	n, err := NewWithSender(Config{Host: "mail.example.com"}, recorder(&mails, nil))
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com:587", n.addr)
	assert.Equal(t, "no-reply@mail.example.com", n.config.Sender)
	assert.Nil(t, n.auth)

	n, err = NewWithSender(Config{Host: "mail.example.com", Username: "u", Password: "p"}, recorder(&mails, nil))
	require.NoError(t, err)
	assert.NotNil(t, n.auth)
}

func TestNotify_Kinds(t *testing.T) {
	trialEnd := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		note    subsync.Notification
		subject string
		body    string
	}{
		{"welcome", subsync.Notification{Kind: subsync.IntentSendWelcome}, "Welcome to Acme", "Thanks for subscribing"},
		{"confirmation", subsync.Notification{Kind: subsync.IntentSendPaymentConfirmation, AmountPaid: 1999, Currency: "usd", InvoiceID: "in_1"}, "Payment received", "19.99 USD"},
		{"failure", subsync.Notification{Kind: subsync.IntentNotifyPaymentFailure, AttemptCount: 2}, "Your payment failed", "attempt 2"},
		{"reminder", subsync.Notification{Kind: subsync.IntentNotifyPaymentReminder}, "Payment reminder", "overdue"},
		{"trial", subsync.Notification{Kind: subsync.IntentNotifyTrialEnding, TrialEnd: &trialEnd}, "Your trial is ending", "2026-04-02"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mails []sent
			n, err := NewWithSender(Config{Host: "mail.example.com", Port: "25", AppName: "Acme"}, recorder(&mails, nil))
			require.NoError(t, err)

			note := tt.note
			note.ID = "evt_1:" + string(note.Kind)
			note.Email = "a@example.com"
			require.NoError(t, n.Notify(context.Background(), &note))

			require.Len(t, mails, 1)
			assert.Equal(t, "mail.example.com:25", mails[0].addr)
			assert.Equal(t, []string{"a@example.com"}, mails[0].to)
			assert.Contains(t, mails[0].msg, "Subject: "+tt.subject+"\r\n")
			assert.Contains(t, mails[0].msg, tt.body)
			assert.Contains(t, mails[0].msg, "Message-ID: <evt_1.")
		})
	}
}

func TestNotify_NoRecipientIsSkipped(t *testing.T) {
	var mails []sent
	n, _ := NewWithSender(Config{Host: "h"}, recorder(&mails, nil))
	require.NoError(t, n.Notify(context.Background(), &subsync.Notification{Kind: subsync.IntentSendWelcome}))
	assert.Empty(t, mails)
}

func TestNotify_Errors(t *testing.T) {
	var mails []sent
	n, _ := NewWithSender(Config{Host: "h"}, recorder(&mails, errors.New("421 try later")))

	err := n.Notify(context.Background(), &subsync.Notification{Kind: subsync.IntentSendWelcome, Email: "a@example.com"})
	require.Error(t, err)
	assert.False(t, subsync.IsPermanent(err))
	assert.True(t, strings.Contains(err.Error(), "421"))

	err = n.Notify(context.Background(), &subsync.Notification{Kind: subsync.IntentGrantAccess, Email: "a@example.com"})
	assert.True(t, subsync.IsPermanent(err))
}
