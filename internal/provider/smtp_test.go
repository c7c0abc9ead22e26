package provider

import (
	"context"
	"errors"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"gopkg.in/gomail.v2"
)

type fakeMailSender struct {
	sendFn func(m ...*gomail.Message) error
}

func (f *fakeMailSender) DialAndSend(m ...*gomail.Message) error {
	if f.sendFn != nil {
		return f.sendFn(m...)
	}
	return nil
}

func TestSMTPProviderSendSuccess(t *testing.T) {
	t.Parallel()

	var got *gomail.Message
	p := newSMTPProviderWithSender(&fakeMailSender{
		sendFn: func(m ...*gomail.Message) error {
			got = m[0]
			return nil
		},
	}, "smtp.company.com")

	resp, err := p.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}
	if resp.StatusCode != 250 {
		t.Fatalf("StatusCode = %d, want 250", resp.StatusCode)
	}
	if !strings.HasSuffix(resp.MessageID, "@smtp.company.com>") {
		t.Fatalf("MessageID = %q, want host suffix", resp.MessageID)
	}

	if got == nil {
		t.Fatal("message should be handed to the dialer")
	}
	if to := got.GetHeader("To"); len(to) != 1 || to[0] != "john@acme.com" {
		t.Fatalf("To header = %v", to)
	}
	if subject := got.GetHeader("Subject"); len(subject) != 1 || subject[0] != "Partnership Opportunity" {
		t.Fatalf("Subject header = %v", subject)
	}
	if id := got.GetHeader("Message-ID"); len(id) != 1 || id[0] != resp.MessageID {
		t.Fatalf("Message-ID header = %v, want %q", id, resp.MessageID)
	}
}

func TestSMTPProviderSendClassifiesReplies(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		sendErr       error
		wantTransient bool
		wantCode      int
	}{
		{name: "mailbox busy is transient", sendErr: &textproto.Error{Code: 450, Msg: "mailbox busy"}, wantTransient: true, wantCode: 450},
		{name: "unknown user is permanent", sendErr: &textproto.Error{Code: 550, Msg: "no such user"}, wantTransient: false, wantCode: 550},
		{name: "connection refused is transient", sendErr: errors.New("dial tcp: connection refused"), wantTransient: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := newSMTPProviderWithSender(&fakeMailSender{
				sendFn: func(m ...*gomail.Message) error { return tc.sendErr },
			}, "smtp.company.com")

			_, err := p.Send(context.Background(), testMessage())
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsTransient(err); got != tc.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", got, tc.wantTransient)
			}

			var providerErr *ProviderError
			if !errors.As(err, &providerErr) {
				t.Fatalf("expected ProviderError, got %T", err)
			}
			if providerErr.StatusCode != tc.wantCode {
				t.Fatalf("StatusCode = %d, want %d", providerErr.StatusCode, tc.wantCode)
			}
		})
	}
}

func TestSMTPProviderSendHonorsDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)

	p := newSMTPProviderWithSender(&fakeMailSender{
		sendFn: func(m ...*gomail.Message) error {
			<-release
			return nil
		},
	}, "smtp.company.com")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Send(ctx, testMessage())
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded", err)
	}
	if !IsTransient(err) {
		t.Fatal("an attempt that never returns should be retried")
	}
}

func TestSMTPProviderRejectsMissingRecipient(t *testing.T) {
	t.Parallel()

	p := newSMTPProviderWithSender(&fakeMailSender{}, "smtp.company.com")
	msg := testMessage()
	msg.To = ""

	_, err := p.Send(context.Background(), msg)
	if err == nil {
		t.Fatal("expected error for missing recipient")
	}
	if IsTransient(err) {
		t.Fatal("missing recipient should be permanent")
	}
}

func TestNewSMTPProviderValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewSMTPProvider(SMTPConfig{Port: 587}); err == nil {
		t.Fatal("expected error for missing host")
	}
	if _, err := NewSMTPProvider(SMTPConfig{Host: "smtp.company.com"}); err == nil {
		t.Fatal("expected error for missing port")
	}
	if _, err := NewSMTPProvider(SMTPConfig{Host: "smtp.company.com", Port: 587}); err != nil {
		t.Fatalf("NewSMTPProvider() error = %v", err)
	}
}
