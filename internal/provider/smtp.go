package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-dispatch/internal/domain"
	"gopkg.in/gomail.v2"
)

// SMTPConfig describes the relay used by SMTPProvider.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	SSL      bool
	// LocalName is sent in HELO/EHLO. Empty means "localhost".
	LocalName string
}

type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPProvider delivers each message over a fresh SMTP session.
type SMTPProvider struct {
	sender mailSender
	domain string
}

func NewSMTPProvider(cfg SMTPConfig) (*SMTPProvider, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("smtp port must be positive")
	}

	dialer := gomail.NewDialer(host, cfg.Port, cfg.Username, cfg.Password)
	dialer.SSL = cfg.SSL
	dialer.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	if cfg.LocalName != "" {
		dialer.LocalName = cfg.LocalName
	}

	return &SMTPProvider{sender: dialer, domain: host}, nil
}

func newSMTPProviderWithSender(sender mailSender, domain string) *SMTPProvider {
	return &SMTPProvider{sender: sender, domain: domain}
}

// Send runs the SMTP exchange in the background so that ctx bounds the
// attempt even though gomail has no context support. An abandoned exchange
// finishes or fails on its own.
func (p *SMTPProvider) Send(ctx context.Context, msg domain.Message) (*ProviderResponse, error) {
	if p == nil || p.sender == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), p.domain)

	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetHeader("X-Campaign-ID", msg.CampaignID)
	m.SetBody("text/plain", msg.Body)

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.sender.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return nil, &ProviderError{
			Message:   "smtp send did not complete",
			Transient: !errors.Is(ctx.Err(), context.Canceled),
			Cause:     ctx.Err(),
		}
	case err := <-errCh:
		if err != nil {
			code, _ := smtpReplyCode(err)
			return nil, &ProviderError{
				StatusCode: code,
				Message:    "smtp send failed",
				Transient:  isTransientSMTPError(err),
				Cause:      err,
			}
		}
	}

	return &ProviderResponse{
		StatusCode: 250,
		MessageID:  messageID,
	}, nil
}

// Connection-level failures carry no SMTP reply and are retried; only a 5yz
// reply is permanent.
func isTransientSMTPError(err error) bool {
	if code, ok := smtpReplyCode(err); ok {
		return isTransientSMTPCode(code)
	}
	return true
}
