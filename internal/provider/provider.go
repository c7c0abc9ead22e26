package provider

import (
	"context"

	"github.com/kursadbilgin/campaign-dispatch/internal/domain"
)

// Provider is the outbound mail delivery port.
type Provider interface {
	Send(ctx context.Context, msg domain.Message) (*ProviderResponse, error)
}

// ProviderResponse stores provider call metadata for audit and persistence.
type ProviderResponse struct {
	StatusCode int
	Body       string
	MessageID  string
}
