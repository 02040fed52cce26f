// Package provider defines the interface for message destinations.
package provider

import (
	"context"

	"github.com/shineum/smtp-webhook-relay/internal/email"
)

// Provider is the interface that delivery destinations must implement.
// Each provider delivers a normalized message to exactly one target
// (a webhook endpoint, stdout, ...).
type Provider interface {
	// Send makes a single delivery attempt. It must not retry and must
	// honour ctx cancellation.
	Send(ctx context.Context, msg *email.Message) error

	// Name identifies the destination in logs and metrics.
	Name() string
}
