package main

import (
	"fmt"
	"log/slog"

	"github.com/shineum/smtp-webhook-relay/internal/config"
	"github.com/shineum/smtp-webhook-relay/internal/provider"
	"github.com/shineum/smtp-webhook-relay/internal/provider/stdout"
	"github.com/shineum/smtp-webhook-relay/internal/provider/webhook"
)

const redacted = "[redacted]"

// buildProviders creates one destination per configured webhook, in
// configuration order. With no webhooks and stdout allowed, messages are
// printed instead.
func buildProviders(cfg *config.Config) ([]provider.Provider, error) {
	if len(cfg.Webhooks) == 0 {
		if !cfg.Relay.AllowStdout {
			return nil, fmt.Errorf("no webhooks configured")
		}
		slog.Info("no webhooks configured, using stdout provider")
		return []provider.Provider{stdout.New()}, nil
	}

	providers := make([]provider.Provider, 0, len(cfg.Webhooks))
	for i, w := range cfg.Webhooks {
		wc := webhook.Config{
			Name:        w.DisplayName(),
			URL:         w.URL,
			BearerToken: w.BearerToken,
			Relay:       cfg.Relay.Name,
		}
		if w.OAuth != nil {
			wc.OAuth = &webhook.OAuthConfig{
				TokenURL:     w.OAuth.TokenURL,
				ClientID:     w.OAuth.ClientID,
				ClientSecret: w.OAuth.ClientSecret,
				Scope:        w.OAuth.Scope,
			}
		}

		p, err := webhook.New(wc)
		if err != nil {
			return nil, fmt.Errorf("webhooks[%d]: %w", i, err)
		}
		slog.Info("using webhook destination",
			"destination", p.Name(),
			"oauth", w.OAuth != nil,
			"bearer_token", w.BearerToken != "",
		)
		providers = append(providers, p)
	}
	return providers, nil
}

// redact returns a copy of cfg safe to print.
func redact(cfg *config.Config) *config.Config {
	out := *cfg
	out.Webhooks = make([]config.WebhookConfig, len(cfg.Webhooks))
	for i, w := range cfg.Webhooks {
		if w.BearerToken != "" {
			w.BearerToken = redacted
		}
		if w.OAuth != nil {
			oauth := *w.OAuth
			if oauth.ClientSecret != "" {
				oauth.ClientSecret = redacted
			}
			w.OAuth = &oauth
		}
		out.Webhooks[i] = w
	}
	return &out
}
