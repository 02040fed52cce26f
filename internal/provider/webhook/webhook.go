// Package webhook implements a Provider that POSTs the normalized message
// as a JSON event to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/shineum/smtp-webhook-relay/internal/email"
)

const (
	// RelayHeader identifies the relay on every outbound request.
	RelayHeader = "X-Mail-Relay"

	// MessageIDHeader carries the relay-assigned message ID.
	MessageIDHeader = "X-Relay-Message-Id"

	// DefaultRelayName is sent in RelayHeader when Config.Relay is empty.
	DefaultRelayName = "smtp-webhook-relay"

	// maxErrorBody bounds how much of a failed response is kept for logging.
	maxErrorBody = 512
)

// OAuthConfig configures OAuth2 client-credentials authentication.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
}

// Config holds the configuration for one webhook destination.
type Config struct {
	// Name identifies the destination in logs and metrics.
	// Defaults to the URL host.
	Name string

	URL string

	// BearerToken, if set, is sent as a static Authorization header.
	BearerToken string

	// OAuth, if set, takes precedence over BearerToken.
	OAuth *OAuthConfig

	// Relay is the value of RelayHeader.
	Relay string

	// HTTPClient is used for requests. Timeouts are driven by the context
	// passed to Send, so the client needs none of its own.
	HTTPClient *http.Client
}

// Provider delivers messages to a single webhook URL.
type Provider struct {
	name        string
	url         string
	relay       string
	bearerToken string
	token       *tokenCache
	httpClient  *http.Client
}

// StatusError is returned when the destination answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned HTTP %d: %s", e.StatusCode, e.Body)
}

// New creates a webhook Provider. The URL must be absolute http or https.
func New(cfg Config) (*Provider, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url %q: %w", cfg.URL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q: must be absolute http(s)", cfg.URL)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	p := &Provider{
		name:        cfg.Name,
		url:         cfg.URL,
		relay:       cfg.Relay,
		bearerToken: cfg.BearerToken,
		httpClient:  client,
	}
	if p.name == "" {
		p.name = u.Host
	}
	if p.relay == "" {
		p.relay = DefaultRelayName
	}
	if cfg.OAuth != nil {
		p.token = newTokenCache(*cfg.OAuth, client)
	}

	return p, nil
}

// Name returns the destination name.
func (p *Provider) Name() string {
	return p.name
}

// Send POSTs msg as JSON. A 401 with OAuth configured triggers one token
// refresh and one resend; there are no other retries.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.post(ctx, msg.ID, body, false)
	if statusErr, ok := err.(*StatusError); ok && statusErr.StatusCode == http.StatusUnauthorized && p.token != nil {
		return p.post(ctx, msg.ID, body, true)
	}
	return err
}

// post performs a single HTTP request to the webhook.
func (p *Provider) post(ctx context.Context, messageID string, body []byte, refreshToken bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RelayHeader, p.relay)
	if messageID != "" {
		req.Header.Set(MessageIDHeader, messageID)
	}

	if err := p.authorize(ctx, req, refreshToken); err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
}

func (p *Provider) authorize(ctx context.Context, req *http.Request, refreshToken bool) error {
	switch {
	case p.token != nil:
		get := p.token.Token
		if refreshToken {
			get = p.token.ForceRefresh
		}
		token, err := get(ctx)
		if err != nil {
			return fmt.Errorf("failed to get access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case p.bearerToken != "":
		req.Header.Set("Authorization", "Bearer "+p.bearerToken)
	}
	return nil
}
