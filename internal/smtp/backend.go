package smtp

import (
	"context"
	"log/slog"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/smtp-webhook-relay/internal/email"
	"github.com/shineum/smtp-webhook-relay/internal/metrics"
)

// Dispatcher delivers a parsed message to the configured destinations.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *email.Message) ([]email.DeliveryOutcome, error)
}

// BackendConfig holds what every session shares. All of it is read-only
// once the server starts.
type BackendConfig struct {
	Domains    []string
	Dispatcher Dispatcher

	// Metrics may be nil.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Backend creates one Session per inbound connection.
type Backend struct {
	admission  *Admission
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewBackend creates a Backend from cfg.
func NewBackend(cfg BackendConfig) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		admission:  NewAdmission(cfg.Domains),
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		logger:     logger.With("component", "smtp"),
	}
}

// NewSession implements gosmtp.Backend. Every connection is accepted;
// filtering happens per recipient.
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if nc := c.Conn(); nc != nil {
		remote = nc.RemoteAddr().String()
	}
	b.metrics.Connection()
	b.logger.Debug("connection accepted", "remote", remote)
	return b.newSession(remote), nil
}

func (b *Backend) newSession(remote string) *Session {
	return &Session{
		backend: b,
		remote:  remote,
		state:   stateConnected,
		logger:  b.logger.With("remote", remote),
	}
}
