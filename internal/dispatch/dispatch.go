// Package dispatch delivers a normalized message to every configured
// destination concurrently and aggregates the outcomes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/smtp-webhook-relay/internal/email"
	"github.com/shineum/smtp-webhook-relay/internal/provider"
)

// Policy selects how per-destination outcomes are aggregated.
type Policy string

const (
	// PolicyAuto is strict with one destination and best-effort with several.
	PolicyAuto Policy = "auto"

	// PolicyStrict succeeds only if every destination accepted the message.
	PolicyStrict Policy = "strict"

	// PolicyBestEffort succeeds once every attempt has completed,
	// whatever the individual outcomes.
	PolicyBestEffort Policy = "best-effort"
)

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 10 * time.Second

// ErrDeliveryFailed is returned under strict aggregation when at least one
// destination did not accept the message.
var ErrDeliveryFailed = errors.New("delivery failed")

// ParsePolicy validates a configured policy name. The empty string maps to PolicyAuto.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyAuto:
		return PolicyAuto, nil
	case PolicyStrict, PolicyBestEffort:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown dispatch policy %q", s)
}

// Observer receives one call per delivery attempt.
type Observer interface {
	ObserveDelivery(destination string, success bool, d time.Duration)
}

// Config configures a Dispatcher.
type Config struct {
	Policy  Policy
	Timeout time.Duration

	// BreakerFailures is the number of consecutive failures that opens a
	// destination's circuit breaker. Zero disables breakers.
	BreakerFailures uint32

	// BreakerCooldown is how long an open breaker short-circuits attempts
	// before letting one probe through.
	BreakerCooldown time.Duration

	Observer Observer
	Logger   *slog.Logger
}

type destination struct {
	provider provider.Provider
	breaker  *gobreaker.CircuitBreaker
}

// Dispatcher fans a message out to its destinations. The destination list
// is fixed at construction and safe for concurrent use by many sessions.
type Dispatcher struct {
	destinations []destination
	policy       Policy
	timeout      time.Duration
	observer     Observer
	logger       *slog.Logger
}

// New creates a Dispatcher over providers.
func New(cfg Config, providers ...provider.Provider) (*Dispatcher, error) {
	if len(providers) == 0 {
		return nil, errors.New("at least one destination is required")
	}

	policy, err := ParsePolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}
	if policy == PolicyAuto {
		policy = PolicyBestEffort
		if len(providers) == 1 {
			policy = PolicyStrict
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dispatch")

	d := &Dispatcher{
		destinations: make([]destination, 0, len(providers)),
		policy:       policy,
		timeout:      timeout,
		observer:     cfg.Observer,
		logger:       logger,
	}

	for _, p := range providers {
		dest := destination{provider: p}
		if cfg.BreakerFailures > 0 {
			dest.breaker = newBreaker(p.Name(), cfg.BreakerFailures, cfg.BreakerCooldown, logger)
		}
		d.destinations = append(d.destinations, dest)
	}

	return d, nil
}

func newBreaker(name string, failures uint32, cooldown time.Duration, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("destination circuit breaker state changed",
				"destination", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// Policy returns the resolved aggregation policy.
func (d *Dispatcher) Policy() Policy {
	return d.policy
}

// Dispatch makes exactly one attempt per destination, all in flight at
// once, and waits for every attempt to finish. One outcome is returned per
// destination in configuration order. Under strict aggregation any failure
// yields an error wrapping ErrDeliveryFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *email.Message) ([]email.DeliveryOutcome, error) {
	outcomes := make([]email.DeliveryOutcome, len(d.destinations))

	// Attempts never return errors to the group, so no attempt cancels another.
	var g errgroup.Group
	for i := range d.destinations {
		dest := d.destinations[i]
		g.Go(func() error {
			outcomes[i] = d.attempt(ctx, dest, msg)
			return nil
		})
	}
	g.Wait()

	var errs []error
	for _, o := range outcomes {
		if !o.Success {
			errs = append(errs, fmt.Errorf("%s: %w", o.Destination, o.Err))
		}
	}

	d.logger.Info("dispatch completed",
		"message_id", msg.ID,
		"policy", string(d.policy),
		"destinations", len(outcomes),
		"failed", len(errs),
	)

	if d.policy == PolicyStrict && len(errs) > 0 {
		return outcomes, fmt.Errorf("%w: %w", ErrDeliveryFailed, errors.Join(errs...))
	}
	return outcomes, nil
}

func (d *Dispatcher) attempt(ctx context.Context, dest destination, msg *email.Message) email.DeliveryOutcome {
	name := dest.provider.Name()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	var err error
	if dest.breaker != nil {
		_, err = dest.breaker.Execute(func() (interface{}, error) {
			return nil, dest.provider.Send(ctx, msg)
		})
	} else {
		err = dest.provider.Send(ctx, msg)
	}
	elapsed := time.Since(start)

	outcome := email.DeliveryOutcome{
		Destination: name,
		Success:     err == nil,
		Err:         err,
		Duration:    elapsed,
	}

	if d.observer != nil {
		d.observer.ObserveDelivery(name, outcome.Success, elapsed)
	}

	if err != nil {
		level := slog.LevelWarn
		if d.policy == PolicyStrict {
			level = slog.LevelError
		}
		d.logger.Log(ctx, level, "delivery failed",
			"message_id", msg.ID,
			"destination", name,
			"duration", elapsed,
			"error", err,
		)
	} else {
		d.logger.Info("delivery succeeded",
			"message_id", msg.ID,
			"destination", name,
			"duration", elapsed,
		)
	}

	return outcome
}
