// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the relay.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration. It is loaded once
// at startup and treated as read-only afterwards.
type Config struct {
	SMTP     SMTPConfig      `yaml:"smtp"`
	Relay    RelayConfig     `yaml:"relay"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Dispatch DispatchConfig  `yaml:"dispatch"`
	TLS      TLSConfig       `yaml:"tls"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// SMTPConfig holds SMTP listener configuration.
type SMTPConfig struct {
	Bind           string        `yaml:"bind"`
	Port           int           `yaml:"port"`
	Hostname       string        `yaml:"hostname"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	MaxRecipients  int           `yaml:"max_recipients"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// RelayConfig holds admission and identification settings.
type RelayConfig struct {
	// Domains are the recipient domains this relay accepts mail for.
	Domains []string `yaml:"domains"`

	// Name is sent in the relay identification header on every delivery.
	Name string `yaml:"name"`

	// AllowStdout permits running with no webhooks, printing messages instead.
	AllowStdout bool `yaml:"allow_stdout"`
}

// WebhookConfig describes one delivery destination.
type WebhookConfig struct {
	Name        string       `yaml:"name"`
	URL         string       `yaml:"url"`
	BearerToken string       `yaml:"bearer_token"`
	OAuth       *OAuthConfig `yaml:"oauth"`
}

// DisplayName is the name used for metrics labels and breakers: Name if
// set, otherwise the URL host.
func (w WebhookConfig) DisplayName() string {
	if w.Name != "" {
		return w.Name
	}
	u, err := url.Parse(w.URL)
	if err != nil {
		return ""
	}
	return u.Host
}

// OAuthConfig holds OAuth2 client-credentials settings for a webhook.
type OAuthConfig struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
}

// DispatchConfig holds fan-out settings.
type DispatchConfig struct {
	Policy          string        `yaml:"policy"`
	Timeout         time.Duration `yaml:"timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Disabled bool   `yaml:"disabled"`
}

// MetricsConfig holds the ops listener address. Empty disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	cfg.normalize()

	return cfg, nil
}

// ListenAddr returns the SMTP listen address built from bind and port.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.SMTP.Bind, strconv.Itoa(c.SMTP.Port))
}

// TLSFromFiles returns true if both certificate and key paths are set.
func (c *Config) TLSFromFiles() bool {
	return c.TLS.CertFile != "" && c.TLS.KeyFile != ""
}

// Validate reports configuration that would leave the relay unable to do its job.
func (c *Config) Validate() error {
	var errs []error

	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp.port %d out of range", c.SMTP.Port))
	}
	if len(c.Relay.Domains) == 0 {
		errs = append(errs, errors.New("relay.domains must list at least one domain"))
	}
	if len(c.Webhooks) == 0 && !c.Relay.AllowStdout {
		errs = append(errs, errors.New("at least one webhook is required"))
	}
	seen := make(map[string]int, len(c.Webhooks))
	for i, w := range c.Webhooks {
		if w.URL == "" {
			errs = append(errs, fmt.Errorf("webhooks[%d]: url is required", i))
		}
		if name := w.DisplayName(); name != "" {
			if j, ok := seen[name]; ok {
				errs = append(errs, fmt.Errorf("webhooks[%d]: name %q already used by webhooks[%d], set a distinct name", i, name, j))
			} else {
				seen[name] = i
			}
		}
		if w.OAuth != nil && w.OAuth.TokenURL == "" {
			errs = append(errs, fmt.Errorf("webhooks[%d]: oauth.token_url is required", i))
		}
	}
	switch c.Dispatch.Policy {
	case "auto", "strict", "best-effort":
	default:
		errs = append(errs, fmt.Errorf("dispatch.policy %q must be auto, strict or best-effort", c.Dispatch.Policy))
	}
	if c.Dispatch.Timeout <= 0 {
		errs = append(errs, errors.New("dispatch.timeout must be positive"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Port = 2525
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxRecipients = 100
	c.SMTP.ReadTimeout = 60 * time.Second
	c.SMTP.WriteTimeout = 60 * time.Second
	c.Relay.Name = "smtp-webhook-relay"
	c.Dispatch.Policy = "auto"
	c.Dispatch.Timeout = 10 * time.Second
	c.Dispatch.BreakerCooldown = 30 * time.Second
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	var errs []error

	if v := os.Getenv("SMTP_BIND"); v != "" {
		c.SMTP.Bind = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SMTP_PORT: %w", err))
		} else {
			c.SMTP.Port = port
		}
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SMTP_MAX_RECIPIENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.MaxRecipients = n
		}
	}
	envDuration(&errs, "SMTP_READ_TIMEOUT", &c.SMTP.ReadTimeout)
	envDuration(&errs, "SMTP_WRITE_TIMEOUT", &c.SMTP.WriteTimeout)

	if v := os.Getenv("RELAY_DOMAINS"); v != "" {
		c.Relay.Domains = splitList(v)
	}
	if v := os.Getenv("RELAY_NAME"); v != "" {
		c.Relay.Name = v
	}
	if v := os.Getenv("RELAY_ALLOW_STDOUT"); v != "" {
		c.Relay.AllowStdout = parseBool(v)
	}

	// WEBHOOK_URLS replaces any YAML webhooks; WEBHOOK_URL is the
	// single-destination form.
	urls := splitList(os.Getenv("WEBHOOK_URLS"))
	if len(urls) == 0 {
		urls = splitList(os.Getenv("WEBHOOK_URL"))
	}
	if len(urls) > 0 {
		token := os.Getenv("WEBHOOK_BEARER_TOKEN")
		c.Webhooks = make([]WebhookConfig, 0, len(urls))
		for _, u := range urls {
			c.Webhooks = append(c.Webhooks, WebhookConfig{URL: u, BearerToken: token})
		}
	}

	if v := os.Getenv("DISPATCH_POLICY"); v != "" {
		c.Dispatch.Policy = strings.ToLower(v)
	}
	envDuration(&errs, "DISPATCH_TIMEOUT", &c.Dispatch.Timeout)
	if v := os.Getenv("DISPATCH_BREAKER_FAILURES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("DISPATCH_BREAKER_FAILURES: %w", err))
		} else {
			c.Dispatch.BreakerFailures = uint32(n)
		}
	}
	envDuration(&errs, "DISPATCH_BREAKER_COOLDOWN", &c.Dispatch.BreakerCooldown)

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}
	if v := os.Getenv("TLS_DISABLED"); v != "" {
		c.TLS.Disabled = parseBool(v)
	}

	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	return errors.Join(errs...)
}

// normalize lower-cases and de-duplicates admission domains.
func (c *Config) normalize() {
	seen := make(map[string]struct{}, len(c.Relay.Domains))
	domains := make([]string, 0, len(c.Relay.Domains))
	for _, d := range c.Relay.Domains {
		d = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(d), "."))
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		domains = append(domains, d)
	}
	c.Relay.Domains = domains
}

func envDuration(errs *[]error, key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
