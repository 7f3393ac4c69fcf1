// Package config provides defaults, optional YAML, then environment variable
// configuration loading for tempmail-relay. Environment variables always win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// defaultMaxMessageSize is 25 MB in bytes.
	defaultMaxMessageSize    = 26214400
	defaultInvocationTimeout = 30 * time.Second
	defaultRedisChannel      = "tempmail:notifications"
	defaultNotificationTTL   = time.Hour
	defaultFetchSchedule     = "@every 1m"
)

// Provider names accepted by forward.provider.
const (
	ProviderStdout = "stdout"
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderSMTP   = "smtp"
)

// Fetch account types.
const (
	FetchIMAP = "imap"
	FetchPOP3 = "pop3"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP     SMTPConfig     `yaml:"smtp"`
	TLS      TLSConfig      `yaml:"tls"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Forward  ForwardConfig  `yaml:"forward"`
	Decode   DecodeConfig   `yaml:"decode"`
	Fetch    FetchConfig    `yaml:"fetch"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SMTPConfig holds the inbound SMTP listener configuration.
type SMTPConfig struct {
	Listen            string        `yaml:"listen"`
	Hostname          string        `yaml:"hostname"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	MaxRecipients     int           `yaml:"max_recipients"`
	InvocationTimeout time.Duration `yaml:"invocation_timeout"`
}

// TLSConfig holds TLS certificate file paths. Without files a self-signed
// certificate is generated.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig configures notification publishing. Empty Addr disables it.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Channel  string        `yaml:"channel"`
	TTL      time.Duration `yaml:"ttl"`
}

// ForwardConfig selects and configures the forwarding provider.
type ForwardConfig struct {
	Provider    string      `yaml:"provider"`
	TargetEmail string      `yaml:"target_email"`
	SES         SESConfig   `yaml:"ses"`
	Graph       GraphConfig `yaml:"graph"`
	Relay       RelayConfig `yaml:"smtp"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// RelayConfig holds SMTP smarthost configuration.
type RelayConfig struct {
	Addr               string `yaml:"addr"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	From               string `yaml:"from"`
	TLSMode            string `yaml:"tls_mode"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// DecodeConfig tunes body decoding.
type DecodeConfig struct {
	// LegacyGBK decodes GBK-family charsets as UTF-8.
	LegacyGBK bool `yaml:"legacy_gbk"`
}

// FetchConfig lists mailboxes polled in addition to the SMTP listener.
type FetchConfig struct {
	Accounts []FetchAccount `yaml:"accounts"`
}

// FetchAccount is one polled IMAP or POP3 mailbox.
type FetchAccount struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
	Folder   string `yaml:"folder"`
	// Recipient overrides the address taken from the message headers.
	Recipient        string `yaml:"recipient"`
	DeleteAfterFetch bool   `yaml:"delete_after_fetch"`
	Schedule         string `yaml:"schedule"`
}

// HTTPConfig configures the ops HTTP server. Empty Listen disables it.
type HTTPConfig struct {
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

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	var errs []error

	switch c.Forward.Provider {
	case "", ProviderStdout:
	case ProviderSES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("forward provider ses requires region and sender"))
		}
	case ProviderGraph:
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("forward provider graph requires tenant_id, client_id, client_secret and sender"))
		}
	case ProviderSMTP:
		if !c.RelayConfigured() {
			errs = append(errs, errors.New("forward provider smtp requires addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown forward provider %q", c.Forward.Provider))
	}

	switch c.Database.Driver {
	case "sqlite3", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database dsn is required"))
	}

	for i, a := range c.Fetch.Accounts {
		if a.Type != FetchIMAP && a.Type != FetchPOP3 {
			errs = append(errs, fmt.Errorf("fetch account %d: unknown type %q", i, a.Type))
		}
		if a.Host == "" || a.Username == "" {
			errs = append(errs, fmt.Errorf("fetch account %d: host and username are required", i))
		}
	}

	return errors.Join(errs...)
}

// SESConfigured returns true if the SES region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.Forward.SES.Region != "" && c.Forward.SES.Sender != ""
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	g := c.Forward.Graph
	return g.TenantID != "" && g.ClientID != "" && g.ClientSecret != "" && g.Sender != ""
}

// RelayConfigured returns true if a smarthost address is set.
func (c *Config) RelayConfigured() bool {
	return c.Forward.Relay.Addr != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// RedisEnabled returns true if a Redis address is set.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxRecipients = 100
	c.SMTP.InvocationTimeout = defaultInvocationTimeout
	c.Database.Driver = "sqlite3"
	c.Database.DSN = "file:tempmail.db?_busy_timeout=5000"
	c.Redis.Channel = defaultRedisChannel
	c.Redis.TTL = defaultNotificationTTL
	c.HTTP.Listen = ":8080"
	c.Logging.Level = "info"
}

// normalize lowercases enum-like fields and fills per-account defaults.
func (c *Config) normalize() {
	c.Forward.Provider = strings.ToLower(strings.TrimSpace(c.Forward.Provider))
	c.Database.Driver = strings.ToLower(c.Database.Driver)
	c.Logging.Level = strings.ToLower(c.Logging.Level)

	for i := range c.Fetch.Accounts {
		a := &c.Fetch.Accounts[i]
		a.Type = strings.ToLower(a.Type)
		if a.Schedule == "" {
			a.Schedule = defaultFetchSchedule
		}
		if a.Name == "" {
			a.Name = fmt.Sprintf("%s:%s@%s", a.Type, a.Username, a.Host)
		}
		if a.Type == FetchIMAP && a.Folder == "" {
			a.Folder = "INBOX"
		}
		if a.Port == 0 {
			a.Port = defaultPort(a.Type, a.TLS)
		}
	}
}

func defaultPort(kind string, tls bool) int {
	switch {
	case kind == FetchIMAP && tls:
		return 993
	case kind == FetchIMAP:
		return 143
	case kind == FetchPOP3 && tls:
		return 995
	default:
		return 110
	}
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; numeric
// values that do not parse are ignored.
func (c *Config) applyEnvVars() error {
	envString("SMTP_LISTEN", &c.SMTP.Listen)
	envString("SMTP_HOSTNAME", &c.SMTP.Hostname)
	envString("SMTP_USERNAME", &c.SMTP.Username)
	envString("SMTP_PASSWORD", &c.SMTP.Password)
	envInt64("SMTP_MAX_MESSAGE_SIZE", &c.SMTP.MaxMessageSize)
	envDuration("INVOCATION_TIMEOUT", &c.SMTP.InvocationTimeout)

	envString("TLS_CERT_FILE", &c.TLS.CertFile)
	envString("TLS_KEY_FILE", &c.TLS.KeyFile)

	envString("DATABASE_DRIVER", &c.Database.Driver)
	envString("DATABASE_DSN", &c.Database.DSN)

	envString("REDIS_ADDR", &c.Redis.Addr)
	envString("REDIS_PASSWORD", &c.Redis.Password)
	envInt("REDIS_DB", &c.Redis.DB)

	envString("FORWARD_PROVIDER", &c.Forward.Provider)
	envString("TARGET_EMAIL", &c.Forward.TargetEmail)
	envString("SES_REGION", &c.Forward.SES.Region)
	envString("SES_ACCESS_KEY_ID", &c.Forward.SES.AccessKeyID)
	envString("SES_SECRET_ACCESS_KEY", &c.Forward.SES.SecretAccessKey)
	envString("SES_SENDER", &c.Forward.SES.Sender)
	envString("GRAPH_TENANT_ID", &c.Forward.Graph.TenantID)
	envString("GRAPH_CLIENT_ID", &c.Forward.Graph.ClientID)
	envString("GRAPH_CLIENT_SECRET", &c.Forward.Graph.ClientSecret)
	envString("GRAPH_SENDER", &c.Forward.Graph.Sender)
	envString("RELAY_ADDR", &c.Forward.Relay.Addr)
	envString("RELAY_USERNAME", &c.Forward.Relay.Username)
	envString("RELAY_PASSWORD", &c.Forward.Relay.Password)
	envString("RELAY_FROM", &c.Forward.Relay.From)

	if err := envBool("DECODE_LEGACY_GBK", &c.Decode.LegacyGBK); err != nil {
		return err
	}

	envString("HTTP_LISTEN", &c.HTTP.Listen)
	envString("LOG_LEVEL", &c.Logging.Level)
	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// envBool is strict so a typo cannot silently flip decoding behaviour.
func envBool(name string, dst *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = b
	return nil
}
