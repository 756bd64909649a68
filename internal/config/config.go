package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// MailboxConfig holds the IMAP and SMTP endpoints the relay talks to.
type MailboxConfig struct {
	// IMAPHost is the hostname of the inbound mailbox server.
	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host"`

	// IMAPPort is the IMAP port (993 for tls, 143 for starttls).
	IMAPPort int `mapstructure:"imap_port" yaml:"imap_port"`

	// IMAPSecurity selects the connection mode: "tls" or "starttls".
	IMAPSecurity string `mapstructure:"imap_security" yaml:"imap_security"`

	// IMAPUsername is the mailbox login. The password comes from the
	// system keyring, not the config file.
	IMAPUsername string `mapstructure:"imap_username" yaml:"imap_username"`

	// SMTPHost is the hostname of the outbound mail server.
	SMTPHost string `mapstructure:"smtp_host" yaml:"smtp_host"`

	// SMTPPort is the SMTP port (465 for tls, 587 for starttls).
	SMTPPort int `mapstructure:"smtp_port" yaml:"smtp_port"`

	// SMTPSecurity selects the connection mode: "tls" or "starttls".
	SMTPSecurity string `mapstructure:"smtp_security" yaml:"smtp_security"`

	// SMTPUsername is the submission login.
	SMTPUsername string `mapstructure:"smtp_username" yaml:"smtp_username"`

	// Inbox is the IMAP folder polled for replies.
	Inbox string `mapstructure:"inbox" yaml:"inbox"`

	// ArchiveFolder receives handled replies. Empty leaves them in
	// place.
	ArchiveFolder string `mapstructure:"archive_folder" yaml:"archive_folder"`
}

// AddressConfig holds the mail addresses on either side of the relay.
type AddressConfig struct {
	// Sender is the From address on outbound usage mail.
	Sender string `mapstructure:"sender" yaml:"sender"`

	// Authority is the address usage batches are sent to.
	Authority string `mapstructure:"authority" yaml:"authority"`

	// ReplyFrom lists the sender addresses replies are accepted from.
	// Mail from anyone else is ignored.
	ReplyFrom []string `mapstructure:"reply_from" yaml:"reply_from"`

	// Operator receives rejection notices. Empty disables them.
	Operator string `mapstructure:"operator" yaml:"operator"`
}

// EngineConfig holds the relay loop timings and limits.
type EngineConfig struct {
	PollIntervalSec     int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	DispatchIntervalSec int `mapstructure:"dispatch_interval_sec" yaml:"dispatch_interval_sec"`
	IOTimeoutSec        int `mapstructure:"io_timeout_sec" yaml:"io_timeout_sec"`

	// MaxInFlight caps the number of unacknowledged batches. The
	// authority processes one file at a time, so the default is 1.
	MaxInFlight int `mapstructure:"max_in_flight" yaml:"max_in_flight"`

	// BatchLimit caps the records assembled into one batch.
	BatchLimit int `mapstructure:"batch_limit" yaml:"batch_limit"`
}

// RetryConfig holds the dispatch back-off policy.
type RetryConfig struct {
	// BaseDelaySec is the delay before the second attempt.
	BaseDelaySec int `mapstructure:"base_delay_sec" yaml:"base_delay_sec"`

	// Multiplier grows the delay on each further attempt.
	Multiplier float64 `mapstructure:"multiplier" yaml:"multiplier"`

	// MaxDelaySec caps the grown delay.
	MaxDelaySec int `mapstructure:"max_delay_sec" yaml:"max_delay_sec"`

	// MaxAttempts is the number of sends before a batch is given up.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// CallbackConfig holds the signed HTTP notification settings.
type CallbackConfig struct {
	// URL receives outcome notifications. Empty disables callbacks.
	URL string `mapstructure:"url" yaml:"url"`

	// KeyID names the shared secret in the signature header. The
	// secret itself comes from the system keyring.
	KeyID string `mapstructure:"key_id" yaml:"key_id"`

	// ValidityWindowSec is how far a signed request's timestamp may
	// drift before the receiver rejects it as a replay.
	ValidityWindowSec int `mapstructure:"validity_window_sec" yaml:"validity_window_sec"`

	TimeoutSec  int `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// StoreConfig holds the local database location.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// OpsConfig holds the operational HTTP endpoint settings.
type OpsConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// Config is the top-level daemon configuration.
type Config struct {
	Mailbox   MailboxConfig  `mapstructure:"mailbox" yaml:"mailbox"`
	Addresses AddressConfig  `mapstructure:"addresses" yaml:"addresses"`
	Engine    EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Retry     RetryConfig    `mapstructure:"retry" yaml:"retry"`
	Callback  CallbackConfig `mapstructure:"callback" yaml:"callback"`
	Store     StoreConfig    `mapstructure:"store" yaml:"store"`
	Ops       OpsConfig      `mapstructure:"ops" yaml:"ops"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/licence-relay/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "licence-relay", "config.yaml")
}

// DefaultStorePath returns the default database location,
// ~/.local/share/licence-relay/relay.db.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "relay.db")
	}
	return filepath.Join(home, ".local", "share", "licence-relay", "relay.db")
}

// setDefaults registers every configuration key with its default
// value. Keys without a sensible default are registered empty anyway:
// Viper only surfaces environment overrides for keys it knows about.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mailbox.imap_host", "")
	v.SetDefault("mailbox.imap_port", 993)
	v.SetDefault("mailbox.imap_security", "tls")
	v.SetDefault("mailbox.imap_username", "")
	v.SetDefault("mailbox.smtp_host", "")
	v.SetDefault("mailbox.smtp_port", 587)
	v.SetDefault("mailbox.smtp_security", "starttls")
	v.SetDefault("mailbox.smtp_username", "")
	v.SetDefault("mailbox.inbox", "INBOX")
	v.SetDefault("mailbox.archive_folder", "")
	v.SetDefault("addresses.sender", "")
	v.SetDefault("addresses.authority", "")
	v.SetDefault("addresses.reply_from", []string{})
	v.SetDefault("addresses.operator", "")
	v.SetDefault("engine.poll_interval_sec", 60)
	v.SetDefault("engine.dispatch_interval_sec", 30)
	v.SetDefault("engine.io_timeout_sec", 30)
	v.SetDefault("engine.max_in_flight", 1)
	v.SetDefault("engine.batch_limit", 500)
	v.SetDefault("retry.base_delay_sec", 60)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay_sec", 3600)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("callback.url", "")
	v.SetDefault("callback.key_id", "licence-relay")
	v.SetDefault("callback.validity_window_sec", 60)
	v.SetDefault("callback.timeout_sec", 15)
	v.SetDefault("callback.max_attempts", 3)
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("ops.listen_addr", "127.0.0.1:8089")
}

// Load reads configuration from the given YAML file path using Viper.
// A missing file is not an error; the relay then runs on defaults and
// environment overrides alone. Every key can be set through the
// environment with the LICENCE_RELAY_ prefix, e.g.
// LICENCE_RELAY_MAILBOX_IMAP_HOST.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("LICENCE_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the settings a running relay cannot do without.
func (c *Config) Validate() error {
	if c.Mailbox.IMAPHost == "" {
		return fmt.Errorf("mailbox.imap_host is required")
	}
	if c.Mailbox.SMTPHost == "" {
		return fmt.Errorf("mailbox.smtp_host is required")
	}
	switch c.Mailbox.IMAPSecurity {
	case "tls", "starttls":
	default:
		return fmt.Errorf("mailbox.imap_security must be tls or starttls, got %q", c.Mailbox.IMAPSecurity)
	}
	switch c.Mailbox.SMTPSecurity {
	case "tls", "starttls":
	default:
		return fmt.Errorf("mailbox.smtp_security must be tls or starttls, got %q", c.Mailbox.SMTPSecurity)
	}
	if c.Addresses.Sender == "" {
		return fmt.Errorf("addresses.sender is required")
	}
	if c.Addresses.Authority == "" {
		return fmt.Errorf("addresses.authority is required")
	}
	if c.Engine.MaxInFlight < 1 {
		return fmt.Errorf("engine.max_in_flight must be at least 1, got %d", c.Engine.MaxInFlight)
	}
	if c.Retry.BaseDelaySec <= 0 {
		return fmt.Errorf("retry.base_delay_sec must be positive, got %d", c.Retry.BaseDelaySec)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	return nil
}
