package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func relayConfig() *Config {
	return &Config{
		Mailbox: MailboxConfig{
			IMAPHost:     "imap.example.test",
			IMAPPort:     993,
			IMAPSecurity: "tls",
			SMTPHost:     "smtp.example.test",
			SMTPPort:     587,
			SMTPSecurity: "starttls",
			Inbox:        "INBOX",
		},
		Addresses: AddressConfig{
			Sender:    "relay@example.test",
			Authority: "intake@authority.test",
		},
		Engine: EngineConfig{
			PollIntervalSec:     60,
			DispatchIntervalSec: 30,
			IOTimeoutSec:        30,
			MaxInFlight:         1,
			BatchLimit:          500,
		},
		Retry: RetryConfig{
			BaseDelaySec: 60,
			Multiplier:   2,
			MaxDelaySec:  3600,
			MaxAttempts:  5,
		},
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("loading absent config: %v", err)
	}

	if cfg.Mailbox.IMAPPort != 993 || cfg.Mailbox.IMAPSecurity != "tls" {
		t.Errorf("imap defaults = %d/%s", cfg.Mailbox.IMAPPort, cfg.Mailbox.IMAPSecurity)
	}
	if cfg.Mailbox.SMTPPort != 587 || cfg.Mailbox.SMTPSecurity != "starttls" {
		t.Errorf("smtp defaults = %d/%s", cfg.Mailbox.SMTPPort, cfg.Mailbox.SMTPSecurity)
	}
	if cfg.Mailbox.Inbox != "INBOX" {
		t.Errorf("inbox default = %q", cfg.Mailbox.Inbox)
	}
	if cfg.Engine.MaxInFlight != 1 || cfg.Engine.BatchLimit != 500 {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.Multiplier != 2 {
		t.Errorf("retry defaults = %+v", cfg.Retry)
	}
	if cfg.Callback.KeyID != "licence-relay" {
		t.Errorf("callback key id default = %q", cfg.Callback.KeyID)
	}
	if cfg.Store.Path == "" {
		t.Errorf("store path default is empty")
	}
	if cfg.Ops.ListenAddr != "127.0.0.1:8089" {
		t.Errorf("ops listen addr default = %q", cfg.Ops.ListenAddr)
	}
}

func TestLoadReadsFileOverDefaults(t *testing.T) {
	path := writeConfigFile(t, `
mailbox:
  imap_host: imap.example.test
  smtp_host: smtp.example.test
  archive_folder: Archive/Handled
addresses:
  sender: relay@example.test
  authority: intake@authority.test
  reply_from:
    - no-reply@authority.test
    - bounce@authority.test
engine:
  max_in_flight: 2
retry:
  multiplier: 3.5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}

	if cfg.Mailbox.IMAPHost != "imap.example.test" {
		t.Errorf("imap host = %q", cfg.Mailbox.IMAPHost)
	}
	if cfg.Mailbox.ArchiveFolder != "Archive/Handled" {
		t.Errorf("archive folder = %q", cfg.Mailbox.ArchiveFolder)
	}
	if len(cfg.Addresses.ReplyFrom) != 2 || cfg.Addresses.ReplyFrom[0] != "no-reply@authority.test" {
		t.Errorf("reply_from = %v", cfg.Addresses.ReplyFrom)
	}
	if cfg.Engine.MaxInFlight != 2 {
		t.Errorf("max in flight = %d", cfg.Engine.MaxInFlight)
	}
	if cfg.Retry.Multiplier != 3.5 {
		t.Errorf("multiplier = %g", cfg.Retry.Multiplier)
	}

	// Keys the file does not mention keep their defaults.
	if cfg.Mailbox.IMAPPort != 993 {
		t.Errorf("imap port = %d, want default", cfg.Mailbox.IMAPPort)
	}
	if cfg.Engine.BatchLimit != 500 {
		t.Errorf("batch limit = %d, want default", cfg.Engine.BatchLimit)
	}
}

func TestLoadEnvironmentBeatsFile(t *testing.T) {
	path := writeConfigFile(t, `
mailbox:
  imap_host: imap.file.test
engine:
  batch_limit: 500
`)

	t.Setenv("LICENCE_RELAY_MAILBOX_IMAP_HOST", "imap.env.test")
	t.Setenv("LICENCE_RELAY_ENGINE_BATCH_LIMIT", "50")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}

	if cfg.Mailbox.IMAPHost != "imap.env.test" {
		t.Errorf("imap host = %q, want environment value", cfg.Mailbox.IMAPHost)
	}
	if cfg.Engine.BatchLimit != 50 {
		t.Errorf("batch limit = %d, want environment value", cfg.Engine.BatchLimit)
	}
}

func TestLoadEnvironmentWorksWithoutFile(t *testing.T) {
	t.Setenv("LICENCE_RELAY_MAILBOX_SMTP_HOST", "smtp.env.test")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if cfg.Mailbox.SMTPHost != "smtp.env.test" {
		t.Errorf("smtp host = %q, want environment value", cfg.Mailbox.SMTPHost)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfigFile(t, "mailbox: [unclosed\n")

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for malformed yaml")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "complete config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing imap host",
			mutate:  func(c *Config) { c.Mailbox.IMAPHost = "" },
			wantErr: "mailbox.imap_host",
		},
		{
			name:    "missing smtp host",
			mutate:  func(c *Config) { c.Mailbox.SMTPHost = "" },
			wantErr: "mailbox.smtp_host",
		},
		{
			name:    "unknown imap security",
			mutate:  func(c *Config) { c.Mailbox.IMAPSecurity = "plain" },
			wantErr: "mailbox.imap_security",
		},
		{
			name:    "unknown smtp security",
			mutate:  func(c *Config) { c.Mailbox.SMTPSecurity = "none" },
			wantErr: "mailbox.smtp_security",
		},
		{
			name:    "missing sender",
			mutate:  func(c *Config) { c.Addresses.Sender = "" },
			wantErr: "addresses.sender",
		},
		{
			name:    "missing authority",
			mutate:  func(c *Config) { c.Addresses.Authority = "" },
			wantErr: "addresses.authority",
		},
		{
			name:    "zero in-flight slots",
			mutate:  func(c *Config) { c.Engine.MaxInFlight = 0 },
			wantErr: "engine.max_in_flight",
		},
		{
			name:    "zero base delay",
			mutate:  func(c *Config) { c.Retry.BaseDelaySec = 0 },
			wantErr: "retry.base_delay_sec",
		},
		{
			name:    "shrinking multiplier",
			mutate:  func(c *Config) { c.Retry.Multiplier = 0.5 },
			wantErr: "retry.multiplier",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Retry.MaxAttempts = 0 },
			wantErr: "retry.max_attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := relayConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error naming %s", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
