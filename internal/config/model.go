package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Update sources.
const (
	SourcePull = "pull"
	SourcePush = "push"
	SourceNone = "none"
)

// Storage backends.
const (
	BackendFile = "file"
	BackendNATS = "nats"
)

// Config is the root configuration, read from an optional YAML file and
// overridden by environment variables.
type Config struct {
	Tuya     TuyaConfig     `yaml:"tuya"`
	Telegram TelegramConfig `yaml:"telegram"`
	Storage  StorageConfig  `yaml:"storage"`
	System   SystemConfig   `yaml:"system"`
	Admin    AdminConfig    `yaml:"admin"`
}

type TuyaConfig struct {
	AccessID         string `yaml:"access_id"`
	AccessSecret     string `yaml:"access_secret"`
	DeviceID         string `yaml:"device_id"`
	Region           string `yaml:"region"`
	BaseURL          string `yaml:"base_url,omitempty"`
	CredentialPolicy string `yaml:"credential_policy"`
	Timeout          int    `yaml:"timeout"` // seconds
}

type TelegramConfig struct {
	BotToken       string `yaml:"bot_token"`
	ChatID         string `yaml:"chat_id,omitempty"` // single-channel mode when set
	APIURL         string `yaml:"api_url,omitempty"`
	UpdateSource   string `yaml:"update_source"`
	PollTimeout    int    `yaml:"poll_timeout"` // seconds, getUpdates long-poll wait
	WebhookSecret  string `yaml:"webhook_secret,omitempty"`
	Command        string `yaml:"command"`
	WelcomeText    string `yaml:"welcome_text"`
	DisableWelcome bool   `yaml:"disable_welcome"`
	Timeout        int    `yaml:"timeout"` // seconds
}

type StorageConfig struct {
	Backend    string `yaml:"backend"`
	Dir        string `yaml:"dir"`
	NatsURL    string `yaml:"nats_url,omitempty"`
	NatsBucket string `yaml:"nats_bucket"`
}

type SystemConfig struct {
	BindAddress   string `yaml:"bind_address"`
	CheckInterval int    `yaml:"check_interval"` // seconds, 0 disables the scheduler
	CycleTimeout  int    `yaml:"cycle_timeout"`  // seconds
	LogLevel      string `yaml:"log_level"`
}

// AdminConfig protects the manual check endpoint with HTTP basic auth.
// Auth is disabled when PasswordHash is empty.
type AdminConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash,omitempty"` // bcrypt
}

// SingleChannel reports whether notifications go to one fixed chat.
func (c *Config) SingleChannel() bool {
	return c.Telegram.ChatID != ""
}

// DefaultConfig returns a config with sensible defaults and no credentials.
func DefaultConfig() Config {
	return Config{
		Tuya: TuyaConfig{
			Region:           "eu",
			CredentialPolicy: "refetch",
			Timeout:          10,
		},
		Telegram: TelegramConfig{
			PollTimeout: 5,
			Command:     "/start",
			WelcomeText: "Вас додано до сповіщень!",
			Timeout:     10,
		},
		Storage: StorageConfig{
			Backend:    BackendFile,
			Dir:        ".",
			NatsBucket: "plugwatch",
		},
		System: SystemConfig{
			BindAddress:   ":5000",
			CheckInterval: 60,
			CycleTimeout:  60,
			LogLevel:      "info",
		},
		Admin: AdminConfig{
			Username: "admin",
		},
	}
}

// ApplyDefaults fills zero-value fields with defaults.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Tuya.Region == "" {
		c.Tuya.Region = d.Tuya.Region
	}
	if c.Tuya.CredentialPolicy == "" {
		c.Tuya.CredentialPolicy = d.Tuya.CredentialPolicy
	}
	if c.Tuya.Timeout <= 0 {
		c.Tuya.Timeout = d.Tuya.Timeout
	}
	if c.Telegram.PollTimeout <= 0 {
		c.Telegram.PollTimeout = d.Telegram.PollTimeout
	}
	if c.Telegram.Command == "" {
		c.Telegram.Command = d.Telegram.Command
	}
	if c.Telegram.WelcomeText == "" {
		c.Telegram.WelcomeText = d.Telegram.WelcomeText
	}
	if c.Telegram.Timeout <= 0 {
		c.Telegram.Timeout = d.Telegram.Timeout
	}
	if c.Telegram.UpdateSource == "" {
		if c.SingleChannel() {
			c.Telegram.UpdateSource = SourceNone
		} else {
			c.Telegram.UpdateSource = SourcePull
		}
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = d.Storage.Dir
	}
	if c.Storage.NatsBucket == "" {
		c.Storage.NatsBucket = d.Storage.NatsBucket
	}
	if c.System.BindAddress == "" {
		c.System.BindAddress = d.System.BindAddress
	}
	if c.System.CheckInterval < 0 {
		c.System.CheckInterval = d.System.CheckInterval
	}
	if c.System.CycleTimeout <= 0 {
		c.System.CycleTimeout = d.System.CycleTimeout
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = d.System.LogLevel
	}
	if c.Admin.Username == "" {
		c.Admin.Username = d.Admin.Username
	}
}

// Validate checks the config for missing credentials and logical errors.
// All problems are reported at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Tuya.AccessID == "" {
		errs = append(errs, "tuya.access_id is required (ACCESS_ID)")
	}
	if c.Tuya.AccessSecret == "" {
		errs = append(errs, "tuya.access_secret is required (ACCESS_SECRET)")
	}
	if c.Tuya.DeviceID == "" {
		errs = append(errs, "tuya.device_id is required (DEVICE_ID)")
	}
	if c.Tuya.CredentialPolicy != "refetch" && c.Tuya.CredentialPolicy != "cache" {
		errs = append(errs, fmt.Sprintf("tuya.credential_policy must be refetch or cache (got %q)", c.Tuya.CredentialPolicy))
	}
	if c.Tuya.BaseURL != "" {
		if u, err := url.Parse(c.Tuya.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, "tuya.base_url must be a valid http(s) URL")
		}
	}

	if c.Telegram.BotToken == "" {
		errs = append(errs, "telegram.bot_token is required (BOT_TOKEN)")
	}
	validSources := map[string]bool{SourcePull: true, SourcePush: true, SourceNone: true}
	if !validSources[c.Telegram.UpdateSource] {
		errs = append(errs, fmt.Sprintf("telegram.update_source must be pull, push, or none (got %q)", c.Telegram.UpdateSource))
	}
	if c.Telegram.PollTimeout >= c.Telegram.Timeout {
		errs = append(errs, fmt.Sprintf("telegram.poll_timeout (%d) must be < telegram.timeout (%d)", c.Telegram.PollTimeout, c.Telegram.Timeout))
	}
	if c.Telegram.APIURL != "" {
		if u, err := url.Parse(c.Telegram.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, "telegram.api_url must be a valid http(s) URL")
		}
	}

	switch c.Storage.Backend {
	case BackendFile:
	case BackendNATS:
		if c.Storage.NatsURL == "" {
			errs = append(errs, "storage.nats_url is required for the nats backend (NATS_URL)")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend must be file or nats (got %q)", c.Storage.Backend))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.System.LogLevel] {
		errs = append(errs, fmt.Sprintf("system.log_level must be one of: debug, info, warn, error (got %q)", c.System.LogLevel))
	}
	if c.System.CheckInterval > 0 && c.System.CheckInterval < 10 {
		errs = append(errs, "system.check_interval must be 0 or >= 10 seconds")
	}
	if c.Admin.PasswordHash != "" && !strings.HasPrefix(c.Admin.PasswordHash, "$2") {
		errs = append(errs, "admin.password_hash must be a bcrypt hash")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
