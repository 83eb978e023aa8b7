package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path (optional; a missing file means defaults),
// applies environment overrides, fills defaults and validates. Any problem is
// returned so the process can exit before the first cycle.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Warn("config file not found, using defaults and environment", "path", path)
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			dec := yaml.NewDecoder(bytes.NewReader(data))
			dec.KnownFields(true)
			if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
				return Config{}, fmt.Errorf("parse config YAML: %w", err)
			}
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides config fields from the environment. The variable names
// are the ones the deployment scripts already export.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"ACCESS_ID":           &cfg.Tuya.AccessID,
		"ACCESS_SECRET":       &cfg.Tuya.AccessSecret,
		"DEVICE_ID":           &cfg.Tuya.DeviceID,
		"REGION":              &cfg.Tuya.Region,
		"TUYA_BASE_URL":       &cfg.Tuya.BaseURL,
		"CREDENTIAL_POLICY":   &cfg.Tuya.CredentialPolicy,
		"BOT_TOKEN":           &cfg.Telegram.BotToken,
		"CHAT_ID":             &cfg.Telegram.ChatID,
		"TELEGRAM_API_URL":    &cfg.Telegram.APIURL,
		"UPDATE_SOURCE":       &cfg.Telegram.UpdateSource,
		"WEBHOOK_SECRET":      &cfg.Telegram.WebhookSecret,
		"STORAGE_BACKEND":     &cfg.Storage.Backend,
		"STATE_DIR":           &cfg.Storage.Dir,
		"NATS_URL":            &cfg.Storage.NatsURL,
		"NATS_BUCKET":         &cfg.Storage.NatsBucket,
		"BIND_ADDRESS":        &cfg.System.BindAddress,
		"LOG_LEVEL":           &cfg.System.LogLevel,
		"ADMIN_USERNAME":      &cfg.Admin.Username,
		"ADMIN_PASSWORD_HASH": &cfg.Admin.PasswordHash,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CHECK_INTERVAL": &cfg.System.CheckInterval,
		"CYCLE_TIMEOUT":  &cfg.System.CycleTimeout,
		"POLL_TIMEOUT":   &cfg.Telegram.PollTimeout,
	}
	for name, dst := range ints {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", name, v, err)
		}
		*dst = n
	}

	// PORT is what most hosting platforms set.
	if port, ok := lookup("PORT"); ok && port != "" {
		if _, set := lookup("BIND_ADDRESS"); !set {
			cfg.System.BindAddress = ":" + port
		}
	}
	return nil
}
