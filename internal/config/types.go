package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Webhook  *WebhookConfig  `json:"webhook,omitempty"`

	// DefaultPlatform names the transport used when a schedule does not pin
	// any platforms. Must match a configured transport ("telegram"/"webhook").
	DefaultPlatform string `json:"default_platform,omitempty"`

	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
}

type TelegramConfig struct {
	Token   string `json:"token"`
	Channel string `json:"channel"`
	// OperatorChat receives failure alerts and operator notifications.
	// Zero disables operator messages.
	OperatorChat int64  `json:"operator_chat,omitempty"`
	ParseMode    string `json:"parse_mode,omitempty"`
}

type WebhookConfig struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
	// Timeout is a Go duration string (e.g. "10s"). Defaults to 15s.
	Timeout string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warn/error log lines to the operator chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls triggering and publishing behavior.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - timezone: "UTC"
//   - rescan_every: "1m"
//   - retry_max: 3
//   - retry_delay: "5s"
//   - min_publish_interval: "2s"
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	// RescanEvery is the safety-net interval for re-arming timers that were
	// missed (timer drift, clock jumps, storage edits behind our back).
	RescanEvery string `json:"rescan_every,omitempty"`

	RetryMax   int    `json:"retry_max,omitempty"`
	RetryDelay string `json:"retry_delay,omitempty"`

	// MinPublishInterval is the floor enforced between consecutive outbound
	// publishes across all schedules.
	MinPublishInterval string `json:"min_publish_interval,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./postpilot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// Validate checks cross-field consistency. It is used both at startup and as
// the hot-reload validator so a bad edit never replaces a working config.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	if c.Telegram == nil && c.Webhook == nil {
		return fmt.Errorf("at least one of telegram/webhook must be configured")
	}
	if c.Telegram != nil {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is required")
		}
		if strings.TrimSpace(c.Telegram.Channel) == "" {
			return fmt.Errorf("telegram.channel is required")
		}
	}
	if c.Webhook != nil {
		u := strings.TrimSpace(c.Webhook.URL)
		if u == "" {
			return fmt.Errorf("webhook.url is required")
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("webhook.url must be http(s)")
		}
		if _, err := ParseDurationField("webhook.timeout", c.Webhook.Timeout); err != nil {
			return err
		}
	}

	switch dp := strings.TrimSpace(strings.ToLower(c.DefaultPlatform)); dp {
	case "":
		// resolved at wiring time to whichever transport exists
	case "telegram":
		if c.Telegram == nil {
			return fmt.Errorf("default_platform is telegram but telegram is not configured")
		}
	case "webhook":
		if c.Webhook == nil {
			return fmt.Errorf("default_platform is webhook but webhook is not configured")
		}
	default:
		return fmt.Errorf("default_platform: unknown platform %q", c.DefaultPlatform)
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"scheduler.rescan_every", c.Scheduler.RescanEvery},
		{"scheduler.retry_delay", c.Scheduler.RetryDelay},
		{"scheduler.min_publish_interval", c.Scheduler.MinPublishInterval},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Scheduler.RetryMax < 0 {
		return fmt.Errorf("scheduler.retry_max must be >= 0")
	}

	switch d := strings.TrimSpace(strings.ToLower(c.Storage.Driver)); d {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	return nil
}

// EffectiveTimezone returns the scheduler location, defaulting to UTC.
func (c *Config) EffectiveTimezone() *time.Location {
	if c == nil {
		return time.UTC
	}
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
