package config

import (
	"strings"

	logx "postpilot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (tokens, webhook secrets) are never
// included, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	oTG := derefTelegram(oldCfg.Telegram)
	nTG := derefTelegram(newCfg.Telegram)
	if (oldCfg.Telegram != nil) != (newCfg.Telegram != nil) || oTG != nTG {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.present", newCfg.Telegram != nil),
			logx.Bool("telegram.token_set", strings.TrimSpace(nTG.Token) != ""),
			logx.String("telegram.channel", strings.TrimSpace(nTG.Channel)),
			logx.Bool("telegram.operator_chat_set", nTG.OperatorChat != 0),
		)
	}

	oWH := derefWebhook(oldCfg.Webhook)
	nWH := derefWebhook(newCfg.Webhook)
	if (oldCfg.Webhook != nil) != (newCfg.Webhook != nil) || oWH != nWH {
		changed = append(changed, "webhook")
		attrs = append(attrs,
			logx.Bool("webhook.present", newCfg.Webhook != nil),
			logx.String("webhook.url", strings.TrimSpace(nWH.URL)),
			logx.Bool("webhook.secret_set", strings.TrimSpace(nWH.Secret) != ""),
			logx.String("webhook.timeout", strings.TrimSpace(nWH.Timeout)),
		)
	}

	if strings.TrimSpace(oldCfg.DefaultPlatform) != strings.TrimSpace(newCfg.DefaultPlatform) {
		changed = append(changed, "default_platform")
		attrs = append(attrs, logx.String("default_platform", strings.TrimSpace(newCfg.DefaultPlatform)))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.rescan_every", strings.TrimSpace(newCfg.Scheduler.RescanEvery)),
			logx.Int("scheduler.retry_max", newCfg.Scheduler.RetryMax),
			logx.String("scheduler.min_publish_interval", strings.TrimSpace(newCfg.Scheduler.MinPublishInterval)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	return changed, attrs
}

func derefTelegram(t *TelegramConfig) TelegramConfig {
	if t == nil {
		return TelegramConfig{}
	}
	return *t
}

func derefWebhook(w *WebhookConfig) WebhookConfig {
	if w == nil {
		return WebhookConfig{}
	}
	return *w
}
