// Package app wires the scheduling kernel together: config, logging, storage,
// transports, the publish pipeline and the timer scheduler.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/eventbus"
	"postpilot/internal/governor"
	"postpilot/internal/publish"
	"postpilot/internal/queue"
	"postpilot/internal/runtime/supervisor"
	"postpilot/internal/schedule"
	"postpilot/internal/scheduler"
	"postpilot/internal/storage"
	kit "postpilot/internal/transport"
	"postpilot/internal/transport/telegram"
	"postpilot/internal/transport/webhook"
	logx "postpilot/pkg/logx"
)

const (
	defaultStoragePath    = "./postpilot_store"
	defaultMinPublishGap  = 2 * time.Second
	defaultPublishedKeep  = 30 * 24 * time.Hour
	defaultWebhookTimeout = 15 * time.Second
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	schedules *schedule.Store
	selector  *queue.Selector
	gov       *governor.Governor
	registry  *kit.Registry
	pipeline  *publish.Pipeline
	sched     *scheduler.Service

	schedulerEnabled bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level)

	// Bring the log service up with the alert sink disabled: the notifier
	// (Telegram client) doesn't exist yet. Apply() the real config after.
	baseLogCfg := mapLogConfig(cfg)
	baseLogCfg.Alert.Enabled = false
	logSvc, log := logx.New(baseLogCfg, nil)
	log = log.With(logx.String("comp", "app"))

	// Transports
	registry := kit.NewRegistry(effectiveDefaultPlatform(cfg))
	var notifier kit.Notifier
	if cfg.Telegram != nil {
		tg, err := telegram.New(telegram.Config{
			Token:        cfg.Telegram.Token,
			Channel:      cfg.Telegram.Channel,
			OperatorChat: cfg.Telegram.OperatorChat,
			ParseMode:    cfg.Telegram.ParseMode,
		}, bootLog.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram client: %w", err)
		}
		registry.Register(tg)
		notifier = tg
	}
	if cfg.Webhook != nil {
		timeout, err := config.ParseDurationOrDefault("webhook.timeout", cfg.Webhook.Timeout, defaultWebhookTimeout)
		if err != nil {
			return nil, err
		}
		wh, err := webhook.New(webhook.Config{
			URL:     cfg.Webhook.URL,
			Secret:  cfg.Webhook.Secret,
			Timeout: timeout,
		}, log.With(logx.String("comp", "webhook")))
		if err != nil {
			return nil, fmt.Errorf("webhook client: %w", err)
		}
		registry.Register(wh)
	}

	if notifier != nil {
		logSvc.SetNotifier(notifier)
	}
	logSvc.Apply(mapLogConfig(cfg))

	bus := eventbus.New()

	// Storage
	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("storage is required (set storage.driver to file or sqlite)")
	}
	log.Info("storage opened", logx.String("driver", storeCfg.Driver), logx.String("path", storeCfg.Path))

	// Kernel
	schedules := schedule.NewStore(store, log)
	selector := queue.NewSelector(store, log)

	minGap, err := config.ParseDurationOrDefault(
		"scheduler.min_publish_interval", cfg.Scheduler.MinPublishInterval, defaultMinPublishGap)
	if err != nil {
		return nil, err
	}
	gov := governor.New(minGap)

	pipeline := publish.New(schedules, selector, gov, registry, bus, log)
	retryDelay, err := config.ParseDurationOrDefault("scheduler.retry_delay", cfg.Scheduler.RetryDelay, 5*time.Second)
	if err != nil {
		return nil, err
	}
	if cfg.Scheduler.RetryMax > 0 {
		pipeline.SetRetryPolicy(cfg.Scheduler.RetryMax, retryDelay)
	} else {
		pipeline.SetRetryPolicy(0, retryDelay)
	}

	sched := scheduler.New(schedules, pipeline, cfg.EffectiveTimezone(), log)
	if rescan, err := config.ParseDurationField("scheduler.rescan_every", cfg.Scheduler.RescanEvery); err != nil {
		return nil, err
	} else if rescan > 0 {
		sched.SetRescanEvery(rescan)
	}
	sched.SetPruner(store, defaultPublishedKeep)
	sched.SetBus(bus)

	return &App{
		cfgPath:          cfgPath,
		cfgm:             cfgm,
		log:              log,
		logs:             logSvc,
		bus:              bus,
		store:            store,
		schedules:        schedules,
		selector:         selector,
		gov:              gov,
		registry:         registry,
		pipeline:         pipeline,
		sched:            sched,
		schedulerEnabled: cfg.Scheduler.Enabled,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.reload", a.reloadLoop)

	a.sup.Go0("storage.published", func(c context.Context) {
		storage.RunPublishedSubscriber(c, a.bus, a.store, a.log)
	})
	a.sup.Go0("events.log", a.eventLogLoop)

	if a.schedulerEnabled {
		a.sup.Go("scheduler.run", a.sched.Run)
	} else {
		a.log.Warn("scheduler disabled; timers will not fire")
	}

	a.log.Info("started",
		logx.Bool("scheduler", a.schedulerEnabled),
		logx.Any("platforms", a.registry.Names()),
	)
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// reloadLoop applies hot-reloadable config: logging, governor spacing, retry
// policy. Storage and transport changes need a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			} else {
				a.log.Debug("config reload received, but no effective changes detected")
			}
			lastApplied = newCfg

			for _, s := range sections {
				switch s {
				case "storage", "telegram", "webhook", "default_platform":
					a.log.Warn("change requires restart to take effect", logx.String("section", s))
				}
			}

			a.logs.Apply(mapLogConfig(newCfg))

			if gap, err := config.ParseDurationOrDefault(
				"scheduler.min_publish_interval", newCfg.Scheduler.MinPublishInterval, defaultMinPublishGap); err == nil {
				a.gov.SetInterval(gap)
			}
			retryDelay, derr := config.ParseDurationOrDefault("scheduler.retry_delay", newCfg.Scheduler.RetryDelay, 5*time.Second)
			if derr == nil && newCfg.Scheduler.RetryMax > 0 {
				a.pipeline.SetRetryPolicy(newCfg.Scheduler.RetryMax, retryDelay)
			}

			a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded})
		}
	}
}

// eventLogLoop gives every bus event one log line, so an operator tailing the
// log sees the publish lifecycle without subscribing to anything.
func (a *App) eventLogLoop(ctx context.Context) {
	events, unsub := a.bus.Subscribe(32)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch data := ev.Data.(type) {
			case eventbus.ScheduleFired:
				a.log.Info("schedule fired", logx.String("schedule", data.ScheduleID))
			case eventbus.ScheduleChanged:
				a.log.Info("schedule "+data.Op+"d", logx.String("schedule", data.ScheduleID))
			case eventbus.PostPublished:
				a.log.Info("post published",
					logx.String("item", data.ItemID),
					logx.String("group", data.Group),
					logx.String("schedule", data.ScheduleID),
					logx.Any("platforms", data.Platforms),
				)
			case eventbus.PostFailed:
				a.log.Warn("post failed",
					logx.String("item", data.ItemID),
					logx.String("group", data.Group),
					logx.String("schedule", data.ScheduleID),
					logx.String("err", data.Err),
				)
			}
		}
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" {
		driver = "file"
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = defaultStoragePath
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func effectiveDefaultPlatform(cfg *config.Config) string {
	if dp := strings.ToLower(strings.TrimSpace(cfg.DefaultPlatform)); dp != "" {
		return dp
	}
	if cfg.Telegram != nil {
		return "telegram"
	}
	return "webhook"
}
