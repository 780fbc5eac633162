// Package app assembles the services: config, logging, storage, the Telegram
// transport, the scheduling engine and the cron auto-enqueue, and routes live
// config updates to each of them.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"promptpace/internal/config"
	"promptpace/internal/delay"
	"promptpace/internal/engine"
	"promptpace/internal/eventbus"
	"promptpace/internal/logging"
	"promptpace/internal/preflight"
	"promptpace/internal/queue"
	"promptpace/internal/schedule"
	"promptpace/internal/status"
	"promptpace/internal/storage"
	"promptpace/internal/transport/telegram"
	logx "promptpace/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	boot   logx.Logger // zerolog bootstrap/config logger

	logSvc *logging.Service
	log    *slog.Logger

	bus    eventbus.Bus
	store  storage.Store
	stat   *status.Service
	adap   *telegram.Adapter
	eng    *engine.Engine
	sched  *schedule.Service
	router *telegram.Router

	mu      sync.Mutex
	lastCfg *config.Config

	cancel  context.CancelFunc
	stopped chan struct{}
}

func New(cfgPath string) (*App, error) {
	boot := logx.NewConsole("info")

	mgr := config.NewManager(cfgPath)
	mgr.SetLogger(boot)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
		File:    logging.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})

	bus := eventbus.New()
	stat := status.New(log.With(slog.String("svc", "status")), bus)

	store, err := storage.Open(storageConfig(cfg), boot.With(logx.String("svc", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	adap, err := telegram.New(telegramConfig(cfg), log.With(slog.String("svc", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	a := &App{
		cfgMgr:  mgr,
		boot:    boot,
		logSvc:  logSvc,
		log:     log,
		bus:     bus,
		store:   store,
		stat:    stat,
		adap:    adap,
		lastCfg: cfg,
		stopped: make(chan struct{}),
	}

	seq := preflight.New(log.With(slog.String("svc", "preflight")), a.preflightHooks())

	a.eng = engine.New(engine.Deps{
		Log:        log.With(slog.String("svc", "engine")),
		Config:     engine.ConfigFunc(a.engineSettings),
		Clock:      engine.RealClock(),
		Dispatcher: adap,
		Sequencer:  seq,
		Status:     stat,
		Bus:        bus,
		Recorder:   a.recorder(),
	})

	a.sched = schedule.New(scheduleConfig(cfg), a.enqueueScheduled, log.With(slog.String("svc", "schedule")))
	a.router = telegram.NewRouter(adap, a.eng, stat, store, log.With(slog.String("svc", "router")))

	// Reject config edits that fail validation or carry unparsable cron specs.
	mgr.SetValidator(func(ctx context.Context, c *config.Config) error {
		if err := config.Validate(c); err != nil {
			return err
		}
		if c.Schedules != nil {
			for i, t := range c.Schedules.Templates {
				if err := a.sched.ValidateSpec(t.Cron); err != nil {
					return fmt.Errorf("schedules.templates[%d].cron: %w", i, err)
				}
			}
		}
		return nil
	})

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.eng.Bind(runCtx)
	a.adap.Start(runCtx)
	a.router.Register()
	a.sched.Start()

	go a.pumpEvents(runCtx)
	go a.watchConfig(runCtx)

	a.log.Info("promptpace started",
		slog.Bool("telegram", a.adap.Enabled()),
		slog.Bool("storage", a.store != nil),
		slog.Bool("schedules", a.sched.Enabled()))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.eng.Pause()
	a.sched.Stop()
	a.adap.Stop(ctx)
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logSvc.Close()
	a.log.Info("promptpace stopped")
	return nil
}

// engineSettings is the engine's config provider: a fresh snapshot on every
// decision point, never cached.
func (a *App) engineSettings() engine.Settings {
	return engineSettingsOf(a.cfgMgr.Get())
}

// preflightHooks maps the pre-dispatch actions onto the transport: the chime
// and spoken cue land in the control chat, auto-scroll nudges the target chat
// with a typing action so the destination surfaces activity.
func (a *App) preflightHooks() preflight.Hooks {
	return preflight.Hooks{
		Beep: func(ctx context.Context) error {
			return a.adap.Notify(ctx, "🔔")
		},
		Speak: func(ctx context.Context, text string) error {
			if text == "" {
				return nil
			}
			return a.adap.Notify(ctx, "📣 up next: "+truncateForNotice(text))
		},
		Scroll: func(ctx context.Context) error {
			return a.adap.NudgeTarget(ctx)
		},
		Chime: func(ctx context.Context) error {
			return a.adap.Notify(ctx, "✅ all prompts dispatched")
		},
	}
}

func (a *App) enqueueScheduled(name, text string) error {
	_, err := a.eng.Enqueue(queue.Item{Text: text, Icon: "⏰", ButtonID: name})
	return err
}

// recorder adapts the storage layer to the engine's history interface.
func (a *App) recorder() engine.Recorder {
	if a.store == nil {
		return nil
	}
	return recorderFunc(func(ctx context.Context, rec engine.DispatchRecord) error {
		return a.store.AppendDispatch(ctx, storage.DispatchEntry{
			At:       rec.At,
			QueueID:  rec.QueueID,
			Text:     rec.Text,
			Status:   string(rec.Status),
			Reason:   rec.Reason,
			Error:    rec.Err,
			BaseMS:   rec.Sample.Base.Milliseconds(),
			OffsetMS: rec.Sample.Offset.Milliseconds(),
			TotalMS:  rec.Sample.Total.Milliseconds(),
			Percent:  rec.Sample.Percent,
		})
	})
}

type recorderFunc func(ctx context.Context, rec engine.DispatchRecord) error

func (f recorderFunc) RecordDispatch(ctx context.Context, rec engine.DispatchRecord) error {
	return f(ctx, rec)
}

// pumpEvents forwards status transitions to the control chat.
func (a *App) pumpEvents(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(32, eventbus.TopicStatusChanged)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			up, ok := ev.Data.(status.Update)
			if !ok || up.Text == "" {
				continue
			}
			msg := up.Text
			if up.Tooltip != "" {
				msg += " — " + up.Tooltip
			}
			if up.Kind == status.KindError {
				msg = "⚠️ " + msg
			}
			if err := a.adap.Notify(ctx, msg); err != nil {
				a.log.Debug("status notice not delivered", slog.Any("err", err))
			}
		}
	}
}

// watchConfig runs the file watcher and fans committed updates out to the
// services that can apply them live.
func (a *App) watchConfig(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(sub)

	go func() {
		if err := a.cfgMgr.Watch(ctx); err != nil {
			a.boot.Warn("config watch ended", logx.Err(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.mu.Lock()
	old := a.lastCfg
	a.lastCfg = cfg
	a.mu.Unlock()

	changed, attrs := config.SummarizeChange(old, cfg)
	if len(changed) == 0 {
		return
	}
	a.boot.Info("applying config update", append(attrs, logx.Any("sections", changed))...)

	for _, section := range changed {
		switch section {
		case "logging":
			a.logSvc.Apply(logging.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
				File:    logging.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
			})
		case "telegram":
			a.adap.Apply(telegramConfig(cfg))
		case "schedules":
			a.sched.Apply(scheduleConfig(cfg))
		case "dispatcher":
			a.eng.OnConfigUpdate(engineSettingsOf(old), engineSettingsOf(cfg))
		case "storage":
			a.boot.Warn("storage config changed; restart required to take effect")
		}
	}
}

func engineSettingsOf(cfg *config.Config) engine.Settings {
	if cfg == nil {
		return engine.Settings{}
	}
	d := cfg.Dispatcher
	return engine.Settings{
		Enabled: d.Enabled,
		Delay: delay.Settings{
			Unit:          strings.TrimSpace(d.DelayUnit),
			Seconds:       d.DelaySeconds,
			Minutes:       d.DelayMinutes,
			JitterEnabled: d.JitterEnabled,
			JitterPercent: d.JitterPercent,
		},
		Preflight: preflight.Flags{
			Beep:       cfg.Preflight.Beep,
			Speak:      cfg.Preflight.Speak,
			AutoScroll: cfg.Preflight.AutoScroll,
		},
		CompletionSound: cfg.Preflight.CompletionSound,
	}
}

func telegramConfig(cfg *config.Config) telegram.Config {
	poll, _ := config.DurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout, 0)
	return telegram.Config{
		Token:         cfg.Telegram.Token,
		ControlChatID: cfg.Telegram.ControlChatID,
		TargetChatID:  cfg.Telegram.TargetChatID,
		PollTimeout:   poll,
		RatePerSec:    cfg.Telegram.RatePerSec,
	}
}

func scheduleConfig(cfg *config.Config) schedule.Config {
	if cfg.Schedules == nil {
		return schedule.Config{}
	}
	out := schedule.Config{
		Enabled:  cfg.Schedules.Enabled,
		Timezone: cfg.Schedules.Timezone,
	}
	for _, t := range cfg.Schedules.Templates {
		out.Templates = append(out.Templates, schedule.Template{Name: t.Name, Text: t.Text, Spec: t.Cron})
	}
	return out
}

func storageConfig(cfg *config.Config) storage.Config {
	if cfg.Storage == nil {
		return storage.Config{}
	}
	busy, _ := config.DurationField("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}
}

func truncateForNotice(s string) string {
	rs := []rune(s)
	if len(rs) <= 120 {
		return s
	}
	return string(rs[:119]) + "…"
}
