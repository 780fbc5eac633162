// Package telegram is the transport: queue commands come in from the control
// chat, dispatched prompts and status notices go out through the same bot.
package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"promptpace/internal/engine"
)

type Config struct {
	Token         string
	ControlChatID int64
	TargetChatID  int64
	PollTimeout   time.Duration // default 10s
	RatePerSec    int           // default 3
}

// Adapter owns the telebot instance. With an empty token it degrades to a
// disabled no-op so the engine keeps working without Telegram.
type Adapter struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger

	bot     *tele.Bot
	limiter *rate.Limiter

	runMu   sync.Mutex
	running bool
	runWG   sync.WaitGroup
}

func New(cfg Config, log *slog.Logger) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{cfg: cfg, log: log}
	a.limiter = rate.NewLimiter(rate.Limit(ratePerSec(cfg)), ratePerSec(cfg))

	if strings.TrimSpace(cfg.Token) == "" {
		log.Warn("telegram token empty; transport disabled")
		return a, nil
	}

	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	a.bot = b
	return a, nil
}

func ratePerSec(cfg Config) int {
	if cfg.RatePerSec <= 0 {
		return 3
	}
	return cfg.RatePerSec
}

func (a *Adapter) Enabled() bool { return a.bot != nil }

// Bot exposes the underlying bot for command registration.
func (a *Adapter) Bot() *tele.Bot { return a.bot }

// ControlChatID reports the chat whose commands are honored.
func (a *Adapter) ControlChatID() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.ControlChatID
}

// Apply updates the live-tunable knobs. Token and chat id changes need a
// process restart; they are logged and ignored here.
func (a *Adapter) Apply(cfg Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if strings.TrimSpace(cfg.Token) != strings.TrimSpace(a.cfg.Token) {
		a.log.Warn("telegram token changed; restart required to take effect")
	}
	a.cfg.ControlChatID = cfg.ControlChatID
	a.cfg.TargetChatID = cfg.TargetChatID
	a.cfg.RatePerSec = cfg.RatePerSec
	a.limiter = rate.NewLimiter(rate.Limit(ratePerSec(cfg)), ratePerSec(cfg))
}

// Start begins long-polling. Returns immediately; polling runs until ctx ends.
func (a *Adapter) Start(ctx context.Context) {
	if a.bot == nil {
		return
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return
	}
	a.running = true
	a.runMu.Unlock()

	a.runWG.Add(2)
	go func() {
		defer a.runWG.Done()
		<-ctx.Done()
		a.bot.Stop()
	}()
	go func() {
		defer a.runWG.Done()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop()
		a.log.Info("polling stopped")
	}()
}

// Stop waits for the poller to exit, bounded by ctx. Telegram long-poll can
// linger; never block shutdown on it.
func (a *Adapter) Stop(ctx context.Context) {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if !wasRunning {
		return
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
	}
}

// Dispatch delivers one prompt to the target chat. This is the engine's
// dispatch collaborator; outcomes follow the engine's taxonomy.
func (a *Adapter) Dispatch(ctx context.Context, text string, forceAutoSend bool) (engine.Outcome, error) {
	_ = forceAutoSend // transport always sends; the flag exists for collaborators that support drafts

	a.mu.Lock()
	bot := a.bot
	target := a.cfg.TargetChatID
	lim := a.limiter
	a.mu.Unlock()

	if bot == nil {
		return engine.Outcome{Status: engine.StatusFailed, Reason: "transport_disabled"}, nil
	}
	if target == 0 {
		return engine.Outcome{Status: engine.StatusNotFound, Reason: "chat_not_found"}, nil
	}
	if err := lim.Wait(ctx); err != nil {
		return engine.Outcome{}, err
	}

	_, err := bot.Send(tele.ChatID(target), text)
	if err != nil {
		return mapSendError(err), nil
	}
	return engine.Outcome{Status: engine.StatusSent}, nil
}

// Notify sends a short notice to the control chat, best-effort.
func (a *Adapter) Notify(ctx context.Context, text string) error {
	a.mu.Lock()
	bot := a.bot
	control := a.cfg.ControlChatID
	lim := a.limiter
	a.mu.Unlock()

	if bot == nil || control == 0 {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	_, err := bot.Send(tele.ChatID(control), text)
	return err
}

// NudgeTarget pokes the target chat with a typing action so the destination
// surfaces activity before a dispatch. Best-effort.
func (a *Adapter) NudgeTarget(ctx context.Context) error {
	a.mu.Lock()
	bot := a.bot
	target := a.cfg.TargetChatID
	lim := a.limiter
	a.mu.Unlock()

	if bot == nil || target == 0 {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	return bot.Notify(tele.ChatID(target), tele.Typing)
}

// mapSendError translates telebot errors into dispatch outcomes.
func mapSendError(err error) engine.Outcome {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return engine.Outcome{Status: engine.StatusBlocked, Reason: "flood_wait"}
	}
	if errors.Is(err, tele.ErrChatNotFound) {
		return engine.Outcome{Status: engine.StatusNotFound, Reason: "chat_not_found"}
	}
	if errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrKickedFromGroup) {
		return engine.Outcome{Status: engine.StatusFailed, Reason: "forbidden"}
	}
	return engine.Outcome{Status: engine.StatusFailed, Reason: err.Error()}
}
