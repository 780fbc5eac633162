// Package preflight runs the optional side effects that precede a dispatch:
// a notification chime, a spoken announcement and an auto-scroll of the
// display. Every effect is best-effort; a failing hook never blocks dispatch.
package preflight

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

// Flags are the independently toggleable pre-dispatch actions.
type Flags struct {
	Beep       bool
	Speak      bool
	AutoScroll bool
}

// Hooks are the host-supplied effect handlers. Nil hooks are skipped.
type Hooks struct {
	// Beep plays a short notification tone.
	Beep func(ctx context.Context) error
	// Speak announces the upcoming prompt.
	Speak func(ctx context.Context, text string) error
	// Scroll performs one "scroll everything to the bottom" pass.
	Scroll func(ctx context.Context) error
	// Chime plays the completion sound after a full queue drain.
	Chime func(ctx context.Context) error
}

const (
	scrollPasses = 3
	scrollPacing = 120 * time.Millisecond
	scrollSettle = 150 * time.Millisecond
)

// Sequencer runs enabled effects in the fixed order: beep, speak, scroll.
type Sequencer struct {
	log   *slog.Logger
	hooks Hooks
}

func New(log *slog.Logger, hooks Hooks) *Sequencer {
	if log == nil {
		log = slog.Default()
	}
	return &Sequencer{log: log, hooks: hooks}
}

// Run executes the enabled pre-dispatch actions for one cycle. It returns
// once all enabled effects finished (or failed); it never returns an error.
func (s *Sequencer) Run(ctx context.Context, f Flags, announce string) {
	if f.Beep && s.hooks.Beep != nil {
		s.attempt("beep", func() error { return s.hooks.Beep(ctx) })
	}
	if f.Speak && s.hooks.Speak != nil {
		s.attempt("speak", func() error { return s.hooks.Speak(ctx, announce) })
	}
	if f.AutoScroll && s.hooks.Scroll != nil {
		s.autoScroll(ctx)
	}
}

// Completion fires the drain chime. Best-effort like everything else here.
func (s *Sequencer) Completion(ctx context.Context) {
	if s.hooks.Chime == nil {
		return
	}
	s.attempt("completion chime", func() error { return s.hooks.Chime(ctx) })
}

// autoScroll runs the fixed three passes spaced by the pacing interval,
// then waits the settle pause so late layout shifts land before dispatch.
func (s *Sequencer) autoScroll(ctx context.Context) {
	for i := 0; i < scrollPasses; i++ {
		if ctx.Err() != nil {
			return
		}
		s.attempt("auto-scroll", func() error { return s.hooks.Scroll(ctx) })
		if i < scrollPasses-1 && !sleepCtx(ctx, scrollPacing) {
			return
		}
	}
	sleepCtx(ctx, scrollSettle)
}

// attempt runs one effect behind a panic/error boundary.
func (s *Sequencer) attempt(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in pre-dispatch action",
				slog.String("action", name), slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()
	if err := fn(); err != nil {
		s.log.Warn("pre-dispatch action failed", slog.String("action", name), slog.Any("err", err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
