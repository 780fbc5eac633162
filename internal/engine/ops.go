package engine

import (
	"log/slog"
	"time"
)

// Start resumes the queue. No-op if already running, or if there is nothing
// to run (empty queue and no pause remainder).
//
// A pause remainder resumes with exactly that remainder; the conceptual start
// time is recomputed as now − (total − remainder) so elapsed-time bookkeeping
// stays consistent. With no remainder the head item dispatches immediately.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	if e.store.Len() == 0 && e.remaining <= 0 {
		e.mu.Unlock()
		e.log.Debug("start ignored: nothing queued")
		return
	}
	e.running = true

	if e.remaining > 0 {
		rem := e.remaining
		e.remaining = 0
		e.timerStart = e.clock.Now().Add(rem - e.current)
		e.armLocked(rem)
		e.mu.Unlock()
		e.log.Info("resumed", slog.Duration("remaining", rem))
		return
	}
	e.mu.Unlock()

	e.log.Info("started")
	go e.advance()
}

// Pause freezes the engine. An armed wait is cancelled and its remainder
// captured; with no wait armed (mid-dispatch, or nothing scheduled) the
// remainder stays whatever it already was. Idempotent.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.running = false
	if e.cancelTimerLocked() {
		rem := e.current - e.clock.Now().Sub(e.timerStart)
		if rem < 0 {
			rem = 0
		}
		e.remaining = rem
		e.mu.Unlock()
		e.log.Info("paused", slog.Duration("remaining", rem))
		return
	}
	e.mu.Unlock()
	e.log.Debug("paused")
}

// Reset pauses, clears the queue and zeroes all timer state.
func (e *Engine) Reset() {
	e.Pause()

	e.store.Clear()

	e.mu.Lock()
	e.remaining = 0
	e.timerStart = time.Time{}
	e.current = 0
	e.mu.Unlock()

	e.stat.ClearFinished()
	e.stat.Clear()
	e.log.Info("reset")
}

// Skip cancels any armed wait and dispatches the head item immediately.
// No-op when the queue is empty or the feature is disabled. A paused engine
// re-pauses once the forced dispatch finishes its scheduling step.
func (e *Engine) Skip() {
	if !e.cfg.Snapshot().Enabled {
		return
	}
	e.mu.Lock()
	if e.store.Len() == 0 {
		e.mu.Unlock()
		return
	}
	wasPaused := !e.running
	e.cancelTimerLocked()
	e.remaining = 0
	e.running = true
	e.repause = wasPaused
	e.mu.Unlock()

	e.log.Info("skip", slog.Bool("was_paused", wasPaused))
	go e.advance()
}

// Seek scrubs the current wait to ratio∈[0,1] of the total delay.
//
// Running with a live timer: the wait is re-armed for the new remaining time;
// seeking within the immediate-dispatch threshold of the end acts as a skip.
// Paused with a remainder: only the remainder is overwritten, nothing arms.
// Anything else is a logged no-op.
func (e *Engine) Seek(ratio float64) {
	if ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}

	e.mu.Lock()
	switch {
	case e.running && e.timer != nil:
		elapsed := time.Duration(ratio * float64(e.current))
		rem := e.current - elapsed
		e.cancelTimerLocked()

		if rem <= seekSkipThreshold {
			e.remaining = 0
			e.mu.Unlock()
			e.log.Debug("seek at end; dispatching now", slog.Float64("ratio", ratio))
			go e.advance()
			return
		}
		e.timerStart = e.clock.Now().Add(-elapsed)
		e.armLocked(rem)
		e.mu.Unlock()
		e.log.Debug("seek", slog.Float64("ratio", ratio), slog.Duration("remaining", rem))

	case !e.running && e.remaining > 0:
		rem := e.current - time.Duration(ratio*float64(e.current))
		if rem < 0 {
			rem = 0
		}
		e.remaining = rem
		e.mu.Unlock()
		e.log.Debug("seek while paused", slog.Float64("ratio", ratio), slog.Duration("remaining", rem))

	default:
		e.mu.Unlock()
		e.log.Debug("seek ignored: no wait in progress", slog.Float64("ratio", ratio))
	}
}

// Recalculate re-derives the wait after a delay/jitter config change while a
// wait is armed. Time already served counts against the new total: if the new
// total is already consumed the next cycle begins immediately, otherwise the
// wait is re-armed for the difference. No-op when the feature is disabled or
// no wait is armed.
func (e *Engine) Recalculate() {
	st := e.cfg.Snapshot()
	if !st.Enabled {
		return
	}

	e.mu.Lock()
	if !e.running || e.timer == nil {
		e.mu.Unlock()
		return
	}
	e.cancelTimerLocked()

	elapsed := e.clock.Now().Sub(e.timerStart)
	total, smp := delayDraw(st)
	e.lastSample = smp
	e.current = total

	if elapsed >= total {
		e.mu.Unlock()
		e.log.Info("delay recalculated; already elapsed", slog.Duration("total", total), slog.Duration("elapsed", elapsed))
		go e.advance()
		return
	}
	e.armLocked(total - elapsed)
	e.mu.Unlock()
	e.log.Info("delay recalculated", slog.Duration("total", total), slog.Duration("remaining", total-elapsed))
}

// OnConfigUpdate reacts to a live config change: disabling the feature
// freezes the engine (queue and remainder preserved); a delay/jitter change
// while a wait is armed recalculates it.
func (e *Engine) OnConfigUpdate(old, cur Settings) {
	if old.Enabled && !cur.Enabled {
		e.log.Info("feature disabled; freezing")
		e.Pause()
		return
	}
	if cur.Enabled && old.Delay != cur.Delay {
		e.Recalculate()
	}
}
