package engine

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"promptpace/internal/delay"
	"promptpace/internal/eventbus"
	"promptpace/internal/queue"
	"promptpace/internal/status"
)

// advance is the single transition function: timer callbacks, Start, Skip and
// end-of-seek all land here. The in-flight guard makes overlapping triggers
// collapse into the cycle already running.
func (e *Engine) advance() {
	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		e.log.Debug("advance ignored: cycle already in flight")
		return
	}
	e.inFlight = true
	// The armed wait has delivered (or been superseded); drop the handle so
	// the timer invariant holds while the cycle runs.
	e.timer = nil
	ctx := e.runCtx
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight = false
		// The forced-skip pause intent is scoped to exactly one cycle. It is
		// consumed by scheduleNext on the happy path; clearing it here covers
		// every abort exit (disabled mid-sequence, emptied queue, failed
		// dispatch) so it cannot leak into a later Start().
		e.repause = false
		e.mu.Unlock()
	}()
	e.processNext(ctx)
}

// processNext runs one dispatch cycle. This is the only place queue
// consumption happens. Every await is followed by a fresh read of the shared
// config and a re-check of the stop conditions, because both may change while
// the cycle is suspended.
func (e *Engine) processNext(ctx context.Context) {
	st, ok := e.checkRunnable()
	if !ok {
		e.Pause()
		return
	}

	// Pre-dispatch side effects (possibly multi-second). Announce the head
	// item; it is peeked, not consumed, so a concurrent removal is harmless.
	announce := ""
	if items := e.store.Items(); len(items) > 0 {
		announce = items[0].Text
	}
	e.seq.Run(ctx, st.Preflight, announce)

	// The feature may have been disabled or the queue emptied during the
	// sequencer run.
	st, ok = e.checkRunnable()
	if !ok {
		e.Pause()
		return
	}

	it, ok := e.store.DequeueHead()
	if !ok {
		e.Pause()
		return
	}

	// From here the item is no longer recoverable from the queue: any outcome
	// other than "sent" drops it. Documented behavior, kept on purpose.
	out, err := e.dispatchOne(ctx, it)
	e.record(ctx, it, out, err)

	if err != nil {
		e.stat.Set("dispatch error", status.KindError, "The dispatch collaborator failed unexpectedly; the item was not re-queued.")
		e.Pause()
		return
	}

	switch out.Status {
	case StatusSent:
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Topic: eventbus.TopicDispatched, Data: it.ID})
		}
	case StatusBlocked:
		e.stat.Set("waiting", status.KindInfo, "Host is busy; resume manually once it is free. The skipped item was not re-queued.")
		e.Pause()
		return
	case StatusNotFound:
		e.stat.Set("dispatch failed", status.KindError, reasonMessage(out))
		e.Pause()
		return
	default: // StatusFailed or anything unknown
		e.stat.Set("dispatch failed", status.KindError, reasonMessage(out))
		e.Pause()
		return
	}

	e.scheduleNext(ctx)
}

// scheduleNext arms the wait before the next cycle, or finishes the drain.
// A Pause()/Reset() issued while the dispatch was in flight overrides the
// scheduling decision here rather than aborting the completed dispatch.
func (e *Engine) scheduleNext(ctx context.Context) {
	if e.store.Len() == 0 {
		e.Pause()
		e.stat.MarkFinished()
		if st := e.cfg.Snapshot(); st.CompletionSound {
			e.seq.Completion(ctx)
		}
		return
	}

	st := e.cfg.Snapshot()
	total, smp := delayDraw(st)

	e.mu.Lock()
	e.lastSample = smp
	e.current = total
	e.timerStart = e.clock.Now()
	e.remaining = 0

	repause := e.repause
	e.repause = false
	if repause || !e.running {
		// Paused intent (forced skip from pause, or a pause that landed
		// mid-dispatch) wins: park the full new delay as the remainder.
		e.running = false
		e.remaining = total
		e.mu.Unlock()
		e.log.Info("dispatched; staying paused", slog.Duration("next_delay", total))
		return
	}
	e.armLocked(total)
	e.mu.Unlock()

	e.log.Info("next dispatch scheduled",
		slog.Duration("delay", total),
		slog.Duration("jitter", smp.Offset),
		slog.Int("queue_len", e.store.Len()))
}

// dispatchOne invokes the collaborator exactly once, converting a panic into
// a generic error outcome.
func (e *Engine) dispatchOne(ctx context.Context, it queue.Item) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic in dispatch collaborator",
				slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			out = Outcome{}
			err = errPanic{}
		}
	}()

	e.log.Debug("dispatching", slog.String("id", it.ID))
	return e.disp.Dispatch(ctx, it.Text, true)
}

type errPanic struct{}

func (errPanic) Error() string { return "dispatch collaborator panicked" }

// checkRunnable re-reads the shared config and evaluates the three stop
// conditions: feature enabled, engine marked running, queue non-empty.
func (e *Engine) checkRunnable() (Settings, bool) {
	st := e.cfg.Snapshot()
	if !st.Enabled {
		e.log.Debug("cycle stop: feature disabled")
		return st, false
	}
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		e.log.Debug("cycle stop: not running")
		return st, false
	}
	if e.store.Len() == 0 {
		return st, false
	}
	return st, true
}

// record appends the dispatch to history, best-effort.
func (e *Engine) record(ctx context.Context, it queue.Item, out Outcome, err error) {
	if e.rec == nil {
		return
	}
	rec := DispatchRecord{
		QueueID: it.ID,
		Text:    it.Text,
		Status:  out.Status,
		Reason:  out.Reason,
		Sample:  e.sample(),
		At:      e.clock.Now(),
	}
	if err != nil {
		rec.Err = err.Error()
		if rec.Status == "" {
			rec.Status = StatusFailed
		}
	}
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if rerr := e.rec.RecordDispatch(rctx, rec); rerr != nil {
		e.log.Warn("dispatch history write failed", slog.Any("err", rerr))
	}
}

func (e *Engine) sample() delay.Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSample
}

func delayDraw(st Settings) (time.Duration, delay.Sample) {
	return delay.WithJitter(st.Delay)
}

// reasonMessage maps a collaborator reason code to the human message shown in
// the status tooltip.
func reasonMessage(out Outcome) string {
	switch out.Reason {
	case "chat_not_found":
		return "Target chat not found. Check telegram.target_chat_id."
	case "forbidden":
		return "The bot is not allowed to post in the target chat."
	case "flood_wait":
		return "Telegram is rate limiting sends; wait a moment and resume."
	case "":
		if out.Status == StatusNotFound {
			return "Dispatch target not found."
		}
		return "Dispatch failed."
	default:
		return "Dispatch failed: " + out.Reason
	}
}
