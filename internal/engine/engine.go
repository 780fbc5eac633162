// Package engine is the queue scheduling state machine: it owns the pending
// prompt queue, drives the delay timer, sequences pre-dispatch side effects
// and interprets dispatch outcomes.
//
// The engine is event-driven: external triggers (start/skip/seek) and the
// timer callback all funnel into one advance() transition, guarded so at most
// one dispatch cycle is in flight. There is no polling loop. Shared
// configuration is re-read after every suspension point because it may change
// while an await is pending.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"promptpace/internal/eventbus"
	"promptpace/internal/preflight"
	"promptpace/internal/queue"
	"promptpace/internal/status"

	"promptpace/internal/delay"
)

// seekSkipThreshold: seeking this close to the end dispatches immediately
// instead of arming a sub-perceptible wait.
const seekSkipThreshold = 500 * time.Millisecond

type Deps struct {
	Log        *slog.Logger
	Config     ConfigProvider
	Clock      Clock
	Dispatcher Dispatcher
	Sequencer  *preflight.Sequencer
	Status     status.Sink
	Bus        eventbus.Bus
	Recorder   Recorder // optional
}

type Engine struct {
	mu sync.Mutex

	log   *slog.Logger
	cfg   ConfigProvider
	clock Clock
	disp  Dispatcher
	seq   *preflight.Sequencer
	stat  status.Sink
	bus   eventbus.Bus
	rec   Recorder

	store *queue.Store

	// Timer state. Invariants:
	//   - running and remaining > 0 are never both true;
	//   - timer != nil iff running and a wait is actually armed (not mid-dispatch).
	running    bool
	timer      Timer
	timerStart time.Time
	current    time.Duration // total delay in effect for the current wait
	remaining  time.Duration // remainder captured at pause; 0 otherwise

	// inFlight prevents overlapping dispatch cycles.
	inFlight bool
	// repause restores the paused intent after a forced skip dispatch.
	repause bool

	lastSample delay.Sample

	runCtx context.Context
}

func New(d Deps) *Engine {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = RealClock()
	}
	e := &Engine{
		log:    d.Log,
		cfg:    d.Config,
		clock:  d.Clock,
		disp:   d.Dispatcher,
		seq:    d.Sequencer,
		stat:   d.Status,
		bus:    d.Bus,
		rec:    d.Recorder,
		runCtx: context.Background(),
	}
	e.store = queue.NewStore(e.queueChanged)
	return e
}

// Bind installs the context used by dispatch cycles. Call once before use;
// cancelling the context stops in-flight waits from rescheduling.
func (e *Engine) Bind(ctx context.Context) {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()
}

// Queue returns the underlying store snapshot for display.
func (e *Engine) Items() []queue.Item { return e.store.Items() }

func (e *Engine) QueueLen() int { return e.store.Len() }

// Enqueue appends a prompt at the tail. A full queue is rejected silently
// (logged, surfaced only as the returned error for a transient UI signal).
// Any successful enqueue clears the finished flag.
func (e *Engine) Enqueue(it queue.Item) (queue.Item, error) {
	it.AutoSend = true
	added, err := e.store.Enqueue(it)
	if err != nil {
		if err == queue.ErrFull {
			e.log.Warn("enqueue rejected: queue full", slog.Int("max", queue.MaxSize))
		}
		return queue.Item{}, err
	}
	e.stat.ClearFinished()
	e.log.Debug("prompt queued", slog.String("id", added.ID), slog.Int("len", e.store.Len()))
	return added, nil
}

// RemoveAt drops the item at the given display index. Clears the finished
// flag on success.
func (e *Engine) RemoveAt(i int) bool {
	it, ok := e.store.RemoveAt(i)
	if !ok {
		return false
	}
	e.stat.ClearFinished()
	e.log.Debug("prompt removed", slog.String("id", it.ID), slog.Int("len", e.store.Len()))
	return true
}

// Snapshot reports the live state for the status surface.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	rem := e.remaining
	if e.running && e.timer != nil {
		rem = e.current - e.clock.Now().Sub(e.timerStart)
		if rem < 0 {
			rem = 0
		}
	}
	return Snapshot{
		Running:   e.running,
		InFlight:  e.inFlight,
		QueueLen:  e.store.Len(),
		Delay:     e.current,
		Remaining: rem,
		Sample:    e.lastSample,
	}
}

func (e *Engine) queueChanged() {
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Topic: eventbus.TopicQueueChanged, Data: e.store.Len()})
	}
}

// armLocked schedules the next advance. Any previously armed wait is
// cancelled first; at most one timer exists at a time.
func (e *Engine) armLocked(d time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = e.clock.AfterFunc(d, e.advance)
}

// cancelTimerLocked stops an armed wait, if any. Returns whether one existed.
func (e *Engine) cancelTimerLocked() bool {
	if e.timer == nil {
		return false
	}
	e.timer.Stop()
	e.timer = nil
	return true
}
