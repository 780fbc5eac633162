package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"promptpace/internal/delay"
	"promptpace/internal/preflight"
	"promptpace/internal/queue"
	"promptpace/internal/status"
)

// ---- fakes ----

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	t := &fakeTimer{c: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return t
}

// Advance moves the clock and fires due timers synchronously.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}

func (c *fakeClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []string
	outs []Outcome
	errs []error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, text string, _ bool) (Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, text)
	out := Outcome{Status: StatusSent}
	if len(d.outs) > 0 {
		out = d.outs[0]
		d.outs = d.outs[1:]
	}
	var err error
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	}
	return out, err
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func (d *fakeDispatcher) texts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sent))
	copy(out, d.sent)
	return out
}

type fakeSink struct {
	mu       sync.Mutex
	text     string
	kind     status.Kind
	tooltip  string
	has      bool
	finished bool
}

func (s *fakeSink) Set(text string, kind status.Kind, tooltip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text, s.kind, s.tooltip, s.has = text, kind, tooltip, true
}

func (s *fakeSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text, s.kind, s.tooltip, s.has = "", "", "", false
}

func (s *fakeSink) MarkFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
}

func (s *fakeSink) ClearFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = false
}

func (s *fakeSink) snapshot() (string, status.Kind, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text, s.kind, s.has, s.finished
}

type cfgHolder struct {
	mu sync.Mutex
	st Settings
}

func (h *cfgHolder) Snapshot() Settings {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.st
}

func (h *cfgHolder) set(st Settings) {
	h.mu.Lock()
	h.st = st
	h.mu.Unlock()
}

// ---- helpers ----

func testSettings() Settings {
	return Settings{
		Enabled: true,
		Delay:   delay.Settings{Unit: "sec", Seconds: 60},
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeClock, *fakeDispatcher, *fakeSink, *cfgHolder) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := newFakeClock()
	disp := &fakeDispatcher{}
	sink := &fakeSink{}
	cfg := &cfgHolder{st: testSettings()}
	e := New(Deps{
		Log:        log,
		Config:     cfg,
		Clock:      clk,
		Dispatcher: disp,
		Sequencer:  preflight.New(log, preflight.Hooks{}),
		Status:     sink,
	})
	return e, clk, disp, sink, cfg
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustEnqueue(t *testing.T, e *Engine, texts ...string) {
	t.Helper()
	for _, txt := range texts {
		if _, err := e.Enqueue(queue.Item{Text: txt}); err != nil {
			t.Fatalf("enqueue %q: %v", txt, err)
		}
	}
}

// ---- tests ----

func TestDrainQueueInOrder(t *testing.T) {
	t.Parallel()
	e, clk, disp, sink, _ := newTestEngine(t)
	mustEnqueue(t, e, "one", "two", "three")

	e.Start()
	waitUntil(t, "first dispatch and armed wait", func() bool {
		return disp.count() == 1 && clk.armed() == 1
	})

	clk.Advance(60 * time.Second)
	if disp.count() != 2 {
		t.Fatalf("dispatched = %d, want 2", disp.count())
	}
	clk.Advance(60 * time.Second)
	if disp.count() != 3 {
		t.Fatalf("dispatched = %d, want 3", disp.count())
	}

	got := disp.texts()
	want := []string{"one", "two", "three"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", got, want)
		}
	}

	snap := e.Snapshot()
	if snap.Running || snap.QueueLen != 0 || snap.Remaining != 0 {
		t.Fatalf("after drain: %+v", snap)
	}
	if _, _, _, finished := sink.snapshot(); !finished {
		t.Fatal("finished flag not set after drain")
	}
}

func TestEnqueueClearsFinished(t *testing.T) {
	t.Parallel()
	e, clk, disp, sink, _ := newTestEngine(t)
	mustEnqueue(t, e, "only")

	e.Start()
	waitUntil(t, "drain", func() bool {
		_, _, _, fin := sink.snapshot()
		return disp.count() == 1 && fin
	})
	_ = clk

	mustEnqueue(t, e, "again")
	if _, _, _, fin := sink.snapshot(); fin {
		t.Fatal("finished flag survived a new enqueue")
	}
}

func TestPauseCapturesRemainderAndResumes(t *testing.T) {
	t.Parallel()
	e, clk, disp, _, _ := newTestEngine(t)
	mustEnqueue(t, e, "one", "two")

	e.Start()
	waitUntil(t, "armed wait", func() bool { return clk.armed() == 1 })

	clk.Advance(20 * time.Second)
	e.Pause()

	snap := e.Snapshot()
	if snap.Running {
		t.Fatal("still running after pause")
	}
	if snap.Remaining != 40*time.Second {
		t.Fatalf("remaining = %v, want 40s", snap.Remaining)
	}
	if clk.armed() != 0 {
		t.Fatal("timer left armed after pause")
	}

	// Pause is idempotent.
	e.Pause()
	if got := e.Snapshot().Remaining; got != 40*time.Second {
		t.Fatalf("remaining after second pause = %v, want 40s", got)
	}

	e.Start()
	snap = e.Snapshot()
	if !snap.Running || snap.Remaining != 40*time.Second {
		t.Fatalf("after resume: %+v", snap)
	}

	clk.Advance(40 * time.Second)
	if disp.count() != 2 {
		t.Fatalf("dispatched = %d, want 2 after remainder elapsed", disp.count())
	}
}

func TestStartIgnoredWhenNothingQueued(t *testing.T) {
	t.Parallel()
	e, clk, disp, _, _ := newTestEngine(t)

	e.Start()
	time.Sleep(10 * time.Millisecond)
	if disp.count() != 0 || clk.armed() != 0 || e.Snapshot().Running {
		t.Fatal("start on an empty engine should be a no-op")
	}
}

func TestSeekReArmsRemaining(t *testing.T) {
	t.Parallel()
	e, clk, disp, _, _ := newTestEngine(t)
	mustEnqueue(t, e, "one", "two")

	e.Start()
	waitUntil(t, "armed wait", func() bool { return clk.armed() == 1 })

	clk.Advance(20 * time.Second)
	e.Seek(0.5) // 60s total: elapsed becomes 30s, 30s left

	if got := e.Snapshot().Remaining; got != 30*time.Second {
		t.Fatalf("remaining after seek = %v, want 30s", got)
	}

	clk.Advance(29 * time.Second)
	if disp.count() != 1 {
		t.Fatal("dispatched early after seek")
	}
	clk.Advance(time.Second)
	if disp.count() != 2 {
		t.Fatalf("dispatched = %d, want 2 after seeked wait elapsed", disp.count())
	}
}

func TestSeekNearEndDispatchesImmediately(t *testing.T) {
	t.Parallel()
	e, clk, disp, _, _ := newTestEngine(t)
	mustEnqueue(t, e, "one", "two")

	e.Start()
	waitUntil(t, "armed wait", func() bool { return clk.armed() == 1 })

	e.Seek(1.0)
	waitUntil(t, "immediate dispatch", func() bool { return disp.count() == 2 })
}

func TestSeekWhilePausedOverwritesRemainder(t *testing.T) {
	t.Parallel()
	e, clk, disp, _, _ := newTestEngine(t)
	mustEnqueue(t, e, "one", "two")

	e.Start()
	waitUntil(t, "armed wait", func() bool { return clk.armed() == 1 })
	e.Pause()

	e.Seek(0.75) // 60s total: 15s left
	snap := e.Snapshot()
	if snap.Running || snap.Remaining != 15*time.Second {
		t.Fatalf("after paused seek: %+v", snap)
	}
	if clk.armed() != 0 {
		t.Fatal("paused seek must not arm a timer")
	}
	_ = disp
}

func TestSeekIgnoredWhenIdle(t *testing.T) {
	t.Parallel()
	e, clk, _, _, _ := newTestEngine(t)
	mustEnqueue(t, e, "one")

	e.Seek(0.5)
	if clk.armed() != 0 || e.Snapshot().Remaining != 0 {
		t.Fatal("seek with no wait in progress should change nothing")
	}
}

func TestSkipDispatchesNow(t *testing.T) {
	t.Parallel()
	e, clk, disp, _, _ := newTestEngine(t)
	mustEnqueue(t, e, "one", "two", "three")

	e.Start()
	waitUntil(t, "armed wait", func() bool { return clk.armed() == 1 })

	e.Skip()
	waitUntil(t, "forced dispatch and re-armed wait", func() bool {
		return disp.count() == 2 && clk.armed() == 1
	})
	snap := e.Snapshot()
	if !snap.Running {
		t.Fatal("skip from a running engine should stay running")
	}
	if e.QueueLen() != 1 {
		t.Fatalf("queue len = %d, want 1", e.QueueLen())
	}
}

func TestSkipWhilePausedStaysPaused(t *testing.T) {
	t.Parallel()
	e, clk, disp, _, _ := newTestEngine(t)
	mustEnqueue(t, e, "one", "two")

	e.Skip()
	waitUntil(t, "forced dispatch", func() bool { return disp.count() == 1 })
	waitUntil(t, "repause", func() bool {
		snap := e.Snapshot()
		return !snap.Running && snap.Remaining == 60*time.Second
	})
	if clk.armed() != 0 {
		t.Fatal("timer armed despite paused intent")
	}
	if e.QueueLen() != 1 {
		t.Fatalf("queue len = %d, want 1", e.QueueLen())
	}
}

func TestSkipAbortedMidSequenceDoesNotLeakPauseIntent(t *testing.T) {
	t.Parallel()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := newFakeClock()
	disp := &fakeDispatcher{}
	sink := &fakeSink{}

	withSpeak := testSettings()
	withSpeak.Preflight = preflight.Flags{Speak: true}
	cfg := &cfgHolder{st: withSpeak}

	// The spoken announcement disables the feature, so the forced cycle
	// aborts at the post-sequencer re-check without dequeuing anything.
	hooks := preflight.Hooks{
		Speak: func(context.Context, string) error {
			off := withSpeak
			off.Enabled = false
			cfg.set(off)
			return nil
		},
	}
	e := New(Deps{
		Log:        log,
		Config:     cfg,
		Clock:      clk,
		Dispatcher: disp,
		Sequencer:  preflight.New(log, hooks),
		Status:     sink,
	})
	mustEnqueue(t, e, "one", "two")

	e.Skip() // engine is paused, so this arms the re-pause intent
	waitUntil(t, "aborted cycle", func() bool {
		snap := e.Snapshot()
		return !snap.Running && !snap.InFlight
	})
	if disp.count() != 0 {
		t.Fatalf("dispatched = %d, want 0 (cycle aborted before dequeue)", disp.count())
	}
	if e.QueueLen() != 2 {
		t.Fatalf("queue len = %d, want 2", e.QueueLen())
	}

	// Re-enable and start: the head must dispatch and the next wait must arm.
	// A leftover re-pause intent from the aborted skip would park the engine
	// instead.
	cfg.set(testSettings())
	e.Start()
	waitUntil(t, "dispatch and armed wait", func() bool {
		return disp.count() == 1 && clk.armed() == 1
	})
	if snap := e.Snapshot(); !snap.Running {
		t.Fatal("started engine re-paused itself after an aborted skip")
	}
}

func TestSkipIgnoredWhenDisabledOrEmpty(t *testing.T) {
	t.Parallel()
	e, _, disp, _, cfg := newTestEngine(t)

	e.Skip() // empty queue
	time.Sleep(10 * time.Millisecond)
	if disp.count() != 0 {
		t.Fatal("skip on an empty queue dispatched")
	}

	mustEnqueue(t, e, "one")
	st := testSettings()
	st.Enabled = false
	cfg.set(st)
	e.Skip()
	time.Sleep(10 * time.Millisecond)
	if disp.count() != 0 {
		t.Fatal("skip dispatched while the feature is disabled")
	}
}

func TestResetClearsEverything(t *testing.T) {
	t.Parallel()
	e, clk, _, sink, _ := newTestEngine(t)
	mustEnqueue(t, e, "one", "two")

	e.Start()
	waitUntil(t, "armed wait", func() bool { return clk.armed() == 1 })
	clk.Advance(10 * time.Second)

	e.Reset()
	snap := e.Snapshot()
	if snap.Running || snap.QueueLen != 0 || snap.Remaining != 0 || snap.Delay != 0 {
		t.Fatalf("after reset: %+v", snap)
	}
	if clk.armed() != 0 {
		t.Fatal("timer survived reset")
	}
	if _, _, has, fin := sink.snapshot(); has || fin {
		t.Fatal("status survived reset")
	}
}

func TestQueueIDsNotReusedAcrossReset(t *testing.T) {
	t.Parallel()
	e, _, _, _, _ := newTestEngine(t)

	first, err := e.Enqueue(queue.Item{Text: "one"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e.Reset()
	second, err := e.Enqueue(queue.Item{Text: "two"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("id %q reused after reset", first.ID)
	}
}

func TestBlockedOutcomeFreezesAndDropsItem(t *testing.T) {
	t.Parallel()
	e, clk, disp, sink, _ := newTestEngine(t)
	disp.outs = []Outcome{{Status: StatusBlocked, Reason: "flood_wait"}}
	mustEnqueue(t, e, "one", "two")

	e.Start()
	waitUntil(t, "freeze on blocked", func() bool {
		text, kind, has, _ := sink.snapshot()
		return has && text == "waiting" && kind == status.KindInfo
	})
	waitUntil(t, "engine paused", func() bool { return !e.Snapshot().Running })

	if e.QueueLen() != 1 {
		t.Fatalf("queue len = %d, want 1 (blocked item is not re-queued)", e.QueueLen())
	}
	if clk.armed() != 0 {
		t.Fatal("timer armed after a blocked outcome")
	}
}

func TestFailedOutcomeFreezesWithError(t *testing.T) {
	t.Parallel()
	e, _, disp, sink, _ := newTestEngine(t)
	disp.outs = []Outcome{{Status: StatusNotFound, Reason: "chat_not_found"}}
	mustEnqueue(t, e, "one")

	e.Start()
	waitUntil(t, "freeze on failure", func() bool {
		text, kind, has, _ := sink.snapshot()
		return has && text == "dispatch failed" && kind == status.KindError
	})
	waitUntil(t, "engine paused", func() bool { return !e.Snapshot().Running })
}

func TestDisabledMidWaitFreezesWithoutConsuming(t *testing.T) {
	t.Parallel()
	e, clk, disp, _, cfg := newTestEngine(t)
	mustEnqueue(t, e, "one", "two")

	e.Start()
	waitUntil(t, "armed wait", func() bool { return clk.armed() == 1 })

	st := testSettings()
	st.Enabled = false
	cfg.set(st)

	clk.Advance(60 * time.Second)
	if disp.count() != 1 {
		t.Fatalf("dispatched = %d, want 1 (no dispatch while disabled)", disp.count())
	}
	if e.Snapshot().Running {
		t.Fatal("still running after disabled cycle fired")
	}
	if e.QueueLen() != 1 {
		t.Fatalf("queue len = %d, want 1 (head must not be consumed)", e.QueueLen())
	}
}

func TestDelayChangeRecalculatesArmedWait(t *testing.T) {
	t.Parallel()
	e, clk, disp, _, cfg := newTestEngine(t)
	mustEnqueue(t, e, "one", "two")

	e.Start()
	waitUntil(t, "armed wait", func() bool { return clk.armed() == 1 })
	clk.Advance(20 * time.Second)

	old := cfg.Snapshot()
	cur := testSettings()
	cur.Delay.Seconds = 30
	cfg.set(cur)
	e.OnConfigUpdate(old, cur)

	snap := e.Snapshot()
	if snap.Delay != 30*time.Second {
		t.Fatalf("delay = %v, want 30s after recalc", snap.Delay)
	}
	if snap.Remaining != 10*time.Second {
		t.Fatalf("remaining = %v, want 10s (20s already served)", snap.Remaining)
	}

	clk.Advance(10 * time.Second)
	if disp.count() != 2 {
		t.Fatalf("dispatched = %d, want 2", disp.count())
	}
}

func TestDelayChangeAlreadyElapsedDispatchesNow(t *testing.T) {
	t.Parallel()
	e, clk, disp, _, cfg := newTestEngine(t)
	mustEnqueue(t, e, "one", "two")

	e.Start()
	waitUntil(t, "armed wait", func() bool { return clk.armed() == 1 })
	clk.Advance(40 * time.Second)

	old := cfg.Snapshot()
	cur := testSettings()
	cur.Delay.Seconds = 30 // clamped total already served
	cfg.set(cur)
	e.OnConfigUpdate(old, cur)

	waitUntil(t, "immediate dispatch", func() bool { return disp.count() == 2 })
}

func TestDisableViaConfigUpdateFreezes(t *testing.T) {
	t.Parallel()
	e, clk, _, _, cfg := newTestEngine(t)
	mustEnqueue(t, e, "one", "two")

	e.Start()
	waitUntil(t, "armed wait", func() bool { return clk.armed() == 1 })
	clk.Advance(15 * time.Second)

	old := cfg.Snapshot()
	cur := testSettings()
	cur.Enabled = false
	cfg.set(cur)
	e.OnConfigUpdate(old, cur)

	snap := e.Snapshot()
	if snap.Running {
		t.Fatal("running after disable")
	}
	if snap.Remaining != 45*time.Second {
		t.Fatalf("remaining = %v, want 45s preserved", snap.Remaining)
	}
	if e.QueueLen() != 1 {
		t.Fatalf("queue len = %d, want 1", e.QueueLen())
	}
}

func TestDispatcherErrorFreezes(t *testing.T) {
	t.Parallel()
	e, _, disp, sink, _ := newTestEngine(t)
	disp.errs = []error{context.DeadlineExceeded}
	mustEnqueue(t, e, "one")

	e.Start()
	waitUntil(t, "freeze on error", func() bool {
		text, kind, has, _ := sink.snapshot()
		return has && text == "dispatch error" && kind == status.KindError
	})
}

type panicDispatcher struct{}

func (panicDispatcher) Dispatch(context.Context, string, bool) (Outcome, error) {
	panic("boom")
}

func TestDispatchPanicIsContained(t *testing.T) {
	t.Parallel()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := newFakeClock()
	sink := &fakeSink{}
	e := New(Deps{
		Log:        log,
		Config:     &cfgHolder{st: testSettings()},
		Clock:      clk,
		Dispatcher: panicDispatcher{},
		Sequencer:  preflight.New(log, preflight.Hooks{}),
		Status:     sink,
	})
	mustEnqueue(t, e, "one")

	e.Start()
	waitUntil(t, "freeze after panic", func() bool {
		text, _, has, _ := sink.snapshot()
		return has && text == "dispatch error"
	})
	if e.Snapshot().Running {
		t.Fatal("running after a panicking dispatch")
	}
}

type recordingRecorder struct {
	mu   sync.Mutex
	recs []DispatchRecord
}

func (r *recordingRecorder) RecordDispatch(_ context.Context, rec DispatchRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *recordingRecorder) all() []DispatchRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DispatchRecord, len(r.recs))
	copy(out, r.recs)
	return out
}

func TestRecorderSeesEveryDispatch(t *testing.T) {
	t.Parallel()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := newFakeClock()
	disp := &fakeDispatcher{outs: []Outcome{{Status: StatusSent}, {Status: StatusFailed, Reason: "forbidden"}}}
	rec := &recordingRecorder{}
	e := New(Deps{
		Log:        log,
		Config:     &cfgHolder{st: testSettings()},
		Clock:      clk,
		Dispatcher: disp,
		Sequencer:  preflight.New(log, preflight.Hooks{}),
		Status:     &fakeSink{},
		Recorder:   rec,
	})
	mustEnqueue(t, e, "one", "two")

	e.Start()
	waitUntil(t, "first record", func() bool { return len(rec.all()) == 1 && clk.armed() == 1 })
	clk.Advance(60 * time.Second)

	recs := rec.all()
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].Status != StatusSent || recs[0].QueueID == "" || recs[0].Text != "one" {
		t.Fatalf("first record: %+v", recs[0])
	}
	if recs[1].Status != StatusFailed || recs[1].Reason != "forbidden" {
		t.Fatalf("second record: %+v", recs[1])
	}
}
