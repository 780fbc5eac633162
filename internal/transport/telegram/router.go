package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"promptpace/internal/engine"
	"promptpace/internal/queue"
	"promptpace/internal/status"
	"promptpace/internal/storage"
)

const helpText = `promptpace commands:
/add <text> — queue a prompt
/list — show queued prompts
/remove <n> — drop prompt n (1-based)
/run — start or resume dispatching
/pause — freeze; position is kept
/skip — dispatch the head prompt now
/seek <0..1|nn%> — scrub the current wait
/reset — stop and clear the queue
/status — engine state
/history [n] — recent dispatch outcomes`

// Router maps control-chat commands onto engine operations.
type Router struct {
	log     *slog.Logger
	adapter *Adapter
	eng     *engine.Engine
	stat    *status.Service
	hist    storage.Store
}

func NewRouter(a *Adapter, eng *engine.Engine, stat *status.Service, hist storage.Store, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	if hist == nil {
		hist = storage.Nop()
	}
	return &Router{log: log, adapter: a, eng: eng, stat: stat, hist: hist}
}

// Register installs command handlers on the bot. No-op when the transport is
// disabled.
func (r *Router) Register() {
	bot := r.adapter.Bot()
	if bot == nil {
		return
	}

	handle := func(cmd string, fn func(c tele.Context) error) {
		bot.Handle(cmd, func(c tele.Context) error {
			if !r.fromControlChat(c) {
				return nil
			}
			if err := fn(c); err != nil {
				r.log.Warn("command failed", slog.String("cmd", cmd), slog.Any("err", err))
			}
			return nil
		})
	}

	handle("/start", func(c tele.Context) error { return c.Send(helpText) })
	handle("/help", func(c tele.Context) error { return c.Send(helpText) })
	handle("/add", r.cmdAdd)
	handle("/list", r.cmdList)
	handle("/remove", r.cmdRemove)
	handle("/run", func(c tele.Context) error { r.eng.Start(); return c.Send("running") })
	handle("/pause", func(c tele.Context) error { r.eng.Pause(); return c.Send("paused") })
	handle("/skip", func(c tele.Context) error { r.eng.Skip(); return c.Send("skipping") })
	handle("/seek", r.cmdSeek)
	handle("/reset", func(c tele.Context) error { r.eng.Reset(); return c.Send("queue cleared") })
	handle("/status", r.cmdStatus)
	handle("/history", r.cmdHistory)
}

// fromControlChat drops anything that isn't the configured control chat.
func (r *Router) fromControlChat(c tele.Context) bool {
	chat := c.Chat()
	if chat == nil {
		return false
	}
	control := r.adapter.ControlChatID()
	if control == 0 || chat.ID != control {
		r.log.Debug("command ignored: not the control chat", slog.Int64("chat_id", chat.ID))
		return false
	}
	return true
}

func (r *Router) cmdAdd(c tele.Context) error {
	text := strings.TrimSpace(c.Message().Payload)
	if text == "" {
		return c.Send("usage: /add <prompt text>")
	}
	it, err := r.eng.Enqueue(queue.Item{Text: text, Icon: "✏️", ManualCard: true})
	switch err {
	case nil:
		return c.Send(fmt.Sprintf("queued %s (%d/%d)", it.ID, r.eng.QueueLen(), queue.MaxSize))
	case queue.ErrFull:
		return c.Send(fmt.Sprintf("queue is full (%d max)", queue.MaxSize))
	case queue.ErrEmptyText:
		return c.Send("usage: /add <prompt text>")
	default:
		return err
	}
}

func (r *Router) cmdList(c tele.Context) error {
	items := r.eng.Items()
	if len(items) == 0 {
		return c.Send("queue is empty")
	}
	var b strings.Builder
	for i, it := range items {
		fmt.Fprintf(&b, "%d. %s %s\n", i+1, it.Icon, truncate(it.Text, 80))
	}
	return c.Send(strings.TrimRight(b.String(), "\n"))
}

func (r *Router) cmdRemove(c tele.Context) error {
	arg := strings.TrimSpace(c.Message().Payload)
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return c.Send("usage: /remove <n> (see /list)")
	}
	if !r.eng.RemoveAt(n - 1) {
		return c.Send(fmt.Sprintf("no prompt at position %d", n))
	}
	return c.Send(fmt.Sprintf("removed %d (%d left)", n, r.eng.QueueLen()))
}

func (r *Router) cmdSeek(c tele.Context) error {
	arg := strings.TrimSpace(c.Message().Payload)
	ratio, err := parseSeek(arg)
	if err != nil {
		return c.Send("usage: /seek <0..1> or /seek <nn%>")
	}
	r.eng.Seek(ratio)
	return c.Send(fmt.Sprintf("seek to %.0f%%", ratio*100))
}

func (r *Router) cmdStatus(c tele.Context) error {
	snap := r.eng.Snapshot()
	cur, hasCur, finished := r.stat.Snapshot()

	var b strings.Builder
	switch {
	case snap.Running && snap.InFlight:
		b.WriteString("dispatching…\n")
	case snap.Running:
		fmt.Fprintf(&b, "running — next dispatch in %s\n", snap.Remaining.Round(time.Second))
	case snap.Remaining > 0:
		fmt.Fprintf(&b, "paused — %s remaining\n", snap.Remaining.Round(time.Second))
	default:
		b.WriteString("idle\n")
	}
	fmt.Fprintf(&b, "queued: %d/%d\n", snap.QueueLen, queue.MaxSize)
	if snap.Sample.Total > 0 {
		fmt.Fprintf(&b, "last delay: %s (base %s + jitter %s)\n",
			snap.Sample.Total.Round(time.Millisecond),
			snap.Sample.Base.Round(time.Millisecond),
			snap.Sample.Offset.Round(time.Millisecond))
	}
	if finished {
		b.WriteString("✅ queue fully drained\n")
	}
	if hasCur && cur.Text != "" {
		fmt.Fprintf(&b, "status: %s", cur.Text)
		if cur.Tooltip != "" {
			fmt.Fprintf(&b, " — %s", cur.Tooltip)
		}
	}
	return c.Send(strings.TrimRight(b.String(), "\n"))
}

func (r *Router) cmdHistory(c tele.Context) error {
	limit := 10
	if arg := strings.TrimSpace(c.Message().Payload); arg != "" {
		if n, err := strconv.Atoi(arg); err == nil && n > 0 && n <= 50 {
			limit = n
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	entries, err := r.hist.RecentDispatches(ctx, limit)
	if err != nil {
		if err == storage.ErrDisabled {
			return c.Send("history is disabled (no storage configured)")
		}
		return err
	}
	if len(entries) == 0 {
		return c.Send("no dispatches recorded yet")
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s  %s  %s\n", e.At.Format("01-02 15:04:05"), e.Status, truncate(e.Text, 60))
	}
	return c.Send(strings.TrimRight(b.String(), "\n"))
}

func parseSeek(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	pct := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if pct || v > 1 {
		v /= 100
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("out of range")
	}
	return v, nil
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
