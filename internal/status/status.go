// Package status is the engine's observability surface: the latest
// human-readable status line and the finished indicator.
package status

import (
	"log/slog"
	"sync"

	"promptpace/internal/eventbus"
)

type Kind string

const (
	KindInfo    Kind = "info"
	KindError   Kind = "error"
	KindSuccess Kind = "success"
)

// Update is one status line. Tooltip carries the longer human message
// (e.g. the mapped failure reason).
type Update struct {
	Text    string
	Kind    Kind
	Tooltip string
}

// Sink is what the engine talks to. Implementations must be cheap and
// side-effect-free from the engine's perspective.
type Sink interface {
	Set(text string, kind Kind, tooltip string)
	Clear()
	MarkFinished()
	ClearFinished()
}

// Service keeps the latest status and finished flag, logs every transition
// and republishes it on the event bus for the transport layer.
type Service struct {
	mu sync.Mutex

	log *slog.Logger
	bus eventbus.Bus

	cur      Update
	hasCur   bool
	finished bool
}

var _ Sink = (*Service)(nil)

func New(log *slog.Logger, bus eventbus.Bus) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log, bus: bus}
}

func (s *Service) Set(text string, kind Kind, tooltip string) {
	s.mu.Lock()
	s.cur = Update{Text: text, Kind: kind, Tooltip: tooltip}
	s.hasCur = true
	s.mu.Unlock()

	switch kind {
	case KindError:
		s.log.Warn("status", slog.String("text", text), slog.String("detail", tooltip))
	default:
		s.log.Info("status", slog.String("text", text), slog.String("kind", string(kind)))
	}
	s.publish(eventbus.TopicStatusChanged, s.cur)
}

func (s *Service) Clear() {
	s.mu.Lock()
	s.cur = Update{}
	s.hasCur = false
	s.mu.Unlock()

	s.publish(eventbus.TopicStatusChanged, Update{})
}

func (s *Service) MarkFinished() {
	s.mu.Lock()
	already := s.finished
	s.finished = true
	s.mu.Unlock()

	if already {
		return
	}
	s.log.Info("queue drained")
	s.publish(eventbus.TopicQueueFinished, true)
}

func (s *Service) ClearFinished() {
	s.mu.Lock()
	changed := s.finished
	s.finished = false
	s.mu.Unlock()

	if changed {
		s.publish(eventbus.TopicQueueFinished, false)
	}
}

// Snapshot returns the current status (if any) and the finished flag.
func (s *Service) Snapshot() (Update, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur, s.hasCur, s.finished
}

func (s *Service) publish(topic string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Topic: topic, Data: data})
}
