// Package schedule auto-enqueues configured prompt templates on cron specs.
package schedule

import (
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type Template struct {
	Name string
	Text string
	Spec string // cron spec (5 or 6 fields) or descriptor like "@every 30m"
}

type Config struct {
	Enabled   bool
	Timezone  string // IANA TZ, e.g. "Asia/Jakarta"; empty means local
	Templates []Template
}

// EnqueueFunc pushes a template's text onto the prompt queue. Capacity
// rejections come back as an error and are logged, not retried.
type EnqueueFunc func(name, text string) error

type Service struct {
	mu sync.Mutex

	log     *slog.Logger
	cfg     Config
	enqueue EnqueueFunc

	parser  cron.Parser
	c       *cron.Cron
	running bool
}

func New(cfg Config, enqueue EnqueueFunc, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:     cfg,
		enqueue: enqueue,
		log:     log,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the config; a timezone or template change restarts cron.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	s.cfg = cfg

	if !s.running {
		return
	}
	if !cfg.Enabled {
		s.stopLocked()
		return
	}
	if strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) ||
		!reflect.DeepEqual(old.Templates, cfg.Templates) {
		s.restartLocked()
	}
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	if !s.cfg.Enabled {
		return
	}
	s.startCronLocked()
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.stopLocked()
}

func (s *Service) startCronLocked() {
	loc := s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	n := 0
	for _, t := range s.cfg.Templates {
		t := t
		_, err := s.c.AddFunc(t.Spec, func() { s.fire(t) })
		if err != nil {
			s.log.Warn("invalid cron spec; template skipped",
				slog.String("template", t.Name), slog.String("spec", t.Spec), slog.Any("err", err))
			continue
		}
		n++
	}
	s.c.Start()
	s.log.Info("schedule service started", slog.Int("templates", n), slog.String("tz", loc.String()))
}

func (s *Service) stopLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	s.log.Info("schedule service stopped")
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	s.startCronLocked()
}

func (s *Service) fire(t Template) {
	if err := s.enqueue(t.Name, t.Text); err != nil {
		s.log.Warn("scheduled prompt dropped", slog.String("template", t.Name), slog.Any("err", err))
		return
	}
	s.log.Info("scheduled prompt queued", slog.String("template", t.Name))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", slog.String("tz", tz), slog.String("err", err.Error()))
		return time.Local
	}
	return loc
}

// ValidateSpec reports whether a cron spec parses with this service's parser.
func (s *Service) ValidateSpec(spec string) error {
	_, err := s.parser.Parse(spec)
	return err
}
