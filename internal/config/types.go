package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

type Config struct {
	// Dispatcher controls the queue scheduling engine: the feature toggle,
	// the inter-dispatch delay, and the jitter draw.
	Dispatcher DispatcherConfig `json:"dispatcher"`

	// Preflight toggles the best-effort side effects that run before each
	// dispatch (chime, spoken cue, scroll) plus the completion chime.
	Preflight PreflightConfig `json:"preflight,omitempty"`

	// Schedules optionally auto-enqueues prompt templates on cron specs.
	Schedules *SchedulesConfig `json:"schedules,omitempty"`

	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Storage enables the sqlite dispatch history. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`
}

// DispatcherConfig mirrors the engine's decision inputs. The engine re-reads
// it at every decision point, so edits here take effect mid-cycle.
//
// Delay bounds: delay_seconds is clamped to [10, 64000], delay_minutes to
// [1, 64000]. Missing or non-finite values fall back to 300s / 5min.
type DispatcherConfig struct {
	Enabled bool `json:"enabled"`

	// DelayUnit selects which delay value applies: "sec" or "min".
	DelayUnit    string  `json:"delay_unit,omitempty"`
	DelaySeconds float64 `json:"delay_seconds,omitempty"`
	DelayMinutes float64 `json:"delay_minutes,omitempty"`

	JitterEnabled bool    `json:"jitter_enabled,omitempty"`
	JitterPercent float64 `json:"jitter_percent,omitempty"`
}

type PreflightConfig struct {
	Beep            bool `json:"beep,omitempty"`
	Speak           bool `json:"speak,omitempty"`
	AutoScroll      bool `json:"auto_scroll,omitempty"`
	CompletionSound bool `json:"completion_sound,omitempty"`
}

type SchedulesConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone is an IANA TZ name, e.g. "Asia/Jakarta". Empty means local.
	Timezone  string           `json:"timezone,omitempty"`
	Templates []PromptTemplate `json:"templates,omitempty"`
}

// PromptTemplate is a prompt text enqueued automatically on a cron spec.
type PromptTemplate struct {
	Name string `json:"name"`
	Text string `json:"text"`
	// Cron accepts 5-field and 6-field (with seconds) specs plus descriptors
	// like "@every 30m".
	Cron string `json:"cron"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// ControlChatID is the only chat whose commands are honored.
	ControlChatID int64 `json:"control_chat_id"`
	// TargetChatID is where dispatched prompts are delivered.
	TargetChatID int64 `json:"target_chat_id"`

	// PollTimeout is a Go duration string (default "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// RatePerSec caps outbound sends (default 3).
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console,omitempty"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (default "5s").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// Validate checks structural correctness and collects every problem found.
// Cron spec syntax is validated by the schedule service (it owns the parser).
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.TrimSpace(cfg.Dispatcher.DelayUnit) {
	case "", "sec", "min":
	default:
		errs = append(errs, fmt.Errorf("dispatcher.delay_unit: must be \"sec\" or \"min\", got %q", cfg.Dispatcher.DelayUnit))
	}
	if v := cfg.Dispatcher.DelaySeconds; math.IsNaN(v) || math.IsInf(v, 0) {
		errs = append(errs, errors.New("dispatcher.delay_seconds: must be finite"))
	}
	if v := cfg.Dispatcher.DelayMinutes; math.IsNaN(v) || math.IsInf(v, 0) {
		errs = append(errs, errors.New("dispatcher.delay_minutes: must be finite"))
	}
	if v := cfg.Dispatcher.JitterPercent; math.IsNaN(v) || math.IsInf(v, 0) {
		errs = append(errs, errors.New("dispatcher.jitter_percent: must be finite"))
	}

	if _, err := DurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	if cfg.Telegram.RatePerSec < 0 {
		errs = append(errs, errors.New("telegram.rate_per_sec: must be >= 0"))
	}

	if s := cfg.Schedules; s != nil {
		for i, t := range s.Templates {
			if strings.TrimSpace(t.Text) == "" {
				errs = append(errs, fmt.Errorf("schedules.templates[%d]: text is empty", i))
			}
			if strings.TrimSpace(t.Cron) == "" {
				errs = append(errs, fmt.Errorf("schedules.templates[%d]: cron is empty", i))
			}
		}
	}

	if st := cfg.Storage; st != nil {
		if strings.TrimSpace(st.Path) == "" {
			errs = append(errs, errors.New("storage.path: required when storage is set"))
		}
		if _, err := DurationField("storage.busy_timeout", st.BusyTimeout, 0); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
