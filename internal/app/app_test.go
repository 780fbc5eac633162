package app

import (
	"strings"
	"testing"
	"time"

	"promptpace/internal/config"
)

func TestEngineSettingsOf(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Dispatcher: config.DispatcherConfig{
			Enabled:       true,
			DelayUnit:     " min ",
			DelayMinutes:  2,
			JitterEnabled: true,
			JitterPercent: 10,
		},
		Preflight: config.PreflightConfig{Beep: true, CompletionSound: true},
	}

	st := engineSettingsOf(cfg)
	if !st.Enabled || st.Delay.Unit != "min" || st.Delay.Minutes != 2 {
		t.Fatalf("settings: %+v", st)
	}
	if !st.Delay.JitterEnabled || st.Delay.JitterPercent != 10 {
		t.Fatalf("jitter: %+v", st.Delay)
	}
	if !st.Preflight.Beep || !st.CompletionSound {
		t.Fatalf("preflight: %+v", st)
	}

	if got := engineSettingsOf(nil); got.Enabled {
		t.Fatal("nil config must map to disabled settings")
	}
}

func TestTelegramConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Telegram: config.TelegramConfig{Token: "t", PollTimeout: "15s", RatePerSec: 2}}
	tc := telegramConfig(cfg)
	if tc.PollTimeout != 15*time.Second || tc.RatePerSec != 2 {
		t.Fatalf("telegram config: %+v", tc)
	}
}

func TestScheduleConfigNil(t *testing.T) {
	t.Parallel()
	sc := scheduleConfig(&config.Config{})
	if sc.Enabled || len(sc.Templates) != 0 {
		t.Fatalf("schedule config: %+v", sc)
	}

	sc = scheduleConfig(&config.Config{Schedules: &config.SchedulesConfig{
		Enabled:   true,
		Timezone:  "UTC",
		Templates: []config.PromptTemplate{{Name: "n", Text: "t", Cron: "@daily"}},
	}})
	if !sc.Enabled || sc.Timezone != "UTC" || len(sc.Templates) != 1 || sc.Templates[0].Spec != "@daily" {
		t.Fatalf("schedule config: %+v", sc)
	}
}

func TestStorageConfigNil(t *testing.T) {
	t.Parallel()
	if sc := storageConfig(&config.Config{}); sc.Path != "" {
		t.Fatalf("storage config: %+v", sc)
	}
	sc := storageConfig(&config.Config{Storage: &config.StorageConfig{Path: "/tmp/x.db", BusyTimeout: "2s"}})
	if sc.Path != "/tmp/x.db" || sc.BusyTimeout != 2*time.Second {
		t.Fatalf("storage config: %+v", sc)
	}
}

func TestTruncateForNotice(t *testing.T) {
	t.Parallel()
	if got := truncateForNotice("short"); got != "short" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("y", 200)
	got := truncateForNotice(long)
	if len([]rune(got)) != 120 || !strings.HasSuffix(got, "…") {
		t.Fatalf("got %d runes: %q", len([]rune(got)), got)
	}
}
