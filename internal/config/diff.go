package config

import (
	"reflect"
	"sort"
	"strings"

	logx "promptpace/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Bool("dispatcher.enabled", newCfg.Dispatcher.Enabled),
			logx.String("dispatcher.delay_unit", strings.TrimSpace(newCfg.Dispatcher.DelayUnit)),
			logx.Float64("dispatcher.delay_seconds", newCfg.Dispatcher.DelaySeconds),
			logx.Float64("dispatcher.delay_minutes", newCfg.Dispatcher.DelayMinutes),
			logx.Bool("dispatcher.jitter_enabled", newCfg.Dispatcher.JitterEnabled),
			logx.Float64("dispatcher.jitter_percent", newCfg.Dispatcher.JitterPercent),
		)
	}

	if oldCfg.Preflight != newCfg.Preflight {
		changed = append(changed, "preflight")
		attrs = append(attrs,
			logx.Bool("preflight.beep", newCfg.Preflight.Beep),
			logx.Bool("preflight.speak", newCfg.Preflight.Speak),
			logx.Bool("preflight.auto_scroll", newCfg.Preflight.AutoScroll),
			logx.Bool("preflight.completion_sound", newCfg.Preflight.CompletionSound),
		)
	}

	// Schedules (nil means disabled)
	oSch, nSch := derefSchedules(oldCfg.Schedules), derefSchedules(newCfg.Schedules)
	if !reflect.DeepEqual(oSch, nSch) {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Bool("schedules.enabled", nSch.Enabled),
			logx.String("schedules.timezone", strings.TrimSpace(nSch.Timezone)),
			logx.Int("schedules.template_count", len(nSch.Templates)),
		)
	}

	// Telegram (never log token)
	if (strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") ||
		oldCfg.Telegram.ControlChatID != newCfg.Telegram.ControlChatID ||
		oldCfg.Telegram.TargetChatID != newCfg.Telegram.TargetChatID ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.RatePerSec != newCfg.Telegram.RatePerSec {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int64("telegram.control_chat_id", newCfg.Telegram.ControlChatID),
			logx.Int64("telegram.target_chat_id", newCfg.Telegram.TargetChatID),
			logx.Int("telegram.rate_per_sec", newCfg.Telegram.RatePerSec),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (nil means disabled)
	var oPathSet, nPathSet bool
	var oBusy, nBusy string
	if oldCfg.Storage != nil {
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
	}
	if newCfg.Storage != nil {
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
	}
	if oPathSet != nPathSet || oBusy != nBusy {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefSchedules(s *SchedulesConfig) SchedulesConfig {
	if s == nil {
		return SchedulesConfig{}
	}
	return *s
}
