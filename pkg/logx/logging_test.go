package logx

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" info ", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestZeroValueLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero value not reported as zero")
	}
	// None of these may panic or write.
	l.Info("ignored")
	l.With(String("k", "v")).Warn("ignored", Err(errors.New("x")))
}

func TestNopLoggerIsNotZero(t *testing.T) {
	t.Parallel()
	l := Nop()
	if l.IsZero() {
		t.Fatal("Nop logger reported as zero; callers use IsZero to detect missing loggers")
	}
	l.Error("discarded")
}

func TestWithAccumulatesFields(t *testing.T) {
	t.Parallel()
	base := Nop().With(String("svc", "test"))
	derived := base.With(Int("n", 1), Bool("ok", true))
	if len(derived.fields) != 3 {
		t.Fatalf("fields = %d, want 3", len(derived.fields))
	}
	// The parent must be unaffected.
	if len(base.fields) != 1 {
		t.Fatalf("parent fields = %d, want 1", len(base.fields))
	}
}

func TestServiceLoggerSurvivesApply(t *testing.T) {
	t.Parallel()
	svc, log := New(Config{Level: "info", Console: false})
	defer func() { _ = svc.Close() }()

	if log.Enabled(LevelDebug) {
		t.Fatal("debug enabled at info level")
	}
	svc.Apply(Config{Level: "debug", Console: false})
	if !log.Enabled(LevelDebug) {
		t.Fatal("level change did not reach the live logger")
	}
}
