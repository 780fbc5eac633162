// Package delay computes the inter-dispatch wait: a clamped base delay from
// the configured unit/value plus an optional uniform jitter offset.
package delay

import (
	"math"
	"math/rand"
	"time"
)

// Clamp bounds for each unit, and the fallback when the configured value is
// missing or non-finite (300s and 5min are the same duration).
const (
	MinSeconds = 10
	MaxSeconds = 64000
	MinMinutes = 1
	MaxMinutes = 64000

	DefaultSeconds = 300
	DefaultMinutes = 5
)

// Settings is the delay-relevant slice of the dispatcher config.
type Settings struct {
	Unit          string // "sec" or "min"; anything else falls back to "sec"
	Seconds       float64
	Minutes       float64
	JitterEnabled bool
	JitterPercent float64
}

// Sample records one delay draw. Only the most recent draw is retained by the
// engine; there is no history.
type Sample struct {
	Base    time.Duration
	Offset  time.Duration
	Total   time.Duration
	Percent float64
	At      time.Time
}

// Base returns the configured delay clamped to the unit's bounds.
func Base(s Settings) time.Duration {
	if s.Unit == "min" {
		v := sanitize(s.Minutes, DefaultMinutes, MinMinutes, MaxMinutes)
		return time.Duration(math.Round(v * float64(time.Minute)))
	}
	v := sanitize(s.Seconds, DefaultSeconds, MinSeconds, MaxSeconds)
	return time.Duration(math.Round(v * float64(time.Second)))
}

// WithJitter draws the total delay for one wait.
//
// The draw is intentionally unseeded: re-running the same settings yields an
// independent random outcome. A Sample is produced whether or not jitter fired.
func WithJitter(s Settings) (time.Duration, Sample) {
	base := Base(s)
	smp := Sample{Base: base, Total: base, At: time.Now()}

	if !s.JitterEnabled {
		return base, smp
	}

	pct := s.JitterPercent
	if math.IsNaN(pct) || math.IsInf(pct, 0) || pct < 0 {
		pct = 0
	}
	smp.Percent = pct

	maxOffsetMS := int64(math.Round(float64(base.Milliseconds()) * pct / 100))
	if maxOffsetMS > 0 {
		// uniform over [0, maxOffset] inclusive
		off := time.Duration(rand.Int63n(maxOffsetMS+1)) * time.Millisecond
		smp.Offset = off
		smp.Total = base + off
	}
	return smp.Total, smp
}

func sanitize(v, def, lo, hi float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
