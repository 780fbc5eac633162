package engine

import "time"

// Timer is the handle for one armed wait.
type Timer interface {
	// Stop cancels the pending callback. Safe to call more than once.
	Stop() bool
}

// Clock abstracts time so the engine can run against a virtual clock in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }
