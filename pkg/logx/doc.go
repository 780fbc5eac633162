// Package logx provides a small zerolog-backed structured logger with
// runtime-swappable sinks. It exists so early-bootstrap components (config
// loading, process wiring) can log before the slog pipeline is built.
package logx
