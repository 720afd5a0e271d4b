// Package logging provides a minimal logging interface and adapters for palettemesh.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the scheduler, producers, stores and transports use for observability. This
// package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelInfo, Format: "json"})
//	sched := fanin.New(func(o *fanin.Options) { o.Logger = logger })
package logging
