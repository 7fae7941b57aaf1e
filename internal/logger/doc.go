// Package logger provides a simple, thread-safe logging facility.
//
// The logger supports four levels: Debug, Info, Warn, and Error.
// Each log entry includes a timestamp, level, optional scope, and message.
// The scope is usually an operation name ("read", "insert") or a component
// ("client", "api").
//
// # Basic Usage
//
//	logger.Info("", "kvstress started")
//	logger.Info("client", "started %d workers", n)
//	logger.Debug("insert", "request failed: %v", err)
//
// Creating a custom logger:
//
//	l := logger.New(os.Stderr, logger.LevelDebug)
//	l.Debug("read", "batch of %d keys", n)
//
// Levels can be parsed from configuration with ParseLevel.
package logger
