// Package logging provides structured logging for the autowriter coordinator.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// context propagation, so that a single coordinator log can be sliced per
// session, stage or realtime subscriber after the fact.
//
// # Features
//
//   - JSON-formatted structured logging via slog
//   - Configurable log levels (DEBUG, INFO, WARN, ERROR), adjustable at runtime
//   - Context propagation (session ID, stage, subscriber ID, component)
//   - Log rotation with configurable size limits and optional gzip compression
//   - Aggregation across rotated files, filtering, and JSON/text/CSV rendering
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers created
// via With* methods share the underlying writer and level.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/var/lib/autowriter/logs", "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.Info("coordinator started", "addr", ":8080")
//
// # Context Propagation
//
//	stageLogger := logger.WithSession("3f1c...").WithStage("planning")
//	stageLogger.Warn("stage attempt failed", "attempt", 2, "class", "transient")
//
// Output:
//
//	{"time":"...","level":"WARN","msg":"stage attempt failed","session_id":"3f1c...","stage":"planning","attempt":2,"class":"transient"}
//
// # Reading Logs Back
//
//	entries, err := logging.AggregateLogs(logDir)
//	entries = logging.FilterLogs(entries, logging.LogFilter{SessionID: id, Level: "WARN"})
//	_ = logging.WriteEntries(os.Stdout, entries, "text")
package logging
