// Package logging provides structured logging with per-module log levels.
//
// Every package asks for its own logger:
//
//	logger := logging.GetLogger("flash")
//	logger.Info("Flash state changed", "from", "PRE_ON", "to", "PRE_AE_DONE")
//
// Records go to stdout (text or json), to the systemd journal when
// journald is reachable, and to an in-memory ring buffer that backs the
// /api/logs endpoint and the SSE log stream.
//
// Levels are set globally and can be overridden per module:
//
//	[logging]
//	level = "info"
//	format = "text"
//
//	[logging.modules]
//	flash = "debug"
//	selector = "warn"
//
// Module levels live in a slog.LevelVar, so loggers obtained before
// Initialize follow the configured level once it runs.
//
// Journal entries carry SYSLOG_IDENTIFIER=campipe and the record attributes
// as upper-case fields:
//
//	journalctl -t campipe MODULE=flash
package logging
