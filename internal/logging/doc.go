// Package logging assembles structured slog loggers and formatting helpers used
// across storesync components.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so worker code can tag log lines
// with account names, queue item IDs, and correlation IDs. A no-op logger is
// provided for tests and wiring code that cannot fail.
package logging
