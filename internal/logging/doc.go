// Package logging provides a small leveled logger for photocache.
//
// Levels are DEBUG, INFO, WARN and ERROR, plus FATAL which exits. The level
// comes from DEBUG=true or LOG_LEVEL (debug, info, warn, error) and can be
// overridden with [SetLevel]. Components obtain a prefixed logger with
// [For], e.g. logging.For("ledger").Warn(...).
package logging
