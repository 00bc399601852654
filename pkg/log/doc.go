/*
Package log provides structured logging for sequoia using zerolog.

A single global Logger is configured once at startup through Init. Packages
derive child loggers instead of logging through the global directly:

	logger := log.WithComponent("poller")
	logger.Info().Int("changes", n).Msg("territory changes detected")

Helpers attach the fields operators filter on most: component, territory and
subscriber_id. JSON output is intended for production; the console writer is
the default for interactive use.

Before Init is called the Logger writes JSON to stderr, so packages used from
tests or tools still produce readable output.
*/
package log
