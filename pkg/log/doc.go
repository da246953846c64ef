/*
Package log provides structured logging for Corral using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support
filtering by severity for production debugging.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	logger := log.WithComponent("doctor")
	logger.Info().Str("node_id", "gpu-01").Msg("Problem detected")

Context helpers WithNodeID and WithJobID attach the respective field so
deeply nested calls never have to re-specify it.

# Output Format

JSON (production):

	{"level":"info","component":"queue","job_id":"a1b2","time":"2026-08-24T10:30:00Z","message":"Job claimed"}

Console (development):

	10:30AM INF Job claimed component=queue job_id=a1b2

Use Info level in production; Debug is verbose enough to matter on hot
paths like heartbeat ingestion. Never log payloads or credentials.
*/
package log
