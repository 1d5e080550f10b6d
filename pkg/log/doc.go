/*
Package log provides structured logging for warden using zerolog.

The package wraps a single global zerolog.Logger, initialized once via
log.Init(), with helpers for attaching per-component and per-worker
context so every log line from the supervisor, its auxiliaries, and
spawned workers can be correlated without threading a logger through
every call.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	log.WithComponent("boot").Info().Str("data_directory", dir).Msg("warden starting")
	log.WithWorker(workerID).Warn().Msg("authentication timed out")

Console output (the default, used interactively) renders human-readable
lines; JSONOutput switches to one JSON object per line for log
aggregation pipelines.
*/
package log
