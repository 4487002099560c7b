/*
Package log owns Ferret's structured logging: one zerolog root logger,
configured once at startup, with helpers that derive tagged child
loggers per component, orchestration, or stage.

# Configuration

Init builds the root logger and sets the global level. serve calls it
from config at startup and again on hot reload:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true, // console format when false
	})

Until Init runs the root logger discards everything, which keeps unit
tests quiet without fixture plumbing.

# Tagged children

Every component derives its logger once and keeps it:

	logger := log.WithComponent("resource-broker")
	logger.Info().Str("pool", "workers").Float64("amount", 8).Msg("reserved")

	stageLog := log.WithStage("orch-123", "stage-456")
	stageLog.Error().Err(err).Int("attempt", 2).Msg("stage failed")

WithOrchestration tags a whole run's lifecycle; WithStage adds the
stage id on top. Ad hoc fields go on the event, not the logger.

# Output

JSON (production):

	{"level":"info","component":"scheduler","time":"2026-08-25T10:30:00Z","message":"orchestration admitted"}
	{"level":"error","component":"executor","orchestration_id":"orch-123","stage_id":"stage-456","error":"connection refused","time":"2026-08-25T10:30:02Z","message":"stage failed"}

Console (development):

	10:30:00 INF orchestration admitted component=scheduler
	10:30:02 ERR stage failed component=executor orchestration_id=orch-123 error="connection refused"

# Conventions

Errors go through .Err() so aggregators can group them. IDs and
quantities are fields, never interpolated into the message. Scan
payloads and credentials stay out of the log entirely.

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
