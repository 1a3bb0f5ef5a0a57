// Package logging provides structured logging with per-module log level configuration.
//
// Records fan out to stdout, the systemd journal when journald is reachable,
// an optional rotating file, and an in-memory ring buffer that backs the
// /api/logs endpoint.
//
// Initialize the logging system once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"supervisor": "debug",
//			"api":        "warn",
//		},
//	})
//
// Get a logger for your module:
//
//	logger := logging.GetLogger("orchestrator").With("stream_id", id)
//	logger.Info("Stream started", "pid", pid)
//
// Loggers obtained before Initialize are cached and pick up the configured
// level through their LevelVar.
//
// When running under systemd:
//
//	journalctl -t camrelay -f
//	journalctl -t camrelay MODULE=supervisor STREAM_ID=<id>
//
// Example TOML configuration:
//
//	[logging]
//	level = "info"
//	format = "text"
//	file = "/var/log/camrelay/camrelay.log"
//
//	[logging.modules]
//	ffmpeg = "warn"
package logging
