package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/camrelay/cmd"
	"github.com/smazurov/camrelay/internal/api"
	"github.com/smazurov/camrelay/internal/config"
	"github.com/smazurov/camrelay/internal/events"
	"github.com/smazurov/camrelay/internal/ffmpeg"
	"github.com/smazurov/camrelay/internal/history"
	"github.com/smazurov/camrelay/internal/logging"
	"github.com/smazurov/camrelay/internal/metrics"
	"github.com/smazurov/camrelay/internal/process"
	"github.com/smazurov/camrelay/internal/streams"
	"github.com/smazurov/camrelay/internal/streams/store"
	"github.com/smazurov/camrelay/internal/systemd"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config  string `help:"Path to configuration file" short:"c" default:"config.toml"`
	EnvFile string `help:"Path to .env file loaded before the environment is read" default:".env"`

	// Server settings
	Port string `help:"Address to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Streams settings
	StreamsFile  string `help:"Durable stream store" default:"data/streams.toml" toml:"streams.file" env:"STREAMS_FILE"`
	StreamsWatch bool   `help:"Reconcile when the stream store is edited on disk" default:"true" toml:"streams.watch" env:"STREAMS_WATCH"`

	// Relay settings
	RelayRTMPBaseURL    string `help:"RTMP base URL workers publish to" default:"rtmp://localhost/live" toml:"relay.rtmp_base_url" env:"RELAY_RTMP_BASE_URL"`
	RelayCommand        string `help:"Worker command, e.g. 'nice -n 10 ffmpeg'" default:"ffmpeg" toml:"relay.command" env:"RELAY_COMMAND"`
	RelayRequiredScheme string `help:"Scheme every source URI must use" default:"rtsp" toml:"relay.required_scheme" env:"RELAY_REQUIRED_SCHEME"`

	// Supervisor settings
	SupervisorGraceTimeout string `help:"Wait after SIGINT before SIGKILL" default:"5s" toml:"supervisor.grace_timeout" env:"SUPERVISOR_GRACE_TIMEOUT"`
	SupervisorKillTimeout  string `help:"Wait after SIGKILL before giving up" default:"5s" toml:"supervisor.kill_timeout" env:"SUPERVISOR_KILL_TIMEOUT"`
	SupervisorRetryBackoff string `help:"Delay before restarting a crashed worker" default:"5s" toml:"supervisor.retry_backoff" env:"SUPERVISOR_RETRY_BACKOFF"`

	// Worker output
	WorkersLogDir string `help:"Directory for per-camera worker logs (empty disables)" default:"" toml:"workers.log_dir" env:"WORKERS_LOG_DIR"`

	// History settings
	HistoryDSN string `help:"SQLite database for lifecycle history (empty disables)" default:"" toml:"history.dsn" env:"HISTORY_DSN"`

	// Logging settings
	LoggingLevel  string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if err := config.LoadDotEnv(opts.EnvFile); err != nil {
			slog.Warn("Failed to load .env file", "error", err)
		}
		if err := config.LoadConfig(opts, cli.Root()); err != nil {
			slog.Warn("Failed to load config", "error", err)
		}

		loggingConfig := config.LoadLoggingConfig(opts.Config)
		loggingConfig.Level = opts.LoggingLevel
		loggingConfig.Format = opts.LoggingFormat
		logging.Initialize(loggingConfig)

		logger := logging.GetLogger("main")

		graceTimeout := parseDuration(logger, "supervisor.grace_timeout", opts.SupervisorGraceTimeout, streams.DefaultGraceTimeout)
		killTimeout := parseDuration(logger, "supervisor.kill_timeout", opts.SupervisorKillTimeout, 5*time.Second)
		retryBackoff := parseDuration(logger, "supervisor.retry_backoff", opts.SupervisorRetryBackoff, streams.DefaultRetryBackoff)

		// Create event bus for in-process event handling
		eventBus := events.New()

		var logSeq atomic.Uint64
		logging.SetLogCallback(func(e logging.LogEntry) {
			eventBus.Publish(events.LogEntryEvent{
				Seq:        logSeq.Add(1),
				Timestamp:  e.Timestamp.Format(time.RFC3339Nano),
				Level:      e.Level,
				Module:     e.Module,
				Message:    e.Message,
				Attributes: e.Attributes,
			})
		})

		streamStore, storeErr := store.Open(opts.StreamsFile)
		if storeErr != nil {
			logger.Warn("Stream store unavailable, changes will not persist", "file", opts.StreamsFile, "error", storeErr)
		}

		prefix, err := process.ParseCommand(opts.RelayCommand)
		if err != nil {
			logger.Error("Invalid relay command", "command", opts.RelayCommand, "error", err)
			os.Exit(1)
		}

		supervisor := process.NewSupervisor(process.Options{
			Logger:       logging.GetLogger("supervisor"),
			OutputLogger: logging.GetLogger("ffmpeg"),
			LogParser:    ffmpeg.ParseLogLevel,
			Output:       streams.WorkerLogFiles(opts.WorkersLogDir, loggingConfig.Rotate),
			KillTimeout:  killTimeout,
		})

		orchestrator := streams.NewOrchestrator(streams.Options{
			Store:          streamStore,
			Supervisor:     supervisor,
			EventBus:       eventBus,
			Logger:         logging.GetLogger("orchestrator"),
			CommandBuilder: streams.FFmpegCommand(prefix, opts.RelayRTMPBaseURL),
			RequiredScheme: opts.RelayRequiredScheme,
			GraceTimeout:   graceTimeout,
			RetryBackoff:   retryBackoff,
			RTMPBaseURL:    opts.RelayRTMPBaseURL,
		})

		apiOpts := &api.Options{
			StreamService:     orchestrator,
			EventBus:          eventBus,
			PrometheusHandler: metrics.Handler(),
		}

		var sink *history.Sink
		unsubscribeHistory := func() {}
		if opts.HistoryDSN != "" {
			sink, err = history.New(opts.HistoryDSN)
			if err != nil {
				logger.Warn("History disabled", "dsn", opts.HistoryDSN, "error", err)
			} else {
				unsubscribeHistory = sink.Subscribe(eventBus)
				apiOpts.History = sink
			}
		}

		server := api.NewServer(apiOpts)
		notifier := systemd.NewNotifier(logging.GetLogger("systemd"))

		ctx, cancel := context.WithCancel(context.Background())

		var watcher *config.Watcher[map[string]any]
		if opts.StreamsWatch && storeErr == nil {
			watcher = config.NewConfigWatcher(
				opts.StreamsFile,
				config.ReadTOML,
				logging.GetLogger("watcher"),
			)
			watcher.OnReload(func(map[string]any) {
				notifier.Reloading()
				if reloadErr := orchestrator.Reload(ctx); reloadErr != nil {
					logger.Warn("Stream reload finished with errors", "error", reloadErr)
				}
				notifier.Ready()
			})
		}

		hooks.OnStart(func() {
			go orchestrator.Run(ctx)

			if initErr := orchestrator.Initialize(ctx); initErr != nil {
				logger.Warn("Some streams failed to start", "error", initErr)
			}

			if watcher != nil {
				if watchErr := watcher.Start(); watchErr != nil {
					logger.Warn("Failed to watch stream store, hot-reload disabled", "error", watchErr)
				}
			}

			notifier.Status(fmt.Sprintf("Supervising %d streams", len(orchestrator.List(ctx))))
			notifier.Ready()
			go notifier.Watchdog(ctx)

			logger.Info("Starting HTTP server", "port", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			notifier.Stopping()

			if stopErr := server.Stop(); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}
			if watcher != nil {
				_ = watcher.Stop()
			}

			// Stop all workers after the HTTP server stops accepting requests
			if shutdownErr := orchestrator.Shutdown(graceTimeout); shutdownErr != nil {
				logger.Error("Workers did not stop cleanly", "error", shutdownErr)
			}
			cancel()

			unsubscribeHistory()
			if sink != nil {
				if closeErr := sink.Close(); closeErr != nil {
					logger.Warn("Failed to close history", "error", closeErr)
				}
			}
			_ = logging.Close()
		})
	})

	cli.Root().AddCommand(cmd.CreateStreamCmd())
	cli.Root().AddCommand(cmd.CreateStreamsCmd())

	cli.Run()
}

func parseDuration(logger *slog.Logger, key, value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		logger.Warn("Invalid duration, using default", "key", key, "value", value, "default", fallback)
		return fallback
	}
	return d
}
