package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smazurov/camrelay/internal/config"
	"github.com/smazurov/camrelay/internal/events"
	"github.com/smazurov/camrelay/internal/ffmpeg"
	"github.com/smazurov/camrelay/internal/logging"
	"github.com/smazurov/camrelay/internal/process"
	"github.com/smazurov/camrelay/internal/streams"
	"github.com/smazurov/camrelay/internal/streams/store"
	"github.com/spf13/cobra"
)

// CreateStreamCmd creates the stream command.
func CreateStreamCmd() *cobra.Command {
	var opts streamOptions

	cmd := &cobra.Command{
		Use:   "stream [stream-id]",
		Short: "Relay a single camera in the foreground",
		Long: `Runs the relay worker for one stream from the stream store, restarting it after crashes. ` +
			`Edits to the store file are followed: a changed source restarts the worker and removing the ` +
			`stream ends the command. The store file itself is never written.`,
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			os.Exit(runStream(args[0], opts))
		},
	}

	cmd.Flags().StringVar(&opts.streamsFile, "streams-file", store.DefaultPath, "Path to the stream store")
	cmd.Flags().StringVar(&opts.rtmpBaseURL, "rtmp-base-url", streams.DefaultRTMPBaseURL, "RTMP base URL the worker publishes to")
	cmd.Flags().StringVar(&opts.relayCommand, "relay-command", ffmpeg.Binary, "Worker command, e.g. 'nice -n 10 ffmpeg'")
	cmd.Flags().StringVar(&opts.requiredScheme, "required-scheme", streams.DefaultRequiredScheme, "Scheme the source URI must use")
	cmd.Flags().DurationVar(&opts.graceTimeout, "grace-timeout", streams.DefaultGraceTimeout, "Wait after SIGINT before SIGKILL")
	cmd.Flags().DurationVar(&opts.retryBackoff, "retry-backoff", streams.DefaultRetryBackoff, "Delay before restarting a crashed worker")
	cmd.Flags().BoolVar(&opts.logJSON, "log-json", false, "Use JSON log format")

	return cmd
}

type streamOptions struct {
	streamsFile    string
	rtmpBaseURL    string
	relayCommand   string
	requiredScheme string
	graceTimeout   time.Duration
	retryBackoff   time.Duration
	logJSON        bool
}

// runStream relays streamID until it is removed from the store, its worker
// stops for good or the process is signalled. It returns the exit code.
func runStream(streamID string, opts streamOptions) int {
	loggingConfig := logging.Config{Level: "info", Format: "text"}
	if opts.logJSON {
		loggingConfig.Format = "json"
	}
	logging.Initialize(loggingConfig)
	logger := logging.GetLogger("stream").With("stream_id", streamID)

	logger.Info("Starting stream command", "streams_file", opts.streamsFile)

	fileStore := store.NewTOML(opts.streamsFile)
	if err := fileStore.Load(); err != nil {
		logger.Error("Failed to load stream store", "error", err)
		return 1
	}
	rec, exists := fileStore.Get(streamID)
	if !exists {
		logger.Error("Stream not found")
		return 1
	}

	// status lives in memory so the daemon's file is left alone
	memStore := store.NewMemory()
	if _, err := memStore.Upsert(rec.Configuration); err != nil {
		logger.Error("Failed to stage stream", "error", err)
		return 1
	}

	prefix, err := process.ParseCommand(opts.relayCommand)
	if err != nil {
		logger.Error("Invalid relay command", "command", opts.relayCommand, "error", err)
		return 1
	}

	eventBus := events.New()
	orchestrator := streams.NewOrchestrator(streams.Options{
		Store: memStore,
		Supervisor: process.NewSupervisor(process.Options{
			Logger:       logger,
			OutputLogger: logging.GetLogger("ffmpeg"),
			LogParser:    ffmpeg.ParseLogLevel,
		}),
		EventBus:       eventBus,
		Logger:         logger,
		CommandBuilder: streams.FFmpegCommand(prefix, opts.rtmpBaseURL),
		RequiredScheme: opts.requiredScheme,
		GraceTimeout:   opts.graceTimeout,
		RetryBackoff:   opts.retryBackoff,
		RTMPBaseURL:    opts.rtmpBaseURL,
	})

	exitCode := make(chan int, 1)
	finish := func(code int) {
		select {
		case exitCode <- code:
		default:
		}
	}
	eventBus.Subscribe(func(e events.StreamStateChangedEvent) {
		switch e.State {
		case events.StateStopped:
			logger.Info("Worker exited", "exit_code", e.ExitCode)
			finish(0)
		case events.StateFaulted:
			finish(1)
		}
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go orchestrator.Run(runCtx)

	if _, err := orchestrator.Start(runCtx, streamID); err != nil {
		logger.Error("Failed to start stream", "error", err)
		return 1
	}

	watcher := config.NewConfigWatcher(
		opts.streamsFile,
		func(path string) (streams.Store, error) {
			s := store.NewTOML(path)
			return s, s.Load()
		},
		logger,
		config.WithDebounce[streams.Store](1500*time.Millisecond),
	)
	watcher.OnReload(func(fresh streams.Store) {
		next, ok := fresh.Get(streamID)
		if !ok {
			logger.Warn("Stream removed from store, shutting down")
			finish(0)
			return
		}
		if next.Configuration.SourceURI == rec.Configuration.SourceURI &&
			next.Configuration.Name == rec.Configuration.Name {
			logger.Debug("Store reloaded, stream unchanged")
			return
		}
		rec = next
		logger.Info("Stream changed, applying")
		if _, updateErr := orchestrator.CreateOrUpdate(runCtx, streams.StreamInput{
			ID:        streamID,
			Name:      next.Configuration.Name,
			SourceURI: next.Configuration.SourceURI,
		}); updateErr != nil {
			logger.Warn("Failed to apply stream change", "error", updateErr)
		}
	})

	if err := watcher.Start(); err != nil {
		logger.Warn("Failed to watch stream store, hot-reload disabled", "error", err)
	} else {
		defer func() { _ = watcher.Stop() }()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	code := 0
	select {
	case sig := <-signals:
		logger.Info("Received signal, stopping worker", "signal", sig.String())
	case code = <-exitCode:
	}

	if err := orchestrator.Shutdown(opts.graceTimeout); err != nil {
		logger.Error("Worker did not stop cleanly", "error", err)
		code = 1
	}

	logger.Info("Stream command exiting", "exit_code", code)
	return code
}
