package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/joho/godotenv"

	"github.com/smazurov/campipe/cmd"
	"github.com/smazurov/campipe/internal/api"
	"github.com/smazurov/campipe/internal/config"
	"github.com/smazurov/campipe/internal/events"
	"github.com/smazurov/campipe/internal/flash"
	"github.com/smazurov/campipe/internal/led"
	"github.com/smazurov/campipe/internal/logging"
	"github.com/smazurov/campipe/internal/metrics/exporters"
	"github.com/smazurov/campipe/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Pipeline settings
	PipelineFile  string `help:"Pipeline calibration file" default:"pipeline.toml" toml:"pipeline.file" env:"PIPELINE_FILE"`
	PipelineWatch bool   `help:"Apply pipeline file changes while running" default:"true" toml:"pipeline.watch" env:"PIPELINE_WATCH"`

	// Session settings
	SessionAutoStart bool   `help:"Start streaming at launch" default:"true" toml:"session.auto_start" env:"SESSION_AUTO_START"`
	SessionFlash     string `help:"Initial flash request (off, auto, on, torch)" default:"auto" toml:"session.flash" env:"SESSION_FLASH"`

	// Metrics settings
	MetricsPrometheus bool `help:"Serve Prometheus metrics on /metrics" default:"true" toml:"metrics.prometheus_enabled" env:"METRICS_PROMETHEUS_ENABLED"`
	MetricsSSE        bool `help:"Stream stage metrics over SSE" default:"true" toml:"metrics.sse_enabled" env:"METRICS_SSE_ENABLED"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Features settings
	FeaturesLEDControl bool   `help:"Drive the board flash indicator LED" default:"false" toml:"features.led_control_enabled" env:"FEATURES_LED_CONTROL"`
	FeaturesLEDSysfs   string `help:"LED class directory" default:"/sys/class/leds" toml:"features.led_sysfs_root" env:"FEATURES_LED_SYSFS"`

	// Logging settings
	LoggingLevel    string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat   string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingFactory  string `help:"Frame factory logging level" default:"info" toml:"logging.factory" env:"LOGGING_FACTORY"`
	LoggingStage    string `help:"Pipe stage logging level" default:"info" toml:"logging.stage" env:"LOGGING_STAGE"`
	LoggingFlash    string `help:"Flash controller logging level" default:"info" toml:"logging.flash" env:"LOGGING_FLASH"`
	LoggingSelector string `help:"Frame selector logging level" default:"info" toml:"logging.selector" env:"LOGGING_SELECTOR"`
	LoggingSession  string `help:"Session logging level" default:"info" toml:"logging.session" env:"LOGGING_SESSION"`
	LoggingAPI      string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// .env sits next to the binary and feeds the env overrides below
		if envErr := godotenv.Load(); envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
			slog.Warn("Failed to load .env", "error", envErr)
		}
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Modules without an option (led, hwnode, simnode, config) come
		// straight from the [logging] table
		logCfg := config.LoadLoggingConfig(opts.Config)
		logCfg.Level = opts.LoggingLevel
		logCfg.Format = opts.LoggingFormat
		for module, level := range map[string]string{
			"factory":  opts.LoggingFactory,
			"stage":    opts.LoggingStage,
			"flash":    opts.LoggingFlash,
			"selector": opts.LoggingSelector,
			"session":  opts.LoggingSession,
			"api":      opts.LoggingAPI,
		} {
			logCfg.Modules[module] = level
		}
		logging.Initialize(logCfg)
		logger := logging.GetLogger("main")
		logger.Info("Starting", "build", version.Banner())

		// Create event bus for in-process event handling
		eventBus := events.New()
		logging.SetLogCallback(func(entry logging.LogEntry) {
			eventBus.Publish(api.LogEvent(entry))
		})

		pipeline, err := config.LoadPipeline(opts.PipelineFile)
		if err != nil {
			logger.Error("Failed to load pipeline", "file", opts.PipelineFile, "error", err)
			os.Exit(1)
		}

		backend := cmd.OpenBackend(pipeline)
		sess, err := backend.NewSession(pipeline, eventBus)
		if err != nil {
			logger.Error("Failed to create session", "backend", backend.Name, "error", err)
			os.Exit(1)
		}
		if req, ok := flash.ParseRequest(opts.SessionFlash); ok {
			sess.SetFlashRequest(req)
		} else {
			logger.Warn("Unknown flash request, keeping off", "flash", opts.SessionFlash)
		}

		// Pipeline file reloads go to the live session
		var watcher *config.Watcher[config.Pipeline]
		if opts.PipelineWatch {
			watcher = config.NewConfigWatcher(opts.PipelineFile, config.LoadPipeline, logging.GetLogger("config"))
			watcher.OnReload(func(p config.Pipeline) {
				backend.ApplyScene(p)
				migrated, applyErr := sess.ApplyPipeline(p)
				if applyErr != nil {
					logger.Warn("Failed to apply pipeline", "error", applyErr)
					return
				}
				logger.Info("Pipeline reloaded", "migrated", migrated)
			})
		}

		// Initialize LED control if enabled
		var ledManager *led.Manager
		var ledController led.Controller
		if opts.FeaturesLEDControl {
			logger.Info("LED control enabled, initializing")
			ledController = led.New(logging.GetLogger("led"), led.Options{SysfsRoot: opts.FeaturesLEDSysfs})
			ledManager = led.NewManager(ledController, eventBus, logging.GetLogger("led"))
		}

		var sseExporter *exporters.SSEExporter
		if opts.MetricsSSE {
			sseExporter = exporters.NewSSEExporter(eventBus)
		}

		apiOpts := &api.Options{
			AuthUsername: opts.AuthUsername,
			AuthPassword: opts.AuthPassword,
			Session:      sess,
			EventBus:     eventBus,
		}
		if opts.MetricsPrometheus {
			apiOpts.PrometheusHandler = exporters.HTTPHandler()
		}
		if ledController != nil {
			apiOpts.LEDController = ledController
		}
		server := api.NewServer(apiOpts)

		ctx, cancel := context.WithCancel(context.Background())

		hooks.OnStart(func() {
			if ledManager != nil {
				ledManager.Start()
			}
			if sseExporter != nil {
				sseExporter.Start(ctx)
			}
			if watcher != nil {
				if startErr := watcher.Start(); startErr != nil {
					logger.Warn("Failed to watch pipeline file", "error", startErr)
				}
			}
			if opts.SessionAutoStart {
				if startErr := sess.Start(ctx); startErr != nil {
					logger.Error("Failed to start session", "error", startErr)
				}
			}

			logger.Info("Starting HTTP server", "port", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			if stopErr := server.Stop(); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}
			if watcher != nil {
				_ = watcher.Stop()
			}
			// Streaming stops and held frames go back before nodes close
			if closeErr := sess.Close(); closeErr != nil {
				logger.Error("Error closing session", "error", closeErr)
			}
			cancel()
			if sseExporter != nil {
				sseExporter.Stop()
			}
			if ledManager != nil {
				ledManager.Stop()
			}
		})
	})

	root := cli.Root()
	root.Use = "campipe"
	root.Short = "Camera pipeline orchestrator"
	root.Version = version.Banner()
	root.AddCommand(cmd.CreateTopologyCmd(), cmd.CreateSimulateCmd(), cmd.CreateNodesCmd())

	// Run the CLI
	cli.Run()
}
