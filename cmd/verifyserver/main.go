package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tkratochvila/VerifyServer/internal/api"
	"github.com/tkratochvila/VerifyServer/internal/archive"
	"github.com/tkratochvila/VerifyServer/internal/config"
	"github.com/tkratochvila/VerifyServer/internal/execution"
	"github.com/tkratochvila/VerifyServer/internal/history"
	"github.com/tkratochvila/VerifyServer/internal/logging"
	"github.com/tkratochvila/VerifyServer/internal/metrics"
	"github.com/tkratochvila/VerifyServer/internal/oslc"
	"github.com/tkratochvila/VerifyServer/internal/service"
	"github.com/tkratochvila/VerifyServer/internal/toolkit"
	"github.com/tkratochvila/VerifyServer/internal/websocket"
	"github.com/tkratochvila/VerifyServer/internal/workspace"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "verifyserver",
	Short:   "VerifyServer - remote formal verification task server",
	Long:    `VerifyServer runs registered analysis tools on uploaded models and serves OSLC Automation monitoring reports while they run`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer(cmd)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.IntP("port", "p", config.DefaultPort, "Port the request dispatcher listens on")
	flags.String("ip", config.DefaultIP, "Address the server binds to")
	flags.IntP("threads", "t", 0, "Cap on worker threads, 0 uses every core")
	flags.String("toolkit-file", config.DefaultToolkitFile, "Tool registry config file")
	flags.String("workspace-root", config.DefaultWorkspaceRoot, "Directory holding client workspaces")
	flags.Int("metrics-port", config.DefaultMetricsPort, "Prometheus endpoint port, 0 disables it")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("VerifyServer %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command) {
	// Baseline logger for early startup messages; reconfigured once the
	// configuration is known.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "verifyserver",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := applyFlags(cmd, cfg); err != nil {
		log.Fatal().Err(err).Msg("Invalid command-line flags")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "verifyserver",
	})

	if cfg.Threads > 0 {
		runtime.GOMAXPROCS(cfg.Threads)
		log.Info().Int("threads", cfg.Threads).Msg("Capped worker threads")
	}

	log.Info().Str("version", Version).Msg("Starting verification server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kit, err := toolkit.LoadFile(cfg.ToolkitFile)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.ToolkitFile).Msg("Toolkit config not loaded, starting with an empty registry")
		kit = toolkit.New()
	} else {
		log.Info().Int("tools", kit.Len()).Str("path", cfg.ToolkitFile).Msg("Toolkit loaded")
	}

	watcher, err := toolkit.NewWatcher(kit, cfg.ToolkitFile)
	if err != nil {
		log.Warn().Err(err).Msg("Toolkit watcher unavailable, config changes will need a restart")
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	arch, err := archive.New(cfg.ReportDir, cfg.FileDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize the archive")
	}
	manager, err := workspace.NewManager(cfg.WorkspaceRoot, cfg.IdleTimeout, cfg.SweepInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize the workspace root")
	}
	window := execution.NewWindow(arch, cfg.MonitorTimeout)

	journal, err := history.New(cfg.HistoryPath)
	if err != nil {
		// The journal is a convenience surface; the server runs without it.
		log.Warn().Err(err).Str("path", cfg.HistoryPath).Msg("History journal unavailable")
	}

	redactors, err := oslc.CompileRedactors(cfg.RedactPatterns)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid redact patterns")
	}

	m := metrics.Get()

	// The hub needs the service for state snapshots and the service needs
	// the hub for event broadcasts; the closure breaks the cycle. No client
	// can connect before the HTTP server below starts.
	var svc *service.Service
	hub := websocket.NewHub(func() any {
		if svc == nil {
			return nil
		}
		return svc.State()
	})
	svc = service.New(service.Options{
		ToolKit:     kit,
		Archive:     arch,
		Manager:     manager,
		Window:      window,
		Creator:     cfg.Creator,
		Redactors:   redactors,
		ObserveTick: cfg.ObserveTick,
		Hub:         hub,
		Journal:     journal,
		Metrics:     m,
	})
	go hub.Run()

	router := api.NewRouter(svc, hub, m)

	// ReadHeaderTimeout rather than ReadTimeout so upgraded /ws connections
	// are not cut off mid-stream.
	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if addr := cfg.MetricsAddr(); addr != "" {
		g.Go(func() error {
			runMetricsServer(gctx, addr)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server failed")
	}

	log.Info().Msg("Shutting down server...")
	hub.Stop()
	svc.Shutdown()
	journal.Close()
	log.Info().Msg("Server stopped")
}

// applyFlags copies explicitly set flags over the loaded configuration.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("ip") {
		cfg.IP, _ = flags.GetString("ip")
	}
	if flags.Changed("threads") {
		cfg.Threads, _ = flags.GetInt("threads")
	}
	if flags.Changed("toolkit-file") {
		cfg.ToolkitFile, _ = flags.GetString("toolkit-file")
	}
	if flags.Changed("workspace-root") {
		cfg.WorkspaceRoot, _ = flags.GetString("workspace-root")
	}
	if flags.Changed("metrics-port") {
		cfg.MetricsPort, _ = flags.GetInt("metrics-port")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	return cfg.Validate()
}
