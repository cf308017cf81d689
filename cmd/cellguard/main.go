package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cellguard/cellguard/pkg/als"
	"github.com/cellguard/cellguard/pkg/collector"
	"github.com/cellguard/cellguard/pkg/config"
	"github.com/cellguard/cellguard/pkg/database"
	"github.com/cellguard/cellguard/pkg/logger"
	"github.com/cellguard/cellguard/pkg/metrics"
	"github.com/cellguard/cellguard/pkg/scheduler"
	"github.com/cellguard/cellguard/pkg/verification"
	"github.com/cellguard/cellguard/pkg/web"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validate := flag.Bool("validate", false, "Validate configuration and exit")
	importFile := flag.String("import", "", "Import a JSONL capture export before starting")
	flag.Parse()

	if *showVersion {
		fmt.Printf("CellGuard %s (%s, built %s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	// Basic console logger until the configuration is known
	log := logger.New(logger.Config{Level: "info", Format: "text"})

	log.Info("Starting CellGuard",
		logger.String("version", version),
		logger.String("build_time", buildTime))

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Error("Failed to load configuration", logger.Error(err))
		os.Exit(1)
	}

	if *validate {
		log.Info("Configuration is valid")
		os.Exit(0)
	}

	var out io.Writer = os.Stdout
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Error("Failed to open log file", logger.String("file", cfg.Logging.File), logger.Error(err))
			os.Exit(1)
		}
		defer func() { _ = f.Close() }()
		out = io.MultiWriter(os.Stdout, f)
	}
	log = logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: out})

	log.Info("Configuration loaded successfully",
		logger.String("config_file", *configFile),
		logger.String("server_name", cfg.Server.Name))

	if err := run(cfg, *importFile, log); err != nil {
		log.Error("CellGuard failed", logger.Error(err))
		os.Exit(1)
	}
	log.Info("CellGuard stopped")
}

func run(cfg *config.Config, importFile string, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	db, err := database.NewDB(database.Config{Path: cfg.Database.Path}, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn("Failed to close database", logger.Error(err))
		}
	}()

	ids := make([]uint16, len(cfg.Verification.Pipelines))
	for i, p := range cfg.Verification.Pipelines {
		ids[i] = p.ID
	}
	gateway := database.NewGateway(db, ids...)

	metricsCollector := metrics.NewCollector()

	locator := als.NewClient(als.Config{
		URL:       cfg.ALS.URL,
		Locale:    cfg.ALS.Locale,
		UserAgent: cfg.ALS.UserAgent,
		Timeout:   cfg.ALS.Timeout,
	}, log)

	pipelines, err := verification.NewPipelines(cfg.Verification, gateway, locator, log)
	if err != nil {
		return fmt.Errorf("build pipelines: %w", err)
	}
	scheduled := make([]scheduler.Pipeline, len(pipelines))
	for i, p := range pipelines {
		p.SetRecorder(metricsCollector)
		scheduled[i] = p
		log.Info("Verification pipeline configured",
			logger.String("pipeline", p.Name()),
			logger.Int("id", int(p.ID())),
			logger.Int("max_points", p.MaxPoints()),
			logger.Any("stages", p.Stages()))
	}

	col := collector.New(gateway, log)
	col.SetRecorder(metricsCollector)

	if importFile != "" {
		stats, err := col.ImportFile(ctx, importFile)
		if err != nil {
			return fmt.Errorf("import %s: %w", importFile, err)
		}
		log.Info("Capture export imported",
			logger.String("file", importFile),
			logger.Int("packets", stats.Packets),
			logger.Int("cells", stats.Cells),
			logger.Int("locations", stats.Locations),
			logger.Int("skipped", stats.Skipped))
	}

	var wg sync.WaitGroup

	if cfg.Metrics.Prometheus.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metricsServer := metrics.NewPrometheusServer(
				metrics.PrometheusConfig{
					Enabled: cfg.Metrics.Prometheus.Enabled,
					Port:    cfg.Metrics.Prometheus.Port,
					Path:    cfg.Metrics.Prometheus.Path,
				},
				metricsCollector,
				log,
			)
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				log.Error("Prometheus metrics server error", logger.Error(err))
			}
		}()
	}

	if cfg.Web.Enabled {
		web.SetVersionInfo(version, commit, buildTime)
		api := web.NewAPI(gateway, col, web.PipelineInfos(pipelines), log.WithComponent("api"))
		hub := web.NewWebSocketHub(gateway, cfg.Verification.Interval, log.WithComponent("websocket"))
		hub.SetClientObserver(metricsCollector.WebsocketClients)
		srv := web.NewServer(cfg.Web, api, hub, log.WithComponent("web"))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil && err != context.Canceled {
				log.Error("Web server error", logger.Error(err))
			}
		}()
	}

	sched := scheduler.New(scheduler.ConfigFrom(cfg), gateway, scheduled, log)
	sched.SetRecorder(metricsCollector)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sched.Start(ctx); err != nil && err != context.Canceled {
			log.Error("Scheduler error", logger.Error(err))
			cancel()
		}
	}()

	log.Info("CellGuard initialized",
		logger.Int("pipelines", len(pipelines)))

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal",
			logger.String("signal", sig.String()))
	case <-ctx.Done():
	}

	cancel()
	wg.Wait()
	return nil
}
