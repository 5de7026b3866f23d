package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	kingpin "github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/version"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"siteagent/config"
	docs "siteagent/internal/app/docs"
	"siteagent/internal/app/router"
	"siteagent/internal/module/events"
	identitymod "siteagent/internal/module/identity"
	slurmdbmod "siteagent/internal/module/slurmdb"
	"siteagent/internal/module/status"
	"siteagent/internal/module/system"
	"siteagent/internal/pkg/applier"
	"siteagent/internal/pkg/backend"
	ldapc "siteagent/internal/pkg/client/ldap"
	minioc "siteagent/internal/pkg/client/minio"
	"siteagent/internal/pkg/client/slurmctl"
	slurmdbc "siteagent/internal/pkg/client/slurmdb"
	"siteagent/internal/pkg/identity"
	"siteagent/internal/pkg/marketplace"
	"siteagent/internal/pkg/metrics"
	"siteagent/internal/pkg/model"
	"siteagent/internal/pkg/offering"
	"siteagent/internal/pkg/orders"
	"siteagent/internal/pkg/pipeline"
	"siteagent/internal/pkg/store"
)

// @title           siteagent
// @version         0.1.0
// @description     Marketplace site agent: periodic limits, usage reporting and order reconciliation
// @schema			http
// @BasePath        /api/v1
func main() {
	// CLI flags
	var (
		addrFlag        = kingpin.Flag("addr", "Server listen address (e.g. :8080 or 127.0.0.1:8080)").Default(":8080").Envar("SITEAGENT_ADDR").String()
		shutdownTimeout = kingpin.Flag("shutdown-timeout", "Graceful shutdown timeout (e.g. 10s)").Default("30s").Envar("SITEAGENT_SHUTDOWN_TIMEOUT").Duration()
		logFormat       = kingpin.Flag("log-format", "Log format").Default("text").Envar("SITEAGENT_LOG_FORMAT").Enum("text", "json")
		logOutput       = kingpin.Flag("log-output", "Log output destination").Default("stdout").Envar("SITEAGENT_LOG_OUTPUT").Enum("stdout", "stderr", "file")
		logFile         = kingpin.Flag("log-file", "Log file path (used when --log-output=file)").Envar("SITEAGENT_LOG_FILE").String()
		logLevel        = kingpin.Flag("log-level", "Minimum log level").Default("info").Envar("SITEAGENT_LOG_LEVEL").Enum("debug", "info", "warn", "error")
		configFile      = kingpin.Flag("config", "Path to YAML config file").Short('c').Default("config.yaml").Envar("SITEAGENT_CONFIG").String()
		dryRun          = kingpin.Flag("dry-run", "Replace every backend with the in-memory mock").Envar("SITEAGENT_DRY_RUN").Bool()
	)
	kingpin.Version(version.Print("siteagent"))
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger, cleanup, err := newLogger(*logOutput, *logFormat, *logLevel, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := run(*configFile, *addrFlag, *shutdownTimeout, *dryRun, logger); err != nil {
		logger.Error("agent failed", slog.Any("err", err))
		cleanup()
		os.Exit(1)
	}
}

func run(configFile, addr string, shutdownTimeout time.Duration, dryRun bool, logger *slog.Logger) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configFile, err)
	}
	logger.Info("starting siteagent", "version", version.Info(), "offerings", len(cfg.Offerings))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.State)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	// slurmdbd 只读连接：成员来源与 QoS 校验
	var members slurmctl.MemberSource
	var sdb *slurmdbc.Client
	if cfg.Server.Slurmdb != nil {
		sdb, err = slurmdbc.New(*cfg.Server.Slurmdb, logger.With("component", "slurmdb"))
		if err != nil {
			return fmt.Errorf("init slurmdb client: %w", err)
		}
		defer sdb.Close()
		slurmdbc.SetDefault(sdb)
		members = sdb
	}

	reg := backend.NewRegistry()
	reg.Register("mock", backend.NewMemoryFactory)
	if dryRun {
		logger.Warn("dry run: all backends are in-memory mocks")
		reg.Register("slurm", backend.NewMemoryFactory)
		reg.Register("minio", backend.NewMemoryFactory)
	} else {
		reg.Register("slurm", slurmctl.NewFactory(members))
		reg.Register("minio", minioc.NewFactory)
	}

	offs, err := offering.Load(cfg.Offerings, reg, logger)
	if err != nil {
		return fmt.Errorf("load offerings: %w", err)
	}
	if sdb != nil && !dryRun {
		if err := offs.CheckQoS(ctx, sdb); err != nil {
			return fmt.Errorf("qos check: %w", err)
		}
	}

	if cfg.Server.LDAP != nil {
		lcli, err := ldapc.New(*cfg.Server.LDAP, logger.With("component", "ldap"))
		if err != nil {
			return fmt.Errorf("init ldap client: %w", err)
		}
		defer lcli.Close()
		identity.SetDefault(identity.NewResolver(lcli))
	}

	var (
		market  marketplace.Client
		updates <-chan model.LimitsUpdate
	)
	if cfg.Marketplace.URL != "" {
		hc, err := marketplace.NewHTTPClient(cfg.Marketplace, logger.With("component", "marketplace"))
		if err != nil {
			return err
		}
		market = hc
	} else {
		logger.Warn("no marketplace url configured, using in-memory marketplace")
		mem := marketplace.NewMemory()
		market = mem
		updates = mem.Subscribe(ctx)
	}
	if cfg.Marketplace.EventsURL != "" {
		ws := marketplace.NewWebsocketSource(cfg.Marketplace.EventsURL, cfg.Marketplace.Token, logger.With("component", "events"))
		updates = ws.Subscribe(ctx)
	}

	m := metrics.New()
	m.RegisterResourceCollector(st, logger)

	ap := applier.New(st, logger.With("component", "applier"),
		applier.WithRetry(cfg.Pipeline.Retry),
		applier.WithCallTimeout(cfg.Pipeline.CallTimeout.Std()),
		applier.WithObserver(m),
	)
	pl := pipeline.New(offs, st, ap, cfg.Pipeline, logger.With("component", "pipeline"),
		pipeline.WithReporter(market),
		pipeline.WithObserver(m),
	)
	proc := orders.New(offs, st, market, cfg.Orders, logger,
		orders.WithRecomputer(pl),
		orders.WithResolver(identity.Default()),
		orders.WithObserver(m),
	)

	// Build router
	r := router.New(logger.With("component", "http"))
	docs.SwaggerInfo.BasePath = "/api/v1"
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.Register(
		system.Router{Health: pl, Metrics: m.Handler()},
		status.Router{Store: st, Pipeline: pl},
		events.Router{Notifier: pl, Token: cfg.Server.WebhookToken},
		identitymod.Router{},
	)
	if sdb != nil {
		router.Register(slurmdbmod.Router{})
	}
	router.MountAll(r)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	errc := make(chan error, 3)
	wg.Add(3)
	go func() {
		defer wg.Done()
		errc <- pl.Run(ctx, updates)
	}()
	go func() {
		defer wg.Done()
		errc <- proc.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		logger.Info("server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}
	stop()
	logger.Info("shutting down...")

	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Error("server forced to shutdown", slog.Any("err", err))
	}
	wg.Wait()
	logger.Info("agent exiting")
	return runErr
}

func newLogger(logOutput, logFormat, logLevel, logFile string) (*slog.Logger, func(), error) {
	var w io.Writer
	var closer io.Closer
	switch logOutput {
	case "stdout", "":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	case "file":
		if logFile == "" {
			return nil, nil, fmt.Errorf("--log-file is required when --log-output=file")
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		w = f
		closer = f
	default:
		return nil, nil, fmt.Errorf("unsupported log output: %s", logOutput)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, nil, fmt.Errorf("unsupported log level: %s", logLevel)
	}

	var handler slog.Handler
	switch logFormat {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: false})
	case "text":
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level, AddSource: false})
	default:
		return nil, nil, fmt.Errorf("unsupported log format: %s", logFormat)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			if closer != nil {
				_ = closer.Close()
			}
		})
	}
	return logger, cleanup, nil
}
