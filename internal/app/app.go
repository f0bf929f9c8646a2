// Package app wires the components together and serves the tool surface.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"ptop-analyzer/internal/bundle"
	"ptop-analyzer/internal/catalog"
	"ptop-analyzer/internal/config"
	"ptop-analyzer/internal/export"
	"ptop-analyzer/internal/gateway"
	"ptop-analyzer/internal/metrics"
	"ptop-analyzer/internal/schema"
	"ptop-analyzer/internal/writer"
	"ptop-analyzer/pkg/tracing"
)

// workflowPrompt is the recommended (not mandatory) workflow guidance
// attached to load_bundle responses and served by workflow_help.
const workflowPrompt = `Workflow (Bundle-ID centric):
1. load_bundle(path=..., force=optional, max_files=optional, categories=[...]).
2. Exactly one active bundle at a time (opaque random id; force=true reloads under a fresh id).
3. active_context() -> {bundle_id,time_range{start_ms,end_ms}}. Always use that time window.
4. list_bundles_tool() shows all bundles + active flag.
5. Metrics & queries must filter by bundle_id; sptid is informational.
6. unload_bundle() removes a bundle; active auto-promotes another if available.
7. Use metric_discover / metric_search first to find metric view names.
8. PTOPS_CLEAN_START=1 wipes previous catalog state (destructive).
9. Each metric exposes a view named exactly after the metric with columns: ts, value, bundle_id, sptid, metric_category, host, plus local labels (e.g. cpu_id).
10. Use metric_schema(metric_name) to get column roles & an example query template.
11. Constrain all analytical SQL: ts BETWEEN to_timestamp(start_ms/1000) AND to_timestamp(end_ms/1000).
12. timescale_sql(sql=...) executes read-only SELECT / CTE / time_bucket queries (SELECT-only, auto LIMIT).
Domain Guidance: CPU category metrics are per-CPU (one row per timestamp per cpu_id). Per-process metrics live in the TOP category. If a user asks for per-process CPU/memory stats, direct discovery toward TOP (not CPU).
Fast Path Guidance: for fast path / packet processing questions call fastpath_architecture first, then cite relevant metrics (e.g. fpc_cycles_per_packet, fpc_cpu_busy_percent).`

const workflowVersion = 1

// App owns every component and the HTTP server lifecycle.
type App struct {
	cfg    *config.Config
	logger *logrus.Logger

	store         *bundle.Store
	manager       *bundle.Manager
	embeddings    *catalog.Store
	gateway       *gateway.Gateway
	gatewayDB     *sql.DB
	metricsServer *metrics.Server
	tracer        *tracing.Manager
	exporter      *export.Producer
	watcher       *bundle.Watcher
	httpServer    *http.Server
	startTime     time.Time

	lastWriter *writer.Writer
}

// New builds the application from a config file path.
func New(configFile string) (*App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.App)

	store, err := bundle.OpenStore(cfg.Bundles.CatalogPath, cfg.Bundles.CleanStart, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		embeddings: catalog.NewStore(cfg.Catalog.EmbeddingsPath, logger),
		startTime:  time.Now(),
	}

	app.manager = bundle.NewManager(store, bundle.ManagerConfig{
		SupportBaseDir: cfg.Bundles.SupportBaseDir,
		TmpRoot:        cfg.Bundles.TmpRoot,
		MaxWorkers:     cfg.Bundles.MaxWorkers,
	}, app.newWriter, logger)

	if cfg.Timescale.DSN != "" {
		db, err := sql.Open("postgres", cfg.Timescale.DSN)
		if err != nil {
			logger.WithError(err).Warn("Analytical store unavailable, SQL gateway disabled")
		} else {
			app.gatewayDB = db
			res := schema.Bootstrap(db, logger)
			logger.WithField("created", len(res.Created)).Info("Schema bootstrap finished")
		}
	}
	app.gateway = gateway.New(app.gatewayDB, logger)

	if err := app.embeddings.Load(); err != nil {
		logger.WithError(err).Warn("Embeddings corpus not loaded; discovery degraded")
	}

	tracer, err := tracing.New(cfg.App.Name, cfg.App.Version, tracingEndpoint(cfg), logger)
	if err != nil {
		logger.WithError(err).Warn("Tracing init failed, continuing without traces")
		tracer, _ = tracing.New(cfg.App.Name, cfg.App.Version, "", logger)
	}
	app.tracer = tracer

	if cfg.Export.Enabled {
		producer, err := export.NewProducer(export.Config{
			Brokers:      cfg.Export.Brokers,
			Topic:        cfg.Export.Topic,
			SASLUser:     cfg.Export.SASLUser,
			SASLPassword: cfg.Export.SASLPassword,
			SASLSHA512:   cfg.Export.SASLSHA512,
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("Summary exporter unavailable")
		} else {
			app.exporter = producer
		}
	}

	if cfg.Bundles.WatchSupport {
		watcher, err := bundle.NewWatcher(cfg.Bundles.SupportBaseDir, logger)
		if err != nil {
			logger.WithError(err).Debug("Support dir watcher disabled")
		} else {
			app.watcher = watcher
		}
	}

	if cfg.Metrics.Enabled {
		app.metricsServer = metrics.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, logger)
	}
	return app, nil
}

// newWriter builds one analytical-store writer per bundle load.
func (a *App) newWriter() *writer.Writer {
	w := writer.New(writer.Config{
		DSN:            a.cfg.Timescale.DSN,
		BatchSize:      a.cfg.Timescale.BatchSize,
		InsertPageSize: a.cfg.Timescale.InsertPageSize,
		UseCopy:        a.cfg.Timescale.UseCopy,
		Adaptive:       a.cfg.Timescale.AdaptiveBatch,
		MaxBatchSize:   a.cfg.Timescale.MaxBatchSize,
	}, a.logger)
	a.lastWriter = w
	return w
}

// Run serves until the process is signalled.
func (a *App) Run() error {
	if a.metricsServer != nil {
		a.metricsServer.Start()
	}
	router := mux.NewRouter()
	a.registerHandlers(router)
	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	a.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // bundle loads are synchronous
	}
	a.logger.WithFields(logrus.Fields{
		"addr":    addr,
		"version": a.cfg.App.Version,
	}).Info("Tool surface listening")
	err := a.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops every component.
func (a *App) Shutdown(ctx context.Context) {
	if a.httpServer != nil {
		a.httpServer.Shutdown(ctx)
	}
	if a.metricsServer != nil {
		a.metricsServer.Stop(ctx)
	}
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.exporter != nil {
		a.exporter.Close()
	}
	if a.tracer != nil {
		a.tracer.Shutdown(ctx)
	}
	if a.gatewayDB != nil {
		a.gatewayDB.Close()
	}
	a.store.Close()
}

func newLogger(cfg config.AppConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func tracingEndpoint(cfg *config.Config) string {
	if !cfg.Tracing.Enabled {
		return ""
	}
	return cfg.Tracing.Endpoint
}
