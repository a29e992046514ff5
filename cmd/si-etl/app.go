package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/ehr/sleepetl/internal/config"
	"github.com/ehr/sleepetl/internal/domain/batch"
	"github.com/ehr/sleepetl/internal/domain/sleepimpr"
	"github.com/ehr/sleepetl/internal/platform/db"
	"github.com/ehr/sleepetl/internal/platform/events"
	"github.com/ehr/sleepetl/internal/platform/filesource"
	"github.com/ehr/sleepetl/internal/platform/metrics"
	"github.com/ehr/sleepetl/internal/platform/middleware"
	"github.com/ehr/sleepetl/internal/platform/runlock"
)

const (
	version      = "0.1.0"
	lockKey      = "sleepetl:batch:lock"
	readTimeout  = 30 * time.Second
	metricsSpace = "sleepetl"
)

// app holds the long-lived dependencies shared by the commands.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	registry  *prometheus.Registry
	metrics   *metrics.ETLMetrics
	publisher *events.Publisher
	locker    runlock.Locker
}

type appOptions struct {
	// requireDB fails startup when the database cannot be reached.
	requireDB bool
	// skipDB leaves the pool nil even when DATABASE_URL is set.
	skipDB bool
}

func newLogger(dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts appOptions) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		locker:   runlock.NewLocal(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewETLMetrics(a.registry)

	if !opts.skipDB && cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:        cfg.DatabaseURL,
			ServiceKey: cfg.DatabaseServiceKey,
			Schema:     cfg.DBSchema,
			MaxConns:   cfg.DBMaxConns,
			MinConns:   cfg.DBMinConns,
		})
		if err != nil {
			if opts.requireDB {
				return nil, err
			}
			logger.Error().Err(err).Msg("database unavailable; trigger will fail until it is reachable")
		} else {
			a.pool = pool
			if _, err := db.RegisterPoolStatsCollector(a.registry, pool, metricsSpace); err != nil {
				logger.Warn().Err(err).Msg("pool metrics not registered")
			}
			logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
		}
	} else if opts.requireDB {
		return nil, &config.MissingError{Vars: []string{"DATABASE_URL"}}
	}

	if cfg.RedisURL != "" {
		client, err := events.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable; events disabled and run lock is process-local")
		} else {
			a.publisher = events.NewPublisher(client, logger)
			lock := runlock.NewRedis(client, lockKey, cfg.BatchTimeout+time.Minute, logger)
			a.locker = lock
			logger.Info().Str("lock", lock.Describe()).Msg("connected to redis")
		}
	}
	return a, nil
}

func (a *app) close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close redis")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// sink returns the warehouse sink, or an in-memory sink when no database is
// connected.
func (a *app) sink() sleepimpr.Sink {
	if a.pool == nil {
		return sleepimpr.NewMemorySink()
	}
	return sleepimpr.NewSink(a.pool)
}

func (a *app) runRepo() batch.RunRepository {
	if a.pool == nil {
		return batch.NewMemoryRepo()
	}
	return batch.NewRepo(a.pool)
}

func (a *app) sftpSources() batch.SourceFactory {
	cfg := filesource.SFTPConfig{
		Host:           a.cfg.SFTPHost,
		Port:           a.cfg.SFTPPort,
		Username:       a.cfg.SFTPUsername,
		Password:       a.cfg.SFTPPassword,
		PrivateKey:     a.cfg.SFTPPrivateKey,
		Passphrase:     a.cfg.SFTPKeyPassphrase,
		KnownHostsFile: a.cfg.SFTPKnownHosts,
		ArchiveDir:     a.cfg.SFTPArchiveDir,
		MaxFileBytes:   a.cfg.SFTPMaxFileBytes,
		DialTimeout:    a.cfg.SFTPDialTimeout,
	}
	return func() filesource.Source { return filesource.NewSFTPSource(cfg, a.logger) }
}

// batchService wires a Service over sources and sink.
func (a *app) batchService(sources batch.SourceFactory, sink sleepimpr.Sink, runs batch.RunRepository, remoteDir string) (*batch.Service, error) {
	schemas, err := sleepimpr.LoadSchemaMap(a.cfg.SchemaMapFile)
	if err != nil {
		return nil, err
	}
	opts := []batch.Option{
		batch.WithLocker(a.locker),
		batch.WithMetrics(a.metrics),
		batch.WithRunRepository(runs),
	}
	if a.publisher != nil {
		opts = append(opts, batch.WithPublisher(a.publisher))
	}
	cfg := batch.Config{
		RemoteDir:    remoteDir,
		BatchTimeout: a.cfg.BatchTimeout,
		FileTimeout:  a.cfg.FileTimeout,
	}
	return batch.NewService(cfg, sources, sleepimpr.NewIngestor(sink, schemas, a.logger), a.logger, opts...), nil
}

// missingVars adds an unreachable database to the configuration gaps.
func (a *app) missingVars() []string {
	missing := a.cfg.MissingETLVars()
	if len(missing) == 0 && a.pool == nil {
		missing = append(missing, "DATABASE_URL (unreachable)")
	}
	return missing
}

func (a *app) newServer(runner batch.Runner, runs batch.RunRepository) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(readTimeout, map[string]time.Duration{
		batch.TriggerPath: a.cfg.HTTPTimeout,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(a.registry)))

	rl := middleware.DefaultRateLimitConfig()
	if a.cfg.TriggerRPS > 0 {
		rl.RequestsPerSecond = a.cfg.TriggerRPS
	}
	if a.cfg.TriggerBurst > 0 {
		rl.BurstSize = a.cfg.TriggerBurst
	}
	h := batch.NewHandler(runner, runs, a.missingVars, a.metrics, a.logger)
	h.RegisterRoutes(e, middleware.RateLimit(rl), middleware.TriggerAuth(a.cfg.TriggerSecret))
	return e
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}
