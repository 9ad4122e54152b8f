// Package main is the entry point for the rfiflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/rfiflow/internal/audit"
	"github.com/pitabwire/rfiflow/internal/capability"
	"github.com/pitabwire/rfiflow/internal/catalog"
	"github.com/pitabwire/rfiflow/internal/config"
	"github.com/pitabwire/rfiflow/internal/idempotency"
	"github.com/pitabwire/rfiflow/internal/notify"
	"github.com/pitabwire/rfiflow/internal/observability"
	"github.com/pitabwire/rfiflow/internal/openapi"
	"github.com/pitabwire/rfiflow/internal/outbox"
	"github.com/pitabwire/rfiflow/internal/transition"
	"github.com/pitabwire/rfiflow/internal/transport"
	"github.com/pitabwire/rfiflow/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

// stores bundles the persistence backends chosen by config.
type stores struct {
	records  workflow.RecordStore
	trail    audit.Store
	activity audit.Store
	close    func()
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "rfiflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	apiIndex, err := openapi.Load()
	if err != nil {
		logger.Error("API description load failed", zap.Error(err))
		return 1
	}

	secret, err := transport.LoadSecret(cfg.Identity)
	if err != nil {
		logger.Error("identity configuration failed", zap.Error(err))
		return 1
	}

	policy, err := buildPolicy(cfg.Identity)
	if err != nil {
		logger.Error("capability policy load failed", zap.Error(err))
		return 1
	}
	capabilities := capability.NewResolver(policy, cfg.Identity.PolicyCacheTTL)

	st, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer st.close()

	notifier, notifierCloser, err := buildNotifier(ctx, cfg.Notify, metrics, logger)
	if err != nil {
		logger.Error("notifier initialization failed", zap.Error(err))
		return 1
	}
	defer notifierCloser()

	idemStore, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	defer idemCloser()

	box := outbox.New(cfg.Outbox.Buffer, logger.Named("outbox"),
		outbox.WithTaskTimeout(cfg.Outbox.TaskTimeout),
		outbox.WithMetrics(metrics),
	)

	cat := catalog.Default()
	engine := workflow.NewEngine(st.records, cat, transition.DefaultTable(cat),
		audit.NewLog("trail", st.trail),
		workflow.WithActivityFeed(audit.NewLog("activity", st.activity)),
		workflow.WithNotifier(notifier),
		workflow.WithOutbox(box),
		workflow.WithLogger(logger.Named("workflow")),
		workflow.WithMetrics(metrics),
	)
	sweeper := workflow.NewSweeper(engine)

	readiness := observability.ReadinessChecks{
		CatalogLoaded: func() bool { return len(cat.Statuses()) > 0 },
		APIDocLoaded:  func() bool { return len(apiIndex.AllOperationIDs()) > 0 },
	}
	if hc, ok := st.records.(observability.HealthChecker); ok {
		readiness.RecordStore = hc
	}
	if hc, ok := st.trail.(observability.HealthChecker); ok {
		readiness.AuditStore = hc
	}
	if hc, ok := notifier.(observability.HealthChecker); ok {
		readiness.Notifier = hc
	}
	if hc, ok := idemStore.(observability.HealthChecker); ok {
		readiness.Idempotency = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       engine,
		Sweeper:      sweeper,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, secret),
		Logger:       logger,
		Metrics:      metrics,
		Readiness:    readiness,
		APIIndex:     apiIndex,
		Idempotency:  idemStore,
		Capabilities: capabilities,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// The outbox outlives the server so side effects of in-flight requests
	// still run during shutdown.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	g, gctx := errgroup.WithContext(ctx)
	bg, _ := errgroup.WithContext(bgCtx)

	bg.Go(func() error { return box.Run(bgCtx) })

	if cfg.Sweeper.Enabled {
		g.Go(func() error { return sweeper.Run(gctx, cfg.Sweeper.Interval) })
	}

	g.Go(func() error {
		reloadPolicy(gctx, policy, capabilities, logger)
		return nil
	})

	g.Go(func() error {
		logger.Info("server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", version),
			zap.String("commit", commit),
			zap.String("store", cfg.Store.Driver),
			zap.String("notify", cfg.Notify.Driver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	exit := 0
	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		exit = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()

	if err := box.Flush(shutdownCtx); err != nil {
		logger.Warn("outbox flush incomplete", zap.Int("pending", box.Pending()), zap.Error(err))
	}
	bgCancel()
	_ = bg.Wait()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exit
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout == 0 {
		return 30 * time.Second
	}
	return cfg.Server.ShutdownTimeout
}

// buildPolicy loads the role policy file, or the built-in policy when none
// is configured.
func buildPolicy(cfg config.IdentityConfig) (*capability.Policy, error) {
	if cfg.PolicyFile == "" {
		return capability.DefaultPolicy(cfg.AdminRole), nil
	}
	return capability.LoadPolicy(cfg.PolicyFile)
}

// reloadPolicy re-reads the policy file on SIGHUP until ctx is done.
func reloadPolicy(ctx context.Context, policy *capability.Policy, resolver *capability.Resolver, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := policy.Sync(); err != nil {
				logger.Error("capability policy reload failed; keeping previous policy", zap.Error(err))
				continue
			}
			resolver.Purge()
			logger.Info("capability policy reloaded")
		}
	}
}

// buildStores creates the record store and both audit stores for the
// configured driver.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (stores, error) {
	switch cfg.Driver {
	case config.StoreMemory, "":
		logger.Info("using in-memory stores")
		return stores{
			records:  workflow.NewMemoryRecordStore(),
			trail:    audit.NewMemoryStore(),
			activity: audit.NewMemoryStore(),
			close:    func() {},
		}, nil
	case config.StorePostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return stores{}, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return stores{}, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = cfg.MaxConns
		poolCfg.MinConns = cfg.MinConns
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return stores{}, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return stores{}, fmt.Errorf("store: ping: %w", err)
		}

		records := workflow.NewPgRecordStore(pool)
		trail, err := audit.NewPgStore(pool, audit.TrailTable)
		if err != nil {
			pool.Close()
			return stores{}, err
		}
		activity, err := audit.NewPgStore(pool, audit.ActivityTable)
		if err != nil {
			pool.Close()
			return stores{}, err
		}

		if cfg.AutoMigrate {
			for name, m := range map[string]interface{ Migrate(context.Context) error }{
				"records":  records,
				"trail":    trail,
				"activity": activity,
			} {
				if err := m.Migrate(ctx); err != nil {
					pool.Close()
					return stores{}, fmt.Errorf("store: migrate %s: %w", name, err)
				}
			}
		}

		return stores{records: records, trail: trail, activity: activity, close: pool.Close}, nil
	default:
		return stores{}, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildNotifier creates the notifier for the configured driver.
func buildNotifier(ctx context.Context, cfg config.NotifyConfig, metrics *observability.Metrics, logger *zap.Logger) (notify.Notifier, func(), error) {
	switch cfg.Driver {
	case config.NotifyLog, "":
		return notify.NewLogNotifier(logger.Named("notify")), func() {}, nil
	case config.NotifyRedis:
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("notify: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("notify: ping redis: %w", err)
		}
		var n notify.Notifier = notify.NewRedisNotifier(client, cfg.Stream, cfg.MaxLen)
		if cfg.Breaker.Enabled {
			n = notify.NewBreaker(n, notify.BreakerSettings{
				FailureThreshold:   cfg.Breaker.FailureThreshold,
				SuccessThreshold:   cfg.Breaker.SuccessThreshold,
				OpenTimeout:        cfg.Breaker.OpenTimeout,
				ErrorRateThreshold: cfg.Breaker.ErrorRateThreshold,
				ErrorRateWindow:    cfg.Breaker.ErrorRateWindow,
				OnStateChange:      func(s notify.BreakerState) { metrics.RecordBreakerState(int(s)) },
			}, logger.Named("notify"))
		}
		return n, func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported notify driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config. It
// returns a nil store when replay protection is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}

	switch cfg.Driver {
	case config.IdempotencyMemory, "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), func() {}, nil
	case config.IdempotencyRedis:
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("idempotency: ping redis: %w", err)
		}
		return idempotency.NewRedisStore(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Driver)
	}
}
