package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/gabztoo/Perpetuo/internal/api"
	"github.com/gabztoo/Perpetuo/internal/budget"
	"github.com/gabztoo/Perpetuo/internal/circuitbreaker"
	"github.com/gabztoo/Perpetuo/internal/config"
	"github.com/gabztoo/Perpetuo/internal/cost"
	"github.com/gabztoo/Perpetuo/internal/crypto"
	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/gabztoo/Perpetuo/internal/events"
	"github.com/gabztoo/Perpetuo/internal/gateway"
	"github.com/gabztoo/Perpetuo/internal/httputil"
	"github.com/gabztoo/Perpetuo/internal/idempotency"
	"github.com/gabztoo/Perpetuo/internal/notifications"
	"github.com/gabztoo/Perpetuo/internal/quota"
	"github.com/gabztoo/Perpetuo/internal/ratelimit"
	"github.com/gabztoo/Perpetuo/internal/repository"
	"github.com/gabztoo/Perpetuo/internal/resilience"
	"github.com/gabztoo/Perpetuo/internal/router"
	"github.com/gabztoo/Perpetuo/internal/secrets"
	"github.com/gabztoo/Perpetuo/internal/telemetry"
	"github.com/gabztoo/Perpetuo/internal/tenantconfig"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("gateway stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	slog.Info("starting Perpetuo gateway", "addr", cfg.Addr, "version", cfg.Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.Init(ctx, telemetry.ServiceName, cfg.OTLPEndpoint, cfg.Version)
	if err != nil {
		slog.Warn("failed to initialize tracing", "error", err)
		shutdownTracer = func(context.Context) error { return nil }
	}

	catalogs, err := config.NewManager(cfg.CatalogPath, slog.Default())
	if err != nil {
		return err
	}
	defer catalogs.Close()
	catalog := catalogs.Get()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		slog.Info("using redis for shared state")
	} else {
		slog.Info("using in-memory state, limits are per instance")
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = connectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		slog.Info("using postgres for tenants and usage")
	}

	awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(awsRegion(cfg.AWSRegion)))
	if awsErr != nil {
		slog.Warn("aws configuration unavailable, aws integrations disabled", "error", awsErr)
	}
	awsReady := awsErr == nil

	// Tenants
	var tenants repository.TenantRepository
	var localTenants *repository.InMemoryTenantRepository
	if db != nil {
		pg := repository.NewPostgresTenantRepository(db)
		for _, t := range catalog.DomainTenants() {
			if err := pg.Upsert(ctx, t); err != nil {
				return err
			}
		}
		tenants = pg
	} else {
		localTenants = repository.NewInMemoryTenantRepository()
		localTenants.Replace(catalog.DomainTenants())
		tenants = localTenants
		slog.Info("loaded tenants from catalog", "count", localTenants.Count())
	}

	// Quota
	var limiter ratelimit.RateLimiter
	var ledger budget.Ledger
	var dedup budget.AlertDeduplicator
	if redisClient != nil {
		limiter = ratelimit.NewRedisRateLimiter(redisClient)
		ledger = budget.NewRedisLedger(redisClient, time.Now)
		dedup = budget.NewRedisDeduplicator(redisClient, 25*time.Hour)
	} else {
		limiter = ratelimit.NewInMemoryRateLimiter()
		ledger = budget.NewInMemoryLedger(time.Now)
		dedup = budget.NewInMemoryDeduplicator()
	}
	quotas := quota.NewManager(limiter, ledger)

	// Notifications
	var notifier notifications.Notifier
	if cfg.SNSTopicARN != "" && awsReady {
		notifier = notifications.NewSNSNotifierWithConfig(awsCfg, cfg.SNSTopicARN)
		slog.Info("sns notifications enabled", "topic", cfg.SNSTopicARN)
	}

	monitor := budget.NewMonitor(ledger, budget.DefaultThresholds(), budget.WithDeduplicator(dedup))
	monitor.OnAlert(budget.LogAlertHandler)
	if notifier != nil {
		monitor.OnAlert(notifications.BudgetAlertHandler(notifier))
	}

	// Resilience
	breakerOpts := []circuitbreaker.ManagerOption{}
	if redisClient != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedisClient(redisClient))
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: cfg.CBFailureThreshold,
		Window:           cfg.CBWindow,
		Cooldown:         cfg.CBCooldown,
	}, breakerOpts...)

	store, err := idempotencyStore(cfg, redisClient)
	if err != nil {
		return err
	}
	resilienceOpts := []resilience.Option{resilience.WithIdempotencyTTL(cfg.IdempotencyTTL)}
	if notifier != nil {
		resilienceOpts = append(resilienceOpts, resilience.WithNotifier(notifier))
	}
	resilienceMgr := resilience.NewManager(breakers, store, resilienceOpts...)

	// Providers and pricing follow the catalog.
	httpClient := httputil.UpstreamClient()
	var awsForBedrock *aws.Config
	if awsReady {
		awsForBedrock = &awsCfg
	}
	registry := router.NewRegistry(buildProviders(catalog.ProviderConfigs(), httpClient, awsForBedrock))
	costs := cost.NewCalculator()
	costs.LoadCatalog(catalog.Models)

	catalogs.OnChange(func(c *config.Catalog) {
		registry.Replace(buildProviders(c.ProviderConfigs(), httpClient, awsForBedrock))
		costs.LoadCatalog(c.Models)
		if localTenants != nil {
			localTenants.Replace(c.DomainTenants())
		}
		slog.Info("catalog applied", "providers", registry.Names())
	})

	// Tenant policies
	var policies gateway.PolicySource
	var invalidator api.ConfigInvalidator
	var controlPlane *tenantconfig.Manager
	if cfg.ControlPlaneURL != "" {
		configs, err := tenantConfigManager(ctx, cfg, awsCfg, awsReady)
		if err != nil {
			return err
		}
		policies = configs
		invalidator = configs
		controlPlane = configs
		slog.Info("tenant policies from control plane", "url", cfg.ControlPlaneURL)
	}

	// Usage and events
	var usage cost.Tracker = cost.NewInMemoryTracker()
	sinks := []events.Sink{events.NewLogSink(slog.Default())}
	if db != nil {
		usage = repository.NewPostgresUsageRepository(db)
		sinks = append(sinks, events.NewPostgresSink(db))
	}
	if cfg.EventsQueueURL != "" && awsReady {
		sinks = append(sinks, events.NewSQSSink(awsCfg, cfg.EventsQueueURL))
		slog.Info("audit events to sqs", "queue", cfg.EventsQueueURL)
	}
	emitter := events.NewEmitter(sinks, events.WithLogger(slog.Default()))

	// The engine stops falling back before the server's write deadline.
	requestTimeout := catalog.ChainTimeout(cfg.ProviderTimeout)

	engine := gateway.NewEngine(gateway.EngineConfig{
		Tenants:    tenants,
		Quota:      quotas,
		Resilience: resilienceMgr,
		Registry:   registry,
		Costs:      costs,
		Policies:   policies,
		DefaultPolicy: func() *domain.TenantPolicy {
			return catalogs.Get().DefaultPolicy()
		},
		Usage:          usage,
		Budget:         monitor,
		Events:         emitter,
		DefaultTimeout: cfg.ProviderTimeout,
		RequestTimeout: requestTimeout,
	})

	var checkers []api.HealthChecker
	if redisClient != nil {
		checkers = append(checkers, api.NewRedisHealthChecker(redisClient))
	}
	if db != nil {
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
	}
	if controlPlane != nil {
		checkers = append(checkers, api.NewControlPlaneHealthChecker(controlPlane))
	}

	handler := api.NewHandler(api.HandlerConfig{
		Engine:   engine,
		Checkers: checkers,
		Version:  cfg.Version,
		Admin: api.NewAdminHandler(api.AdminConfig{
			TokenHash: cfg.AdminTokenHash,
			Tenants:   tenants,
			Circuits:  resilienceMgr,
			Spend:     quotas,
			Usage:     usage,
			Configs:   invalidator,
		}),
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: requestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.WatchCatalog {
		if err := catalogs.Watch(ctx); err != nil {
			slog.Warn("catalog watch disabled", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
		}
		engine.Wait()
		if err := emitter.Close(shutdownCtx); err != nil {
			slog.Warn("event emitter did not drain", "error", err)
		}
		if err := shutdownTracer(shutdownCtx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("server stopped")
	return err
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func connectPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(migrateCtx); err != nil {
		db.Close()
		return nil, err
	}
	if err := repository.Migrate(migrateCtx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func idempotencyStore(cfg *config.Config, client *redis.Client) (idempotency.Store, error) {
	var store idempotency.Store
	if client != nil {
		store = idempotency.NewRedisStore(client)
	} else {
		store = idempotency.NewInMemoryStore(cfg.IdempotencyTTL)
	}
	if cfg.EncryptionKey == "" {
		return store, nil
	}
	enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return idempotency.NewEncryptedStore(store, enc), nil
}

func tenantConfigManager(ctx context.Context, cfg *config.Config, awsCfg aws.Config, awsReady bool) (*tenantconfig.Manager, error) {
	var store secrets.Store = secrets.NewInMemoryStore()
	if cfg.ControlPlaneTokenSecret != "" && awsReady {
		store = secrets.NewAWSStore(awsCfg)
	}
	token, err := secrets.ControlPlaneToken(ctx, store, cfg.ControlPlaneTokenSecret, cfg.ControlPlaneToken)
	if err != nil {
		return nil, err
	}

	fetcher := tenantconfig.NewHTTPFetcher(cfg.ControlPlaneURL, token,
		httputil.NewClient(httputil.ControlPlaneConfig(cfg.ConfigFetchTimeout)))
	return tenantconfig.NewManager(fetcher,
		tenantconfig.WithTTL(cfg.ConfigCacheTTL),
		tenantconfig.WithFetchTimeout(cfg.ConfigFetchTimeout),
		tenantconfig.WithLogger(slog.Default()),
	), nil
}

func awsRegion(region string) string {
	if region == "" {
		return "us-east-1"
	}
	return region
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
