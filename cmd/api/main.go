package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aiox-platform/aigov/internal/api"
	"github.com/aiox-platform/aigov/internal/auth"
	"github.com/aiox-platform/aigov/internal/authz"
	"github.com/aiox-platform/aigov/internal/cache"
	"github.com/aiox-platform/aigov/internal/config"
	"github.com/aiox-platform/aigov/internal/database"
	"github.com/aiox-platform/aigov/internal/governance"
	"github.com/aiox-platform/aigov/internal/governance/admission"
	"github.com/aiox-platform/aigov/internal/governance/approval"
	"github.com/aiox-platform/aigov/internal/governance/audit"
	"github.com/aiox-platform/aigov/internal/governance/killswitch"
	"github.com/aiox-platform/aigov/internal/governance/ledger"
	"github.com/aiox-platform/aigov/internal/governance/quota"
	"github.com/aiox-platform/aigov/internal/governance/reporting"
	"github.com/aiox-platform/aigov/internal/governance/tenant"
	"github.com/aiox-platform/aigov/internal/governance/usage"
	mw "github.com/aiox-platform/aigov/internal/middleware"
	inats "github.com/aiox-platform/aigov/internal/nats"
	iredis "github.com/aiox-platform/aigov/internal/redis"
	"github.com/aiox-platform/aigov/internal/server"
)

var errNATSDisconnected = errors.New("nats: not connected")

// stores bundles the persistence backends selected by STORE_DRIVER.
type stores struct {
	quotas    quota.Store
	ledger    ledger.Repository
	settings  killswitch.Settings
	audit     audit.Store
	directory tenant.Directory
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]api.HealthCheck{}

	// Persistence
	var st stores
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		if err := database.RunMigrations(cfg.DB.DSN(), cfg.Store.MigrationsDir); err != nil {
			slog.Error("running migrations", "error", err)
			os.Exit(1)
		}
		pool, err := database.NewPostgresPool(ctx, cfg.DB)
		if err != nil {
			slog.Error("connecting to postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		st = postgresStores(pool)
		checks["database"] = func(ctx context.Context) error { return database.HealthCheck(ctx, pool) }
	default:
		st = stores{
			quotas:    quota.NewMemoryStore(),
			ledger:    ledger.NewMemoryRepository(),
			settings:  killswitch.NewMemorySettings(),
			audit:     audit.NewMemoryStore(),
			directory: tenant.NewMemoryDirectory(),
		}
	}

	// Cache, burst limiting and API rate limiting
	var (
		sharedCache cache.Cache = cache.NewMemory()
		burst       *quota.BurstLimiter
		rateLimiter func(http.Handler) http.Handler
	)
	if cfg.Cache.Driver == config.DriverRedis {
		redisClient, err := iredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Error("connecting to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()

		sharedCache = cache.NewRedis(redisClient, "aigov:")
		if cfg.Governance.MaxRequestsPerMinute > 0 {
			burst = quota.NewBurstLimiter(redisClient)
		}
		if cfg.RateLimit.Limit > 0 {
			rateLimiter = mw.NewRateLimiter(redisClient, "api", cfg.RateLimit.Limit, cfg.RateLimit.Window, principalKey).Middleware
		}
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	// Events
	var events inats.Events = inats.LogEvents{}
	if cfg.NATS.URL != "" {
		natsClient, err := inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to nats", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()

		events = inats.NewPublisher(natsClient.JetStream())
		checks["nats"] = func(context.Context) error {
			if !natsClient.Healthy() {
				return errNATSDisconnected
			}
			return nil
		}

		consumer := audit.NewConsumer(st.audit, inats.NewConsumerManager(natsClient.JetStream()))
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("audit consumer stopped", "error", err)
			}
		}()
	}

	az, err := authz.NewDefault()
	if err != nil {
		slog.Error("loading authorization policies", "error", err)
		os.Exit(1)
	}

	// Governance
	gov := cfg.Governance
	defaults := quota.Defaults{
		Tier:           gov.DefaultTier,
		MaxTokens:      gov.Free.MaxTokens,
		MaxRequests:    gov.Free.MaxRequests,
		MaxDecisions:   gov.Free.MaxDecisions,
		MaxCost:        gov.Free.MaxCost,
		AlertThreshold: gov.Free.AlertThreshold,
	}
	accountant := quota.NewAccountant(quota.NewResolver(st.quotas, defaults), st.ledger)
	ks := killswitch.New(st.settings, sharedCache, gov.KillSwitchTTL, az, events)
	recorder := admission.NewRecorder(st.ledger, accountant, sharedCache, events, gov.ApprovalDeadline)

	handler := governance.NewHandler(governance.Services{
		Quotas:     quota.NewService(st.quotas, accountant, az, events),
		Approvals:  approval.NewService(st.ledger, az, events, gov.ApprovalDeadline),
		Usage:      usage.NewService(st.ledger, az, gov.ApprovalDeadline),
		Reports:    reporting.NewService(st.directory, st.quotas, st.ledger, accountant, ks, az, gov.DefaultTier, gov.ReportTopN),
		KillSwitch: ks,
		Gate:       admission.NewGate(ks, accountant, burst, gov.MaxRequestsPerMinute, recorder),
		Audit:      audit.NewService(st.audit, az),
	})

	if gov.SweepInterval > 0 {
		sweeper := approval.NewSweeper(st.ledger, sharedCache, events, gov.ApprovalDeadline, gov.SweepInterval)
		go sweeper.Run(ctx)
	}

	// Router
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Expiry)
	router := api.NewRouter(api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		AuthMiddleware:     auth.Middleware(jwtManager),
		RateLimiter:        rateLimiter,
		Governance:         handler.Routes,
		ReadinessChecks:    checks,
	})

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func postgresStores(pool *pgxpool.Pool) stores {
	return stores{
		quotas:    quota.NewPostgresStore(pool),
		ledger:    ledger.NewRepository(pool),
		settings:  killswitch.NewPostgresSettings(pool),
		audit:     audit.NewRepository(pool),
		directory: tenant.NewPostgresDirectory(pool),
	}
}

// principalKey limits authenticated callers per user.
func principalKey(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return "user:" + p.UserID.String()
	}
	return ""
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler).With("service", "aigov"))
}
