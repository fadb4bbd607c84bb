package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Store and cache drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
)

type Config struct {
	Server     ServerConfig
	DB         DBConfig
	Redis      RedisConfig
	NATS       NATSConfig
	JWT        JWTConfig
	Log        LogConfig
	Store      StoreConfig
	Cache      CacheConfig
	Governance GovernanceConfig
	CORS       CORSConfig
	RateLimit  RateLimitConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig is optional; an empty URL disables JetStream and events are
// only logged.
type NATSConfig struct {
	URL string
}

type JWTConfig struct {
	Secret string
	Issuer string
	Expiry time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type StoreConfig struct {
	Driver        string
	MigrationsDir string
}

type CacheConfig struct {
	Driver string
}

// FreeTierConfig holds the built-in fallback used when no tier template exists.
type FreeTierConfig struct {
	MaxTokens      int64
	MaxRequests    int64
	MaxDecisions   int64
	MaxCost        decimal.Decimal
	AlertThreshold int
}

type GovernanceConfig struct {
	KillSwitchTTL        time.Duration
	ApprovalDeadline     time.Duration
	DefaultTier          string
	Free                 FreeTierConfig
	MaxRequestsPerMinute int
	SweepInterval        time.Duration
	ReportTopN           int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}
	return fromKoanf(k)
}

func fromKoanf(k *koanf.Koanf) (*Config, error) {
	var err error
	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:     k.String("db.host"),
			Port:     k.Int("db.port"),
			User:     k.String("db.user"),
			Password: k.String("db.password"),
			Name:     k.String("db.name"),
			SSLMode:  k.String("db.sslmode"),
			MaxConns: int32(k.Int("db.max.conns")),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		JWT: JWTConfig{
			Secret: k.String("jwt.secret"),
			Issuer: k.String("jwt.issuer"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
		Store: StoreConfig{
			Driver:        strings.ToLower(k.String("store.driver")),
			MigrationsDir: k.String("store.migrations.dir"),
		},
		Cache: CacheConfig{
			Driver: strings.ToLower(k.String("cache.driver")),
		},
		Governance: GovernanceConfig{
			DefaultTier: k.String("governance.default.tier"),
			Free: FreeTierConfig{
				MaxTokens:      k.Int64("governance.free.max.tokens"),
				MaxRequests:    k.Int64("governance.free.max.requests"),
				MaxDecisions:   k.Int64("governance.free.max.decisions"),
				AlertThreshold: k.Int("governance.free.alert.threshold"),
			},
			MaxRequestsPerMinute: k.Int("governance.max.requests.per.minute"),
			ReportTopN:           k.Int("governance.report.top.n"),
		},
		RateLimit: RateLimitConfig{
			Limit: k.Int("api.rate.limit"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "aigov"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "aigov"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "aiox"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverPostgres
	}
	if cfg.Store.MigrationsDir == "" {
		cfg.Store.MigrationsDir = "migrations"
	}
	if cfg.Cache.Driver == "" {
		cfg.Cache.Driver = DriverMemory
	}

	g := &cfg.Governance
	if g.DefaultTier == "" {
		g.DefaultTier = "free"
	}
	if !k.Exists("governance.free.max.tokens") {
		g.Free.MaxTokens = 100000
	}
	if !k.Exists("governance.free.max.requests") {
		g.Free.MaxRequests = 1000
	}
	if !k.Exists("governance.free.max.decisions") {
		g.Free.MaxDecisions = 500
	}
	if g.Free.AlertThreshold == 0 {
		g.Free.AlertThreshold = 80
	}
	if g.ReportTopN == 0 {
		g.ReportTopN = 10
	}
	if cfg.RateLimit.Limit == 0 {
		cfg.RateLimit.Limit = 300
	}

	maxCost := k.String("governance.free.max.cost")
	if maxCost == "" {
		maxCost = "10.00"
	}
	if g.Free.MaxCost, err = decimal.NewFromString(maxCost); err != nil {
		return nil, fmt.Errorf("parsing governance free max cost: %w", err)
	}

	if origins := k.String("cors.allowed.origins"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, o)
			}
		}
	}

	// Parse durations
	for _, d := range []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"jwt.expiry", "15m", &cfg.JWT.Expiry},
		{"governance.killswitch.ttl", "2m", &g.KillSwitchTTL},
		{"governance.approval.deadline", "48h", &g.ApprovalDeadline},
		{"governance.sweep.interval", "0s", &g.SweepInterval},
		{"api.rate.window", "1m", &cfg.RateLimit.Window},
	} {
		s := k.String(d.key)
		if s == "" {
			s = d.def
		}
		if *d.dest, err = time.ParseDuration(s); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", d.key, err)
		}
	}

	return cfg, nil
}
