package config

import (
	"strings"
	"testing"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		DB: DBConfig{
			Host: "localhost", Port: 5432, User: "aigov",
			Password: "secret", Name: "aigov", SSLMode: "disable", MaxConns: 25,
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		NATS:  NATSConfig{URL: "nats://localhost:4222"},
		JWT: JWTConfig{
			Secret: "access-secret-that-is-at-least-32-chars!",
			Issuer: "aiox",
			Expiry: 15 * time.Minute,
		},
		Store: StoreConfig{Driver: DriverPostgres},
		Cache: CacheConfig{Driver: DriverRedis},
		Governance: GovernanceConfig{
			KillSwitchTTL:    2 * time.Minute,
			ApprovalDeadline: 48 * time.Hour,
			DefaultTier:      "free",
			Free: FreeTierConfig{
				MaxTokens: 100000, MaxRequests: 1000, MaxDecisions: 500,
				MaxCost: decimal.NewFromInt(10), AlertThreshold: 80,
			},
			ReportTopN: 10,
		},
		RateLimit: RateLimitConfig{Limit: 300, Window: time.Minute},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidate_JWTSecretTooShort(t *testing.T) {
	cfg := validConfig()
	cfg.JWT.Secret = "short"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestValidate_DBPasswordOnlyForPostgres(t *testing.T) {
	cfg := validConfig()
	cfg.DB.Password = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_PASSWORD")

	cfg.Store.Driver = DriverMemory
	assert.NoError(t, cfg.Validate())
}

func TestValidate_UnknownDrivers(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Driver = "sqlite"
	cfg.Cache.Driver = "memcached"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_DRIVER")
	assert.Contains(t, err.Error(), "CACHE_DRIVER")
}

func TestValidate_Governance(t *testing.T) {
	cfg := validConfig()
	cfg.Governance.Free.AlertThreshold = 120
	cfg.Governance.Free.MaxCost = decimal.NewFromInt(-1)
	cfg.Governance.ApprovalDeadline = 0
	cfg.Governance.KillSwitchTTL = 0
	err := cfg.Validate()
	require.Error(t, err)
	for _, substr := range []string{"ALERT_THRESHOLD", "GOVERNANCE_FREE_*", "APPROVAL_DEADLINE", "KILLSWITCH_TTL"} {
		assert.Contains(t, err.Error(), substr)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: 0},
		DB:     DBConfig{Port: 5432},
		Store:  StoreConfig{Driver: DriverPostgres},
		Cache:  CacheConfig{Driver: DriverMemory},
	}
	err := cfg.Validate()
	require.Error(t, err)

	errStr := err.Error()
	for _, substr := range []string{"JWT_SECRET", "DB_PASSWORD", "SERVER_PORT", "GOVERNANCE_DEFAULT_TIER", "API_RATE_LIMIT"} {
		assert.True(t, strings.Contains(errStr, substr), "expected %q in error: %s", substr, errStr)
	}
}

func TestFromKoanf_Defaults(t *testing.T) {
	cfg, err := fromKoanf(koanf.New("."))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, DriverMemory, cfg.Cache.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Governance.KillSwitchTTL)
	assert.Equal(t, 48*time.Hour, cfg.Governance.ApprovalDeadline)
	assert.Equal(t, "free", cfg.Governance.DefaultTier)
	assert.Equal(t, int64(100000), cfg.Governance.Free.MaxTokens)
	assert.Equal(t, int64(1000), cfg.Governance.Free.MaxRequests)
	assert.Equal(t, int64(500), cfg.Governance.Free.MaxDecisions)
	assert.True(t, decimal.NewFromInt(10).Equal(cfg.Governance.Free.MaxCost))
	assert.Equal(t, 80, cfg.Governance.Free.AlertThreshold)
	assert.Zero(t, cfg.Governance.SweepInterval)
	assert.Zero(t, cfg.Governance.MaxRequestsPerMinute)
	assert.Equal(t, 10, cfg.Governance.ReportTopN)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
}

func TestFromKoanf_Overrides(t *testing.T) {
	k := koanf.New(".")
	for key, val := range map[string]string{
		"store.driver":                       "MEMORY",
		"governance.killswitch.ttl":          "30s",
		"governance.free.max.tokens":         "0",
		"governance.free.max.cost":           "2.50",
		"governance.max.requests.per.minute": "60",
		"cors.allowed.origins":               "https://a.example, https://b.example,",
	} {
		require.NoError(t, k.Set(key, val))
	}

	cfg, err := fromKoanf(k)
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Governance.KillSwitchTTL)
	assert.Zero(t, cfg.Governance.Free.MaxTokens, "an explicit zero means unlimited")
	assert.True(t, decimal.RequireFromString("2.5").Equal(cfg.Governance.Free.MaxCost))
	assert.Equal(t, 60, cfg.Governance.MaxRequestsPerMinute)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
}

func TestFromKoanf_BadDuration(t *testing.T) {
	k := koanf.New(".")
	require.NoError(t, k.Set("governance.sweep.interval", "soon"))
	_, err := fromKoanf(k)
	assert.ErrorContains(t, err, "governance.sweep.interval")
}
