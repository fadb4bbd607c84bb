package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// JWT secret
	if len(c.JWT.Secret) < 32 {
		errs = append(errs, "JWT_SECRET must be at least 32 characters")
	}
	if c.JWT.Expiry <= 0 {
		errs = append(errs, "JWT_EXPIRY must be positive")
	}

	// Drivers
	switch c.Store.Driver {
	case DriverPostgres:
		if c.DB.Password == "" {
			errs = append(errs, "DB_PASSWORD is required")
		}
		if c.DB.Port < 1 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Sprintf("DB_PORT must be 1-65535, got %d", c.DB.Port))
		}
	case DriverMemory:
		slog.Warn("STORE_DRIVER=memory: governance data is not persisted")
	default:
		errs = append(errs, fmt.Sprintf("STORE_DRIVER must be postgres or memory, got %q", c.Store.Driver))
	}
	switch c.Cache.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Redis.Port < 1 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1-65535, got %d", c.Redis.Port))
		}
	default:
		errs = append(errs, fmt.Sprintf("CACHE_DRIVER must be memory or redis, got %q", c.Cache.Driver))
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1-65535, got %d", c.Server.Port))
	}

	// Governance
	g := c.Governance
	if strings.TrimSpace(g.DefaultTier) == "" {
		errs = append(errs, "GOVERNANCE_DEFAULT_TIER is required")
	}
	if g.KillSwitchTTL <= 0 {
		errs = append(errs, "GOVERNANCE_KILLSWITCH_TTL must be positive")
	}
	if g.ApprovalDeadline <= 0 {
		errs = append(errs, "GOVERNANCE_APPROVAL_DEADLINE must be positive")
	}
	if g.Free.MaxTokens < 0 || g.Free.MaxRequests < 0 || g.Free.MaxDecisions < 0 || g.Free.MaxCost.IsNegative() {
		errs = append(errs, "GOVERNANCE_FREE_* limits must not be negative")
	}
	if g.Free.AlertThreshold < 1 || g.Free.AlertThreshold > 100 {
		errs = append(errs, fmt.Sprintf("GOVERNANCE_FREE_ALERT_THRESHOLD must be 1-100, got %d", g.Free.AlertThreshold))
	}
	if g.MaxRequestsPerMinute < 0 {
		errs = append(errs, "GOVERNANCE_MAX_REQUESTS_PER_MINUTE must not be negative")
	}
	if g.MaxRequestsPerMinute > 0 && c.Cache.Driver != DriverRedis {
		slog.Warn("GOVERNANCE_MAX_REQUESTS_PER_MINUTE needs CACHE_DRIVER=redis; burst limiting is off")
	}
	if g.SweepInterval < 0 {
		errs = append(errs, "GOVERNANCE_SWEEP_INTERVAL must not be negative")
	}
	if g.ReportTopN < 1 {
		errs = append(errs, "GOVERNANCE_REPORT_TOP_N must be at least 1")
	}

	// API rate limit
	if c.RateLimit.Limit < 1 || c.RateLimit.Window <= 0 {
		errs = append(errs, "API_RATE_LIMIT and API_RATE_WINDOW must be positive")
	}

	// NATS: warn only
	if c.NATS.URL == "" {
		slog.Warn("NATS_URL is empty; governance events are logged but not published")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
