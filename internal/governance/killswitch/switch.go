// Package killswitch is the global gate that can turn every AI call off at once.
//
// The flag lives in system_settings and is read through a short-TTL cache. A
// writer refreshes its own cache entry immediately; processes that do not share
// that cache see the change once their entry expires. That delay is accepted.
package killswitch

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/aigov/internal/auth"
	"github.com/aiox-platform/aigov/internal/authz"
	"github.com/aiox-platform/aigov/internal/cache"
	"github.com/aiox-platform/aigov/internal/governance/audit"
	"github.com/aiox-platform/aigov/internal/metrics"
	inats "github.com/aiox-platform/aigov/internal/nats"
)

// SettingKey is the system_settings key holding the flag.
const SettingKey = "ai_enabled"

const cacheKey = "killswitch:" + SettingKey

// DefaultCacheTTL bounds how long a cached flag may be served.
const DefaultCacheTTL = 2 * time.Minute

// State is the kill switch as reported to administrators.
type State struct {
	Enabled   bool       `json:"enabled"`
	UpdatedBy *uuid.UUID `json:"updated_by,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

type Switch struct {
	settings Settings
	cache    cache.Cache
	ttl      time.Duration
	authz    *authz.Authorizer
	events   inats.Events
	now      func() time.Time
}

// New returns a Switch caching the flag for ttl. A non-positive ttl would make
// cached entries permanent, so it falls back to DefaultCacheTTL.
func New(settings Settings, c cache.Cache, ttl time.Duration, az *authz.Authorizer, events inats.Events) *Switch {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Switch{settings: settings, cache: c, ttl: ttl, authz: az, events: events, now: time.Now}
}

// IsEnabled reports whether AI is globally enabled. An absent setting means
// enabled, and so does a store that cannot be read.
func (s *Switch) IsEnabled(ctx context.Context) bool {
	if raw, ok, err := s.cache.Get(ctx, cacheKey); err != nil {
		slog.Warn("killswitch: reading cache", "error", err)
	} else if ok {
		if v, err := strconv.ParseBool(string(raw)); err == nil {
			return v
		}
	}

	setting, err := s.settings.Get(ctx, SettingKey)
	if err != nil {
		slog.Warn("killswitch: reading setting, assuming enabled", "error", err)
		return true
	}
	enabled := parse(setting)
	s.remember(ctx, enabled)
	return enabled
}

// Status reads the persisted setting for the admin surface, bypassing the cache.
func (s *Switch) Status(ctx context.Context, p auth.Principal) (State, error) {
	if err := s.authz.Authorize(p, p.OrganizationID, authz.ObjKillSwitch, authz.ActRead); err != nil {
		return State{}, err
	}
	setting, err := s.settings.Get(ctx, SettingKey)
	if err != nil {
		return State{}, err
	}
	st := State{Enabled: parse(setting)}
	if setting != nil {
		st.UpdatedBy = setting.UpdatedBy
		at := setting.UpdatedAt
		st.UpdatedAt = &at
	}
	return st, nil
}

// SetEnabled persists the flag and refreshes the cache entry of this process.
func (s *Switch) SetEnabled(ctx context.Context, p auth.Principal, enabled bool) (State, error) {
	if err := s.authz.AuthorizeGlobal(p, authz.ObjKillSwitch, authz.ActWrite); err != nil {
		return State{}, err
	}

	actor := p.UserID
	now := s.now().UTC()
	setting := &Setting{Key: SettingKey, Value: strconv.FormatBool(enabled), UpdatedBy: &actor, UpdatedAt: now}
	if err := s.settings.Put(ctx, setting); err != nil {
		return State{}, err
	}
	s.remember(ctx, enabled)

	e := audit.NewEvent(p, uuid.Nil, inats.EventKillSwitchToggled, "setting", SettingKey, map[string]bool{"enabled": enabled})
	if !enabled {
		e.Severity = inats.SeverityWarn
	}
	audit.Emit(ctx, s.events, e)

	slog.Warn("killswitch toggled", "enabled", enabled, "actor", actor)
	return State{Enabled: enabled, UpdatedBy: &actor, UpdatedAt: &now}, nil
}

func (s *Switch) remember(ctx context.Context, enabled bool) {
	gauge := 0.0
	if enabled {
		gauge = 1
	}
	metrics.KillSwitchEnabled.Set(gauge)

	if err := s.cache.Set(ctx, cacheKey, []byte(strconv.FormatBool(enabled)), s.ttl); err != nil {
		slog.Warn("killswitch: writing cache", "error", err)
		_ = s.cache.Delete(ctx, cacheKey)
	}
}

func parse(setting *Setting) bool {
	if setting == nil {
		return true
	}
	v, err := strconv.ParseBool(setting.Value)
	if err != nil {
		slog.Warn("killswitch: unreadable setting value, assuming enabled", "value", setting.Value)
		return true
	}
	return v
}
