// Package session hands out provider credentials for a request, authenticating
// against token-based providers only when no usable session is cached.
package session

import (
	"context"
	"time"

	billingdomain "github.com/smallbiznis/fiscal/internal/billingconfig/domain"
	"github.com/smallbiznis/fiscal/internal/clock"
	"github.com/smallbiznis/fiscal/internal/config"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	obsmetrics "github.com/smallbiznis/fiscal/internal/observability/metrics"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	sourceCache        = "cache"
	sourceDatabase     = "database"
	sourceAuthenticate = "authenticate"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	ConfigSvc billingdomain.Service
	Cache     Cache `optional:"true"`
	Clock     clock.Clock
	Policy    *config.FiscalPolicyHolder `optional:"true"`
	Metrics   *obsmetrics.Metrics        `optional:"true"`
}

// Manager implements read-check-refresh over the cache, the billing
// configuration row and the provider. Concurrent refreshes are not excluded;
// the last writer wins and every written token is valid.
type Manager struct {
	log       *zap.Logger
	configSvc billingdomain.Service
	cache     Cache
	clock     clock.Clock
	policy    *config.FiscalPolicyHolder
	metrics   *obsmetrics.Metrics
}

func NewManager(p Params) *Manager {
	cache := p.Cache
	if cache == nil {
		cache = noopCache{}
	}
	return &Manager{
		log:       p.Log.Named("session.manager"),
		configSvc: p.ConfigSvc,
		cache:     cache,
		clock:     p.Clock,
		policy:    p.Policy,
		metrics:   p.Metrics,
	}
}

// Token returns the credential to present to the provider behind adapter.
// API-key providers get their key back unchanged.
func (m *Manager) Token(ctx context.Context, settings *billingdomain.Settings, adapter providerdomain.Adapter) (string, error) {
	if settings == nil {
		return "", fiscalerr.New(fiscalerr.KindConfigurationMissing, "billing integration is not configured")
	}

	auth, ok := providerdomain.AuthenticatorOf(adapter)
	if !ok {
		if settings.Credentials.APIKey == "" {
			return "", fiscalerr.New(fiscalerr.KindConfigurationMissing, "provider api key is missing")
		}
		return settings.Credentials.APIKey, nil
	}

	policy := m.policy.Get()
	now := m.clock.Now().UTC()
	log := m.log.With(zap.String("org_id", settings.OrgID.String()), zap.String("provider", string(settings.Provider)))

	// The row loses its session whenever credentials change, so a cached
	// token is only trusted while the row still holds one.
	if s := settings.Session; s != nil && s.Token != "" {
		token, found, err := m.cache.Get(ctx, settings.OrgID)
		if err != nil {
			log.Warn("session cache read failed", zap.Error(err))
		}
		if found {
			m.metrics.RecordSessionRefresh(ctx, string(settings.Provider), sourceCache)
			return token, nil
		}
	} else if err := m.cache.Delete(ctx, settings.OrgID); err != nil {
		log.Warn("session cache delete failed", zap.Error(err))
	}

	if s := settings.Session; s != nil && s.Token != "" && s.ExpiresAt.Sub(now) > policy.SessionSafetyMargin {
		m.remember(ctx, log, settings, *s, now, policy)
		m.metrics.RecordSessionRefresh(ctx, string(settings.Provider), sourceDatabase)
		return s.Token, nil
	}

	token, expiresIn, err := auth.Authenticate(ctx, providerdomain.Credentials{
		APIKey:       settings.Credentials.APIKey,
		ClientID:     settings.Credentials.ClientID,
		ClientSecret: settings.Credentials.ClientSecret,
	})
	if err != nil {
		fe := fiscalerr.As(err)
		if fe.Kind != fiscalerr.KindProviderAuthFailed {
			fe = fiscalerr.Wrap(fiscalerr.KindProviderAuthFailed, "provider authentication failed", err)
		}
		m.metrics.RecordSessionRefresh(ctx, string(settings.Provider), string(fiscalerr.KindProviderAuthFailed))
		log.Warn("provider authentication failed", zap.Error(fe))
		return "", fe
	}

	ttl := policy.SessionTTL
	if expiresIn > 0 && expiresIn < ttl {
		ttl = expiresIn
	}
	session := billingdomain.Session{Token: token, ExpiresAt: now.Add(ttl)}
	if err := m.configSvc.SaveSession(ctx, settings.OrgID, session); err != nil {
		log.Warn("failed to persist provider session", zap.Error(err))
	}
	m.remember(ctx, log, settings, session, now, policy)
	settings.Session = &session

	m.metrics.RecordSessionRefresh(ctx, string(settings.Provider), sourceAuthenticate)
	log.Info("provider session refreshed", zap.Time("expires_at", session.ExpiresAt))
	return token, nil
}

// Invalidate drops the cached session so the next request authenticates again.
func (m *Manager) Invalidate(ctx context.Context, settings *billingdomain.Settings) {
	if m == nil || settings == nil {
		return
	}
	if err := m.cache.Delete(ctx, settings.OrgID); err != nil {
		m.log.Warn("session cache delete failed", zap.Error(err))
	}
	if err := m.configSvc.SaveSession(ctx, settings.OrgID, billingdomain.Session{}); err != nil {
		m.log.Warn("failed to clear provider session", zap.Error(err))
	}
	settings.Session = nil
}

// DropRejected invalidates the session when err says the provider refused
// the credential. The failed call itself is not retried.
func (m *Manager) DropRejected(ctx context.Context, settings *billingdomain.Settings, err error) bool {
	if m == nil || settings == nil || fiscalerr.KindOf(err) != fiscalerr.KindProviderAuthFailed {
		return false
	}
	m.log.Info("provider rejected session",
		zap.String("org_id", settings.OrgID.String()),
		zap.String("provider", string(settings.Provider)),
	)
	m.Invalidate(ctx, settings)
	return true
}

func (m *Manager) remember(ctx context.Context, log *zap.Logger, settings *billingdomain.Settings, s billingdomain.Session, now time.Time, policy config.FiscalPolicy) {
	ttl := s.ExpiresAt.Sub(now) - policy.SessionSafetyMargin
	if ttl <= 0 {
		return
	}
	if err := m.cache.Set(ctx, settings.OrgID, s.Token, ttl); err != nil {
		log.Warn("session cache write failed", zap.Error(err))
	}
}
