package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/fiscal/internal/billingconfig/domain"
	"github.com/smallbiznis/fiscal/internal/clock"
	"github.com/smallbiznis/fiscal/internal/config"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	providerdomain "github.com/smallbiznis/fiscal/internal/provider/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubAdapter struct {
	providerdomain.Adapter
}

func (stubAdapter) Kind() string { return "provider_a" }

type authAdapter struct {
	stubAdapter
	mu        sync.Mutex
	calls     int
	expiresIn time.Duration
	err       error
}

func (a *authAdapter) Kind() string { return "provider_b" }

func (a *authAdapter) Authenticate(_ context.Context, creds providerdomain.Credentials) (string, time.Duration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return "", 0, a.err
	}
	if creds.ClientID == "" {
		return "", 0, errors.New("missing client id")
	}
	return "token-" + string(rune('0'+a.calls)), a.expiresIn, nil
}

type memoryConfig struct {
	billingdomain.Service
	saved []billingdomain.Session
}

func (m *memoryConfig) SaveSession(_ context.Context, _ snowflake.ID, s billingdomain.Session) error {
	m.saved = append(m.saved, s)
	return nil
}

type memoryCache struct {
	tokens map[snowflake.ID]string
	ttls   map[snowflake.ID]time.Duration
}

func newMemoryCache() *memoryCache {
	return &memoryCache{tokens: map[snowflake.ID]string{}, ttls: map[snowflake.ID]time.Duration{}}
}

func (c *memoryCache) Get(_ context.Context, orgID snowflake.ID) (string, bool, error) {
	token, ok := c.tokens[orgID]
	return token, ok, nil
}

func (c *memoryCache) Set(_ context.Context, orgID snowflake.ID, token string, ttl time.Duration) error {
	c.tokens[orgID] = token
	c.ttls[orgID] = ttl
	return nil
}

func (c *memoryCache) Delete(_ context.Context, orgID snowflake.ID) error {
	delete(c.tokens, orgID)
	return nil
}

func newManager(cfg *memoryConfig, cache Cache, fakeClock *clock.FakeClock) *Manager {
	return NewManager(Params{
		Log:       zap.NewNop(),
		ConfigSvc: cfg,
		Cache:     cache,
		Clock:     fakeClock,
		Policy:    config.NewStaticFiscalPolicyHolder(config.DefaultFiscalPolicy()),
	})
}

func tokenSettings() *billingdomain.Settings {
	return &billingdomain.Settings{
		OrgID:       42,
		Provider:    billingdomain.ProviderKindB,
		Credentials: billingdomain.Credentials{ClientID: "client", ClientSecret: "secret"},
	}
}

func TestAPIKeyProviderNeedsNoSession(t *testing.T) {
	cfg := &memoryConfig{}
	m := newManager(cfg, nil, clock.NewFakeClock(time.Now()))

	token, err := m.Token(context.Background(), &billingdomain.Settings{
		OrgID:       1,
		Provider:    billingdomain.ProviderKindA,
		Credentials: billingdomain.Credentials{APIKey: "key_live"},
	}, stubAdapter{})
	require.NoError(t, err)
	assert.Equal(t, "key_live", token)
	assert.Empty(t, cfg.saved)
}

func TestSessionReusedWithinTTLAndRefreshedAfterExpiry(t *testing.T) {
	cfg := &memoryConfig{}
	fakeClock := clock.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	m := newManager(cfg, nil, fakeClock)
	adapter := &authAdapter{}
	settings := tokenSettings()
	ctx := context.Background()

	first, err := m.Token(ctx, settings, adapter)
	require.NoError(t, err)
	require.Len(t, cfg.saved, 1)
	assert.Equal(t, fakeClock.Now().Add(time.Hour), cfg.saved[0].ExpiresAt)

	fakeClock.Advance(30 * time.Minute)
	second, err := m.Token(ctx, settings, adapter)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, adapter.calls)

	// Inside the safety margin the session no longer counts as valid.
	fakeClock.Advance(26 * time.Minute)
	third, err := m.Token(ctx, settings, adapter)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
	assert.Equal(t, 2, adapter.calls)
	assert.Len(t, cfg.saved, 2)
}

func TestSessionLoadedFromConfigurationRow(t *testing.T) {
	fakeClock := clock.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	cache := newMemoryCache()
	m := newManager(&memoryConfig{}, cache, fakeClock)
	adapter := &authAdapter{}

	settings := tokenSettings()
	settings.Session = &billingdomain.Session{Token: "stored", ExpiresAt: fakeClock.Now().Add(20 * time.Minute)}

	token, err := m.Token(context.Background(), settings, adapter)
	require.NoError(t, err)
	assert.Equal(t, "stored", token)
	assert.Zero(t, adapter.calls)
	assert.Equal(t, "stored", cache.tokens[42])
	assert.Equal(t, 15*time.Minute, cache.ttls[42])
}

func TestCachedTokenSkipsAuthentication(t *testing.T) {
	cache := newMemoryCache()
	cache.tokens[42] = "cached"
	fakeClock := clock.NewFakeClock(time.Now())
	m := newManager(&memoryConfig{}, cache, fakeClock)
	adapter := &authAdapter{}

	settings := tokenSettings()
	settings.Session = &billingdomain.Session{Token: "stored", ExpiresAt: fakeClock.Now().Add(time.Hour)}

	token, err := m.Token(context.Background(), settings, adapter)
	require.NoError(t, err)
	assert.Equal(t, "cached", token)
	assert.Zero(t, adapter.calls)
}

func TestRotatedCredentialsIgnoreCachedToken(t *testing.T) {
	cfg := &memoryConfig{}
	cache := newMemoryCache()
	m := newManager(cfg, cache, clock.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)))
	adapter := &authAdapter{}
	ctx := context.Background()

	first, err := m.Token(ctx, tokenSettings(), adapter)
	require.NoError(t, err)
	require.Equal(t, "token-1", cache.tokens[42])

	// A configuration update clears the stored session and swaps the secret.
	rotated := tokenSettings()
	rotated.Credentials.ClientSecret = "rotated"

	second, err := m.Token(ctx, rotated, adapter)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, adapter.calls)
	assert.Equal(t, second, cache.tokens[42])
}

func TestDropRejectedOnlyForAuthFailures(t *testing.T) {
	cfg := &memoryConfig{}
	cache := newMemoryCache()
	cache.tokens[42] = "cached"
	m := newManager(cfg, cache, clock.NewFakeClock(time.Now()))
	ctx := context.Background()

	settings := tokenSettings()
	settings.Session = &billingdomain.Session{Token: "cached", ExpiresAt: time.Now().Add(time.Hour)}

	assert.False(t, m.DropRejected(ctx, settings, fiscalerr.New(fiscalerr.KindProviderRequestFailed, "bad request")))
	assert.Equal(t, "cached", cache.tokens[42])
	assert.NotNil(t, settings.Session)

	rejected := &fiscalerr.Error{Kind: fiscalerr.KindProviderAuthFailed, ProviderStatus: 401}
	assert.True(t, m.DropRejected(ctx, settings, rejected))
	assert.Empty(t, cache.tokens)
	assert.Nil(t, settings.Session)
	require.Len(t, cfg.saved, 1)
	assert.Empty(t, cfg.saved[0].Token)

	var nilManager *Manager
	assert.False(t, nilManager.DropRejected(ctx, settings, rejected))
}

func TestProviderExpiryShortensSession(t *testing.T) {
	cfg := &memoryConfig{}
	fakeClock := clock.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	cache := newMemoryCache()
	m := newManager(cfg, cache, fakeClock)

	_, err := m.Token(context.Background(), tokenSettings(), &authAdapter{expiresIn: 10 * time.Minute})
	require.NoError(t, err)
	require.Len(t, cfg.saved, 1)
	assert.Equal(t, fakeClock.Now().Add(10*time.Minute), cfg.saved[0].ExpiresAt)
	assert.Equal(t, 5*time.Minute, cache.ttls[42])
}

func TestAuthenticationFailureIsNotRetried(t *testing.T) {
	cfg := &memoryConfig{}
	adapter := &authAdapter{err: errors.New("connection refused")}
	m := newManager(cfg, nil, clock.NewFakeClock(time.Now()))

	_, err := m.Token(context.Background(), tokenSettings(), adapter)
	require.Error(t, err)
	assert.ErrorIs(t, err, fiscalerr.ErrProviderAuthFailed)
	assert.Equal(t, 1, adapter.calls)
	assert.Empty(t, cfg.saved)
}

func TestInvalidateClearsSession(t *testing.T) {
	cfg := &memoryConfig{}
	cache := newMemoryCache()
	cache.tokens[42] = "cached"
	m := newManager(cfg, cache, clock.NewFakeClock(time.Now()))

	settings := tokenSettings()
	settings.Session = &billingdomain.Session{Token: "stored", ExpiresAt: time.Now().Add(time.Hour)}
	m.Invalidate(context.Background(), settings)

	assert.Nil(t, settings.Session)
	assert.Empty(t, cache.tokens)
	require.Len(t, cfg.saved, 1)
	assert.Empty(t, cfg.saved[0].Token)
}
