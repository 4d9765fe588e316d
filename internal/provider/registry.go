package provider

import (
	"net/http"
	"strings"
	"time"

	obsmetrics "github.com/smallbiznis/fiscal/internal/observability/metrics"
	"github.com/smallbiznis/fiscal/internal/provider/domain"
)

// Registry builds adapters by provider kind. Orchestrators never branch on the kind themselves.
type Registry struct {
	factories  map[string]domain.AdapterFactory
	endpoints  map[string]string
	timeout    time.Duration
	httpClient *http.Client
	metrics    *obsmetrics.Metrics
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{
		factories: map[string]domain.AdapterFactory{},
		endpoints: map[string]string{},
	}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		kind := normalizeKind(factory.Kind())
		if kind == "" {
			continue
		}
		registry.factories[kind] = factory
	}
	return registry
}

// WithEndpoint sets the base URL used for adapters of kind.
func (r *Registry) WithEndpoint(kind, baseURL string) *Registry {
	r.endpoints[normalizeKind(kind)] = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return r
}

func (r *Registry) WithTimeout(timeout time.Duration) *Registry {
	r.timeout = timeout
	return r
}

// WithHTTPClient shares one client across adapters, mainly for tests.
func (r *Registry) WithHTTPClient(client *http.Client) *Registry {
	r.httpClient = client
	return r
}

func (r *Registry) WithMetrics(metrics *obsmetrics.Metrics) *Registry {
	r.metrics = metrics
	return r
}

func (r *Registry) ProviderExists(kind string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalizeKind(kind)]
	return ok
}

// NewAdapter returns an instrumented adapter for kind authenticated with creds.
func (r *Registry) NewAdapter(kind string, creds domain.Credentials) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	kind = normalizeKind(kind)
	factory, ok := r.factories[kind]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	adapter, err := factory.NewAdapter(domain.AdapterConfig{
		Credentials: creds,
		BaseURL:     r.endpoints[kind],
		HTTPTimeout: r.timeout,
		HTTPClient:  r.httpClient,
	})
	if err != nil {
		return nil, err
	}
	return Instrument(adapter, r.metrics), nil
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}
