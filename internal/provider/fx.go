package provider

import (
	"github.com/smallbiznis/fiscal/internal/config"
	obsmetrics "github.com/smallbiznis/fiscal/internal/observability/metrics"
	"github.com/smallbiznis/fiscal/internal/provider/providera"
	"github.com/smallbiznis/fiscal/internal/provider/providerb"
	"go.uber.org/fx"
)

var Module = fx.Module("provider",
	fx.Provide(ProvideRegistry),
)

type RegistryParams struct {
	fx.In

	Cfg     config.Config
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func ProvideRegistry(p RegistryParams) *Registry {
	return NewRegistry(providera.NewFactory(), providerb.NewFactory()).
		WithEndpoint(providera.Kind, p.Cfg.Providers.ProviderABaseURL).
		WithEndpoint(providerb.Kind, p.Cfg.Providers.ProviderBBaseURL).
		WithTimeout(p.Cfg.Providers.HTTPTimeout).
		WithMetrics(p.Metrics)
}
