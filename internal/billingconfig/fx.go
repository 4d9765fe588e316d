package billingconfig

import (
	"github.com/smallbiznis/fiscal/internal/billingconfig/repository"
	"github.com/smallbiznis/fiscal/internal/billingconfig/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billingconfig.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
