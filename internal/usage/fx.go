package usage

import (
	"github.com/smallbiznis/entitle/internal/usage/repository"
	"github.com/smallbiznis/entitle/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
