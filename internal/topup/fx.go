package topup

import (
	"github.com/smallbiznis/entitle/internal/topup/domain"
	"github.com/smallbiznis/entitle/internal/topup/repository"
	"github.com/smallbiznis/entitle/internal/topup/service"
	"go.uber.org/fx"
)

var Module = fx.Module("topup.service",
	fx.Provide(repository.Provide),
	fx.Provide(
		fx.Annotate(service.New, fx.As(new(domain.Service))),
	),
)
