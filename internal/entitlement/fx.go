package entitlement

import (
	"github.com/smallbiznis/entitle/internal/entitlement/domain"
	"github.com/smallbiznis/entitle/internal/entitlement/service"
	"github.com/smallbiznis/entitle/internal/queue"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(service.NewGrantCache),
	fx.Provide(service.New),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
	fx.Provide(func(s *service.Service) queue.Handler { return s }),
)
