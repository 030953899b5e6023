package quota

import (
	"github.com/stencilworks/tally/internal/quota/repository"
	"github.com/stencilworks/tally/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota.enforcer",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
