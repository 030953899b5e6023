package audit

import (
	"github.com/stencilworks/tally/internal/audit/repository"
	"github.com/stencilworks/tally/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
