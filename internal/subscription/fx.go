package subscription

import (
	"github.com/stencilworks/tally/internal/cache"
	subscriptiondomain "github.com/stencilworks/tally/internal/subscription/domain"
	"github.com/stencilworks/tally/internal/subscription/repository"
	"github.com/stencilworks/tally/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.reconciler",
	fx.Provide(repository.Provide),
	fx.Provide(cache.NewEntitlementCache[subscriptiondomain.Subscription]),
	fx.Provide(service.NewService),
)
