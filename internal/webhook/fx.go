package webhook

import "go.uber.org/fx"

var Module = fx.Module("webhook.ingest",
	fx.Provide(NewService),
)
