package webhooks

import "go.uber.org/fx"

// Module provides webhook event deduplication
var Module = fx.Module("webhooks",
	fx.Provide(
		NewRepository,
		func(r *Repository) Store { return r },
		NewDeduper,
	),
)
