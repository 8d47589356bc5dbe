package credits

import "go.uber.org/fx"

// Module provides the credit ledger
var Module = fx.Module("credits",
	fx.Provide(
		NewRepository,
		func(r *Repository) Store { return r },
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)
