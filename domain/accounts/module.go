package accounts

import "go.uber.org/fx"

// Module provides account domain dependencies
var Module = fx.Module("accounts",
	fx.Provide(
		NewRepository,
		func(r *Repository) Store { return r },
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)
