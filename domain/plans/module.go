package plans

import "go.uber.org/fx"

// Module provides the credit catalog
var Module = fx.Module("plans",
	fx.Provide(NewCatalog),
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
