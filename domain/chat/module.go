package chat

import (
	"go.uber.org/fx"

	"github.com/emergent-company/agentbilling/domain/credits"
)

// Module provides metered chat completions
var Module = fx.Module("chat",
	fx.Provide(
		func(s *credits.Service) Ledger { return s },
		NewStreamer,
		NewLimiter,
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)
