package exports

import (
	"go.uber.org/fx"

	"github.com/emergent-company/agentbilling/domain/credits"
	"github.com/emergent-company/agentbilling/internal/storage"
)

// Module provides ledger exports
var Module = fx.Module("exports",
	fx.Provide(
		func(s *credits.Service) Ledger { return s },
		func(s *storage.Service) Uploader { return s },
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)
