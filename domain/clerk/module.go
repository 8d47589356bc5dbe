package clerk

import (
	"go.uber.org/fx"

	"github.com/emergent-company/agentbilling/domain/accounts"
	"github.com/emergent-company/agentbilling/domain/credits"
	"github.com/emergent-company/agentbilling/domain/webhooks"
)

// Module provides the Clerk user webhook
var Module = fx.Module("clerk",
	fx.Provide(
		func(s *accounts.Service) Accounts { return s },
		func(s *credits.Service) Ledger { return s },
		func(d *webhooks.Deduper) Deduper { return d },
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)
