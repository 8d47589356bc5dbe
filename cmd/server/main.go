// Package main is the entry point of the billing API server.
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/emergent-company/agentbilling/domain/accounts"
	"github.com/emergent-company/agentbilling/domain/billing"
	"github.com/emergent-company/agentbilling/domain/chat"
	"github.com/emergent-company/agentbilling/domain/clerk"
	"github.com/emergent-company/agentbilling/domain/credits"
	"github.com/emergent-company/agentbilling/domain/exports"
	"github.com/emergent-company/agentbilling/domain/health"
	"github.com/emergent-company/agentbilling/domain/notifications"
	"github.com/emergent-company/agentbilling/domain/plans"
	"github.com/emergent-company/agentbilling/domain/scheduler"
	"github.com/emergent-company/agentbilling/domain/tracing"
	"github.com/emergent-company/agentbilling/domain/webhooks"
	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/internal/database"
	"github.com/emergent-company/agentbilling/internal/migrate"
	"github.com/emergent-company/agentbilling/internal/server"
	"github.com/emergent-company/agentbilling/internal/storage"
	"github.com/emergent-company/agentbilling/pkg/auth"
	"github.com/emergent-company/agentbilling/pkg/balancecache"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

func main() {
	// .env.local overrides .env; real environment variables win over both.
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure
		logger.Module,
		config.Module,
		database.Module,
		migrate.Module,
		server.Module,
		tracing.Module,
		storage.Module,
		balancecache.Module,
		auth.Module,

		// Billing core
		plans.Module,
		accounts.Module,
		credits.Module,
		webhooks.Module,
		billing.Module,
		clerk.Module,

		// Metered chat
		chat.Module,

		// Background work
		notifications.Module,
		exports.Module,
		scheduler.Module,

		health.Module,
	).Run()
}
