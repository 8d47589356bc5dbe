// Command migrate applies or inspects the billing schema migrations.
//
//	migrate [up|down|status|version]
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/internal/migrate"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	log := logger.NewLogger()
	if err := run(log, os.Args[1:]); err != nil {
		log.Error("migrate failed", logger.Error(err))
		os.Exit(1)
	}
}

func run(log *slog.Logger, args []string) error {
	cmd := "up"
	if len(args) > 0 {
		cmd = args[0]
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.DSN())))
	defer sqldb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := sqldb.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	m := migrate.NewMigratorWithDB(sqldb, log)
	switch cmd {
	case "up":
		return m.Up(ctx)
	case "down":
		return m.Down(ctx)
	case "status":
		return m.Status(ctx)
	case "version":
		v, err := m.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	default:
		return fmt.Errorf("unknown command %q (want up, down, status or version)", cmd)
	}
}
