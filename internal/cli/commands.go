package cli

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/emergent-company/agentbilling/domain/credits"
)

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			key := "(not set)"
			if cfg.APIKey != "" {
				key = mask(cfg.APIKey)
			}
			t := tablewriter.NewWriter(cmd.OutOrStdout())
			t.Header("Setting", "Value")
			_ = t.Append("server_url", cfg.ServerURL)
			_ = t.Append("api_key", key)
			_ = t.Append("output", cfg.Output)
			_ = t.Append("timeout", cfg.Timeout)
			_ = t.Append("file", DiscoverPath(opts.configPath))
			return t.Render()
		},
	}

	set := &cobra.Command{
		Use:       "set <key> <value>",
		Short:     "Set server_url, api_key, output or timeout",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"server_url", "api_key", "output", "timeout"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := DiscoverPath(opts.configPath)
			cfg, err := readFile(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			switch key, value := args[0], args[1]; key {
			case "server_url":
				cfg.ServerURL = value
			case "api_key":
				cfg.APIKey = value
			case "output":
				if value != "table" && value != "json" && value != "yaml" {
					return fmt.Errorf("output must be table, json or yaml")
				}
				cfg.Output = value
			case "timeout":
				if _, err := time.ParseDuration(value); err != nil {
					return fmt.Errorf("timeout: %w", err)
				}
				cfg.Timeout = value
			default:
				return fmt.Errorf("unknown setting %q", key)
			}
			if err := SaveConfig(cfg, path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s updated in %s\n", args[0], path)
			return nil
		},
	}

	cmd.AddCommand(show, set)
	return cmd
}

func newPlansCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List credit packs, subscriptions and model prices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, cfg, err := opts.client()
			if err != nil {
				return err
			}
			cat, err := c.Plans(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), cfg.Output, cat, func(t *tablewriter.Table) error {
				t.Header("Type", "ID", "Name", "Credits / Price per 1K (in/out)")
				for _, p := range cat.Packs {
					_ = t.Append("pack", p.ID, p.Name, strconv.FormatInt(p.Credits, 10))
				}
				for _, s := range cat.Subscriptions {
					_ = t.Append("subscription", s.ID, s.Name, strconv.FormatInt(s.MonthlyCredits, 10)+"/month")
				}
				for _, m := range cat.Models {
					name := m.Model
					if m.Model == cat.DefaultModel {
						name += " (default)"
					}
					_ = t.Append("model", m.Model, name, m.InputPer1K.String()+" / "+m.OutputPer1K.String())
				}
				return nil
			})
		},
	}
}

func newBalanceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := opts.client()
			if err != nil {
				return err
			}
			bal, err := c.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), cfg.Output, bal, func(t *tablewriter.Table) error {
				t.Header("User", "Balance")
				return t.Append(bal.UserID, strconv.FormatInt(bal.Balance, 10))
			})
		},
	}
}

func newLedgerCmd(opts *options) *cobra.Command {
	var (
		limit    int
		before   string
		beforeID string
	)
	cmd := &cobra.Command{
		Use:   "ledger <user-id>",
		Short: "Show a user's ledger, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := opts.client()
			if err != nil {
				return err
			}
			page, err := c.Ledger(cmd.Context(), args[0], limit, before, beforeID)
			if err != nil {
				return err
			}
			err = render(cmd.OutOrStdout(), cfg.Output, page, func(t *tablewriter.Table) error {
				t.Header("Time", "Kind", "Amount", "Balance", "Key")
				for _, e := range page.Entries {
					_ = t.Append(e.CreatedAt.UTC().Format(time.RFC3339), string(e.Kind),
						fmt.Sprintf("%+d", e.Amount), strconv.FormatInt(e.BalanceAfter, 10), e.IdempotencyKey)
				}
				return nil
			})
			if err == nil && cfg.Output == "table" && page.NextBefore != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "more: --before %s --before-id %s\n",
					page.NextBefore.UTC().Format(time.RFC3339Nano), page.NextBeforeID)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "entries per page")
	cmd.Flags().StringVar(&before, "before", "", "only entries before this RFC 3339 time")
	cmd.Flags().StringVar(&beforeID, "before-id", "", "entry id that breaks ties at --before")
	return cmd
}

func newGrantCmd(opts *options) *cobra.Command {
	var (
		reason string
		key    string
		adjust bool
	)
	cmd := &cobra.Command{
		Use:   "grant <user-id> <amount>",
		Short: "Credit a user's account",
		Long: `Grant credits to a user. Re-running with the same --key never grants
twice. Without --key a random key is generated and printed so a failed
run can be retried safely. --adjust records the entry as a balance
correction rather than a grant.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount must be an integer: %w", err)
			}
			if amount <= 0 {
				return fmt.Errorf("amount must be positive")
			}
			if key == "" {
				key = uuid.NewString()
				fmt.Fprintf(cmd.ErrOrStderr(), "idempotency key: %s\n", key)
			}
			kind := credits.KindGrant
			if adjust {
				kind = credits.KindAdjustment
			}

			c, cfg, err := opts.client()
			if err != nil {
				return err
			}
			res, created, err := c.Grant(cmd.Context(), credits.AdminGrantRequest{
				UserID:         args[0],
				Amount:         amount,
				Reason:         reason,
				IdempotencyKey: key,
				Kind:           kind,
			})
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), cfg.Output, res, func(t *tablewriter.Table) error {
				t.Header("User", "Amount", "Balance", "Status")
				status := "granted"
				if !created {
					status = "already granted"
				}
				return t.Append(args[0], strconv.FormatInt(amount, 10), strconv.FormatInt(res.Balance, 10), status)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the ledger entry")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	cmd.Flags().BoolVar(&adjust, "adjust", false, "record an adjustment instead of a grant")
	return cmd
}

func newExportCmd(opts *options) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export one UTC day of the ledger to object storage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if date != "" {
				if _, err := time.Parse("2006-01-02", date); err != nil {
					return fmt.Errorf("--date must be YYYY-MM-DD")
				}
			}
			c, cfg, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.Export(cmd.Context(), date)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), cfg.Output, res, func(t *tablewriter.Table) error {
				t.Header("Date", "Object", "Entries", "Bytes")
				return t.Append(res.Date, "s3://"+res.Bucket+"/"+res.Key,
					strconv.Itoa(res.Entries), strconv.FormatInt(res.Bytes, 10))
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to export (default yesterday)")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health, the notification queue and scheduled tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, cfg, err := opts.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			h, err := c.Health(ctx)
			if err != nil {
				return err
			}
			report := map[string]any{"health": h}
			var (
				jobs  = "(admin key required)"
				sched *SchedulerStatus
			)
			if cfg.APIKey != "" {
				if j, err := c.Jobs(ctx); err == nil {
					report["jobs"] = j
					if len(j.Queues) > 0 && j.Queues[0].Stats != nil {
						s := j.Queues[0].Stats
						jobs = fmt.Sprintf("%d pending, %d processing, %d failed", s.Pending, s.Processing, s.Failed)
					}
				} else {
					jobs = err.Error()
				}
				if s, err := c.Scheduler(ctx); err == nil {
					report["scheduler"] = s
					sched = s
				}
			}

			return render(cmd.OutOrStdout(), cfg.Output, report, func(t *tablewriter.Table) error {
				t.Header("Component", "Status")
				_ = t.Append("server", h.Status+" ("+h.Version+", up "+h.Uptime+")")
				names := make([]string, 0, len(h.Checks))
				for name := range h.Checks {
					names = append(names, name)
				}
				slices.Sort(names)
				for _, name := range names {
					_ = t.Append(name, h.Checks[name].Status)
				}
				_ = t.Append("notifications", jobs)
				if sched != nil {
					for _, task := range sched.Tasks {
						_ = t.Append("task "+task.Name, "next "+task.NextRun.UTC().Format(time.RFC3339))
					}
				}
				return nil
			})
		},
	}
}
