// Package cli implements billingctl, the operator command line for the
// billing API.
package cli

import (
	"github.com/spf13/cobra"
)

type options struct {
	configPath string
	serverURL  string
	output     string
}

// NewRootCommand builds the command tree. Each call returns a fresh tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "billingctl",
		Short: "Operate the agent billing API",
		Long: `billingctl inspects plans and balances, grants credits, triggers
ledger exports and reports on background work.

Admin commands need the server's ADMIN_API_KEY, set with
"billingctl config set api_key <key>" or AGENTBILLING_API_KEY.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $HOME/.agentbilling/config.yaml)")
	root.PersistentFlags().StringVar(&opts.serverURL, "server", "", "billing API URL")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "", "output format (table, json, yaml)")

	root.AddCommand(
		newConfigCmd(opts),
		newPlansCmd(opts),
		newBalanceCmd(opts),
		newLedgerCmd(opts),
		newGrantCmd(opts),
		newExportCmd(opts),
		newStatusCmd(opts),
	)
	return root
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCommand().Execute()
}

// load resolves the effective config: file, then environment, then flags.
func (o *options) load() (*Config, error) {
	cfg, err := LoadConfig(DiscoverPath(o.configPath))
	if err != nil {
		return nil, err
	}
	if o.serverURL != "" {
		cfg.ServerURL = o.serverURL
	}
	if o.output != "" {
		cfg.Output = o.output
	}
	return cfg, nil
}

func (o *options) client() (*Client, *Config, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	return NewClient(cfg), cfg, nil
}
