package cmd

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tomiyuta/webull-portfolio-rebalancer/account"
	"github.com/tomiyuta/webull-portfolio-rebalancer/engine"
)

var (
	cfgPath string
	verbose bool
	log     = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "rebalancer",
	Short: "Rebalance a Webull brokerage account toward a target allocation",
	Long: `Rebalancer reads the current account state, prices the portfolio, computes
the trades needed to reach a target allocation, and executes them sells-first
through the Webull OpenAPI.

It provides tools for:
  - Planning a rebalance without touching the account (plan, --dry-run)
  - Executing a full sell-then-buy rebalance run
  - Inspecting account balances and positions
  - Validating target portfolio files (CSV or JSON)
  - Journaling every order attempt to CSV or SQLite`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if verbose {
			log, err = zap.NewDevelopment()
		} else {
			log, err = zap.NewProduction()
		}
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = log.Sync()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// ExitCode maps a run error onto the process exit code: 2 when the account
// state could not be read, 3 when a non-empty plan executed nothing, 1 for
// everything else.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, account.ErrStateUnreadable):
		return 2
	case errors.Is(err, engine.ErrNothingExecuted):
		return 3
	default:
		return 1
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "f", "config.yaml", "path to config file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}
