package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tomiyuta/webull-portfolio-rebalancer/engine"
	"github.com/tomiyuta/webull-portfolio-rebalancer/portfolio"
)

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Execute a rebalance run against the account",
	Long: `Rebalance reads the account, computes the trades needed to reach the target
allocation, and executes them: sells first, then buys after a fresh read of
buying power. Every order attempt is journaled.

Example:
  rebalancer rebalance -f examples/config.yaml --portfolio examples/targets.csv`,
	RunE: runRebalance,
}

var (
	portfolioPath string
	dryRun        bool
)

func init() {
	rootCmd.AddCommand(rebalanceCmd)

	rebalanceCmd.Flags().StringVarP(&portfolioPath, "portfolio", "p", "", "target portfolio file (CSV or JSON); overrides config")
	rebalanceCmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan only, place no orders")
}

func runRebalance(cmd *cobra.Command, args []string) error {
	a, err := buildApp(!dryRun)
	if err != nil {
		return err
	}
	defer a.Close()

	path := portfolioPath
	if path == "" {
		path = a.cfg.Rebalance.PortfolioFile
	}
	if path == "" {
		return fmt.Errorf("no portfolio file: pass --portfolio or set rebalance.portfolio_file")
	}

	targets, err := portfolio.LoadTargets(path)
	if err != nil {
		return err
	}

	res, err := a.engine(dryRun || a.cfg.Rebalance.DryRun).Run(cmd.Context(), targets)
	if res != nil {
		printResult(res)
	}
	if err != nil {
		log.Error("rebalance failed", zap.String("run_id", runID(res)), zap.Error(err))
	}
	return err
}

func runID(res *engine.Result) string {
	if res == nil {
		return ""
	}
	return res.RunID
}

func printResult(res *engine.Result) {
	mode := "live"
	if res.DryRun {
		mode = "dry-run"
	}
	fmt.Printf("Run %s (%s)  total value $%.2f\n", res.RunID, mode, res.TotalValue)

	for _, out := range res.Outcomes {
		t := out.Trade
		line := fmt.Sprintf("  %-4s %-6s x%-5d @ $%.2f  %s", t.Side, t.Symbol, t.Quantity, t.Price, out.Status)
		if out.Reason != "" {
			line += " (" + out.Reason + ")"
		}
		fmt.Println(line)
	}
	for _, s := range res.Skips {
		fmt.Printf("  skip %-6s %s\n", s.Symbol, s.Reason)
	}
	if !res.DryRun {
		fmt.Printf("%d filled, %d failed\n", res.Succeeded, res.Failed)
	}
}
