package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomiyuta/webull-portfolio-rebalancer/portfolio"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the trades a rebalance would place, without placing them",
	Long: `Plan runs the full pipeline up to order placement: account read, price
resolution and trade computation. Nothing is submitted and nothing is
journaled.

Example:
  rebalancer plan -f examples/config.yaml --portfolio examples/targets.csv`,
	RunE: runPlan,
}

var planPortfolioPath string

func init() {
	rootCmd.AddCommand(planCmd)

	planCmd.Flags().StringVarP(&planPortfolioPath, "portfolio", "p", "", "target portfolio file (CSV or JSON); overrides config")
}

func runPlan(cmd *cobra.Command, args []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}

	path := planPortfolioPath
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

	res, err := a.engine(true).Run(cmd.Context(), targets)
	if res != nil {
		printResult(res)
	}
	return err
}
