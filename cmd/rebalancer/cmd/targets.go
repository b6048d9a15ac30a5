package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomiyuta/webull-portfolio-rebalancer/portfolio"
)

var targetsCmd = &cobra.Command{
	Use:   "targets <file>",
	Short: "Validate and print a target portfolio file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		targets, err := portfolio.LoadTargets(args[0])
		if err != nil {
			return err
		}

		sum := 0.0
		for _, e := range targets {
			fmt.Printf("  %-6s %6.2f%%\n", e.Symbol, e.Percent)
			sum += e.Percent
		}
		fmt.Printf("  %d symbols, %.2f%% allocated\n", len(targets), sum)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(targetsCmd)
}
