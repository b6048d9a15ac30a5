package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Show account balances and positions",
	RunE:  runAccount,
}

func init() {
	rootCmd.AddCommand(accountCmd)
}

func runAccount(cmd *cobra.Command, args []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}

	snap, err := a.accounts.Snapshot(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Println("Balances:")
	for currency, b := range snap.Balances {
		fmt.Printf("  %-4s cash $%.2f  buying power $%.2f  unrealized P/L $%.2f\n",
			currency, b.CashBalance, b.BuyingPower, b.UnrealizedPL)
	}

	fmt.Println("Positions:")
	if len(snap.Positions) == 0 {
		fmt.Println("  (none)")
	}
	for _, p := range snap.Positions {
		fmt.Printf("  %-6s x%-5d market value $%.2f  cost $%.2f\n",
			p.Symbol, p.Quantity, p.MarketValue, p.CostPrice)
	}
	return nil
}
