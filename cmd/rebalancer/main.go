package main

import (
	"os"

	"github.com/tomiyuta/webull-portfolio-rebalancer/cmd/rebalancer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
