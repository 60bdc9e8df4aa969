// Command dealqap totals the quality-adjusted power of active storage deals.
package main

import (
	"fmt"
	"os"

	"github.com/eunmann/deal-qap/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
