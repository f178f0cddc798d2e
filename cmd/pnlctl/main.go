// Command pnlctl runs PnL reconstruction offline and talks to the service's
// backing infrastructure.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
