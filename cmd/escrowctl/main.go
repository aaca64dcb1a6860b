// escrowctl - operator CLI for the task escrow API
package main

import (
	"os"

	"github.com/mbd888/taskescrow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
