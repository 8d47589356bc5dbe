// Command billingctl is the operator CLI for the billing API.
package main

import (
	"os"

	"github.com/emergent-company/agentbilling/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
