// Command adminctl is an operator CLI for the gateway's administrative
// surface. It talks to the gateway's loopback-only /admin/users endpoints
// over localhost.
package main

import (
	"fmt"
	"os"

	"github.com/vitaliisemenov/llmgateway/cmd/adminctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
