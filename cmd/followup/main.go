// Command followup runs the church follow-up sequence engine.
package main

import (
	"fmt"
	"os"

	"github.com/visionarychurch/followup/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
