// Command jumbomemctl inspects and diagnoses a process managed by the
// jumbomem package: live fault/eviction/prefetch stats, environment
// preflight checks, and resolved configuration.
package main

import (
	"fmt"
	"os"

	"github.com/jumbomem/jumbomem-go/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
