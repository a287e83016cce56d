// Command readsync is the offline sync and reading progress agent.
package main

import (
	"os"

	"github.com/roach88/readsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
