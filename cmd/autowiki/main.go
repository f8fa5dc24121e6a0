// Command autowiki runs and administers local-first document replicas.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/autowiki/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "autowiki:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
