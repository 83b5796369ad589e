// Command changeset compiles and runs resource actions defined in CUE.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/changeset/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
