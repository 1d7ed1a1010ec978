package main

import (
	"fmt"
	"os"

	"github.com/add146/pendaftaran-sub000/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
