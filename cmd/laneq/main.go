package main

import (
	"fmt"
	"os"

	"github.com/laneq/laneq-go/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
