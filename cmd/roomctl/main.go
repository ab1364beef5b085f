package main

import (
	"fmt"
	"os"

	"roomlog/internal/ctl"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := ctl.NewRootCmd(version, commit).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
