package main

import (
	"fmt"
	"os"

	"brokerwatch/internal/monitor"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, monitor.Summary(err))
		os.Exit(1)
	}
}
