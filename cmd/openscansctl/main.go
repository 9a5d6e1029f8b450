// openscansctl drives a running openscansd over its HTTP API.
package main

import (
	"log/slog"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		slog.Error("openscansctl failed", "err", err)
		os.Exit(1)
	}
}
