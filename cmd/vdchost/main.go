// vdchost runs a digitalSTROM virtual device connector (vDC) host.
//
// The host keeps a registry of vDCs and their devices, persists it, serves
// it over the vDC session protocol and optionally announces it over MQTT
// and records property history in InfluxDB.
//
//	vdchost serve --config configs/config.yaml
//	vdchost vdcs --addr 127.0.0.1:4000
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

func main() {
	// Cancel on Ctrl+C and SIGTERM for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
