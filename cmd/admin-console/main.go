// The admin console issues, resets, and revokes activation keys, and serves
// the live record listing over WebSocket.
package main

import (
	"flag"
	"log/slog"
	"os"

	"keygate/internal/app"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (default: $KEYGATE_CONFIG or ./keygate.yml)")
	flag.Parse()

	application, err := app.NewAdminApplication(*configPath)
	if err != nil {
		slog.Error("failed to initialize admin console", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		slog.Error("admin console error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
