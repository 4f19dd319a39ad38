// The licensed application runs on the end user's device. It redeems
// activation codes against the shared store and gates features behind the
// engine's verdict.
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

	application, err := app.NewClientApplication(*configPath)
	if err != nil {
		slog.Error("failed to initialize licensed application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		slog.Error("licensed application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
