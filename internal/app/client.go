package app

import (
	"context"
	"fmt"
	"log/slog"

	"keygate/internal/license"
	transport "keygate/internal/transport/http"
)

// NewClientApplication builds the licensed application: the activation
// engine, its device-local state, and the local activation API.
func NewClientApplication(configPath string) (*Application, error) {
	a, err := newApplication("keygate-client", configPath)
	if err != nil {
		return nil, err
	}

	metrics, err := license.NewMetrics(a.OTel.MeterProvider.Meter("keygate/license"))
	if err != nil {
		return nil, fmt.Errorf("create license metrics: %w", err)
	}

	secret := []byte(a.Config.License.DeviceSecret)
	watermark, err := license.OpenWatermark(a.Config.License.WatermarkFile, secret)
	if err != nil {
		return nil, fmt.Errorf("open clock watermark: %w", err)
	}

	limiter := license.NewAttemptLimiter(
		a.Config.Security.Attempts.Max,
		a.Config.Security.Attempts.Window,
		a.Config.Security.Attempts.Block,
	)
	a.closers = append(a.closers, func(context.Context) error {
		limiter.Stop()
		return nil
	})

	engine := license.NewEngine(a.Store, watermark, secret, a.Logger,
		license.WithEngineMetrics(metrics),
		license.WithAttemptLimiter(limiter),
		license.WithRecordCache(license.NewRecordCache(
			a.Config.License.CacheTTL,
			a.Config.License.CacheSize,
		)),
		license.WithBindingFile(a.Config.License.BindingFile),
	)
	a.closers = append(a.closers, func(context.Context) error {
		return engine.Close()
	})

	// Pick up a binding from a previous run so a restart does not force
	// re-activation.
	verdict, err := engine.Resume(context.Background())
	if err != nil {
		a.Logger.Warn("resume from local binding failed",
			slog.String("error", err.Error()))
	} else {
		a.Logger.Info("engine resumed", slog.String("verdict", string(verdict)))
	}

	licenseHandler := transport.NewLicenseHandler(engine, a.Logger)
	healthHandler := transport.NewHealthHandler(
		license.NewHealthCheck(engine, a.Store), a.Store, a.Logger)

	a.Router.Mount("/api/license", licenseHandler.Routes())
	a.Router.Get("/healthz", healthHandler.Readiness)
	a.Router.Get("/healthz/live", healthHandler.Liveness)

	a.Logger.Info("licensed application initialized",
		slog.String("store_backend", a.Config.Store.Backend))
	return a, nil
}
