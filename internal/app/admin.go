package app

import (
	"context"
	"fmt"
	"log/slog"

	"keygate/internal/license"
	"keygate/internal/store"
	transport "keygate/internal/transport/http"
	"keygate/internal/websocket"
	"keygate/pkg/contracts/events"
)

// NewAdminApplication builds the admin console: the key issuer API, the
// record listing, and the WebSocket change feed.
func NewAdminApplication(configPath string) (*Application, error) {
	a, err := newApplication("keygate-admin", configPath)
	if err != nil {
		return nil, err
	}

	metrics, err := license.NewMetrics(a.OTel.MeterProvider.Meter("keygate/license"))
	if err != nil {
		return nil, fmt.Errorf("create license metrics: %w", err)
	}

	issuer := license.NewIssuer(a.Store, a.Logger, license.WithIssuerMetrics(metrics))

	hub := websocket.NewHub(a.Logger)
	hub.Start()
	a.closers = append(a.closers, func(context.Context) error {
		hub.Stop()
		return nil
	})

	// Mirror every store change into the admin feed. The listing view applies
	// events idempotently, so duplicate or reordered deliveries are safe.
	unsubscribe, err := a.Store.Watch(context.Background(), store.WatchAll, func(ev store.Event) {
		metrics.RecordWatchEvent(context.Background(), ev.Removed)
		hub.BroadcastKeyEvent(events.KeyEvent{
			Code:    ev.Code,
			Key:     ev.Key,
			Removed: ev.Removed,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to store change feed: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		unsubscribe()
		return nil
	})

	adminHandler := transport.NewAdminHandler(issuer, a.Logger)
	healthHandler := transport.NewHealthHandler(nil, a.Store, a.Logger)

	a.Router.Mount("/api/keys", adminHandler.Routes())
	a.Router.Get("/ws", websocket.ServeWS(hub, a.Logger, websocket.Options{
		ReadBufferSize:  a.Config.WebSocket.ReadBufferSize,
		WriteBufferSize: a.Config.WebSocket.WriteBufferSize,
		PingPeriod:      a.Config.WebSocket.PingPeriod,
		PongWait:        a.Config.WebSocket.PongWait,
	}))
	a.Router.Get("/healthz", healthHandler.Readiness)
	a.Router.Get("/healthz/live", healthHandler.Liveness)

	a.Logger.Info("admin console initialized",
		slog.String("store_backend", a.Config.Store.Backend))
	return a, nil
}
