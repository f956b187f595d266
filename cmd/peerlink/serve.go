package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xelth-com/peerlinkgo/internal/auth"
	"github.com/xelth-com/peerlinkgo/internal/buildinfo"
	"github.com/xelth-com/peerlinkgo/internal/bus"
	"github.com/xelth-com/peerlinkgo/internal/database"
	"github.com/xelth-com/peerlinkgo/internal/handlers"
	"github.com/xelth-com/peerlinkgo/internal/linking"
	"github.com/xelth-com/peerlinkgo/internal/mail"
	"github.com/xelth-com/peerlinkgo/internal/store"
	"github.com/xelth-com/peerlinkgo/internal/telemetry"
	"github.com/xelth-com/peerlinkgo/internal/udp"
	"github.com/xelth-com/peerlinkgo/internal/webc"
	"github.com/xelth-com/peerlinkgo/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

// ServeCmd runs every network service of the server.
type ServeCmd struct{}

func (c *ServeCmd) Run(a *app) error {
	cfg, logger := a.cfg, a.logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Metrics
	var metrics http.Handler
	if cfg.Metrics.Enabled {
		shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceVersion:   buildinfo.CommitHash,
			OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
			EnablePrometheus: true,
		})
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdownMetrics(sctx)
		}()
		metrics = telemetry.PrometheusHandler()
	}

	// 2. Record store
	db, err := database.Connect(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(db.DB); err != nil {
		return err
	}
	records := store.NewGormStore(db.DB)

	// 3. Bus
	b, err := bus.New(ctx, bus.Config{
		Backend: cfg.Bus.Backend,
		Path:    cfg.Bus.Path,
		DB:      db.DB,
		DSN:     db.DSN,
	}, bus.WithLogger(logger), bus.WithReapInterval(cfg.Bus.ReapInterval))
	if err != nil {
		return fmt.Errorf("opening %s bus: %w", cfg.Bus.Backend, err)
	}
	defer b.Close()

	// 4. Protocol services
	tokens := auth.NewService(cfg.SecretKey, b, records,
		auth.WithLogger(logger), auth.WithExistsTTL(cfg.PeerExistsTTL))
	links := linking.NewService(b, records, tokens, mail.New(cfg.SMTP, logger), linking.WithLogger(logger))
	rendezvous := webc.NewService(b,
		webc.WithServer(cfg.UDP.PublicAddress, cfg.UDP.Port), webc.WithLogger(logger))
	hub := websocket.NewHub(b, tokens, records,
		websocket.WithTimeout(cfg.PresenceTimeout), websocket.WithLogger(logger))

	// 5. Listeners
	listener, err := udp.Listen(net.JoinHostPort("", strconv.Itoa(cfg.UDP.Port)), rendezvous,
		udp.WithRate(cfg.UDP.RatePerSecond, cfg.UDP.Burst), udp.WithLogger(logger))
	if err != nil {
		return err
	}

	router := handlers.NewRouter(handlers.Deps{
		Links:      links,
		Rendezvous: rendezvous,
		Hub:        hub,
		Tokens:     tokens,
		Metrics:    metrics,
		Logger:     logger,
	})
	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.Serve(gctx)
	})
	g.Go(func() error {
		logger.Info("http server started", "addr", srv.Addr, "env", cfg.NodeEnv, "bus", cfg.Bus.Backend)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		hub.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
