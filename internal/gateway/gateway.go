// ABOUTME: Gateway orchestrator that wires the relay engine to its store, adapters and HTTP server
// ABOUTME: Manages the ingress listener, metrics endpoint and shutdown lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/2389/relaygram/internal/admin"
	"github.com/2389/relaygram/internal/cache"
	"github.com/2389/relaygram/internal/config"
	"github.com/2389/relaygram/internal/identity"
	"github.com/2389/relaygram/internal/metrics"
	"github.com/2389/relaygram/internal/relay"
	"github.com/2389/relaygram/internal/settings"
	"github.com/2389/relaygram/internal/store"
	"github.com/2389/relaygram/internal/transport"
)

// Gateway owns every long-lived relaygram component.
type Gateway struct {
	config     *config.Config
	store      store.Store
	identity   *identity.Service
	engine     *relay.Engine
	metrics    *metrics.Metrics
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore opens the SQLite store. RELAYGRAM_DB_PATH overrides the config.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RELAYGRAM_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func uploadLimits(raw map[string]int64) map[relay.MediaKind]int64 {
	limits := make(map[relay.MediaKind]int64, len(raw))
	for kind, n := range raw {
		limits[relay.MediaKind(kind)] = n
	}
	return limits
}

// New builds the gateway from configuration. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	ident := identity.New(st, cache.New(), logger)
	gate := settings.New(ident, logger)

	local := transport.NewClient(transport.ClientConfig{
		BaseURL:   cfg.Local.AdapterURL,
		Token:     cfg.Local.Token,
		ChatID:    cfg.Local.GroupID,
		Timeout:   cfg.Relay.RequestTimeout,
		MaxUpload: uploadLimits(cfg.Local.MaxUpload),
	}, logger)
	remote := transport.NewClient(transport.ClientConfig{
		BaseURL:   cfg.Remote.AdapterURL,
		Token:     cfg.Remote.Token,
		Timeout:   cfg.Relay.RequestTimeout,
		MaxUpload: uploadLimits(cfg.Remote.MaxUpload),
	}, logger)

	m := metrics.New()

	engine, err := relay.New(relay.Options{
		Identity:         ident,
		Flags:            gate,
		Local:            local,
		Remote:           remote,
		Commands:         admin.New(ident, gate, local, remote, logger),
		Recorder:         m,
		GreetingCommand:  cfg.Relay.GreetingCommand,
		AllowedReactions: cfg.Relay.AllowedReactions,
		OutboundRate:     cfg.Relay.OutboundRate,
		OutboundBurst:    cfg.Relay.OutboundBurst,
		Logger:           logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating relay engine: %w", err)
	}

	gw := &Gateway{
		config:   cfg,
		store:    st,
		identity: ident,
		engine:   engine,
		metrics:  m,
		logger:   logger.With("component", "gateway"),
	}
	gw.registerGauges()

	mux := http.NewServeMux()
	transport.NewIngress(engine, remote, local, transport.IngressConfig{
		Token:         cfg.Server.IngressToken,
		LocalChatID:   cfg.Local.GroupID,
		HandleTimeout: cfg.Relay.HandleTimeout,
	}, logger).Register(mux)
	mux.HandleFunc("/health/ready", gw.handleReady)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, m.Handler())
		gw.logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

func (g *Gateway) registerGauges() {
	remoteGuard, localGuard := g.engine.Guards()
	c := g.identity.Cache()

	g.metrics.GaugeFunc("relaygram_remote_updates_in_flight", "Remote updates currently being relayed.",
		func() float64 { return float64(remoteGuard.InFlight()) })
	g.metrics.GaugeFunc("relaygram_local_updates_in_flight", "Local updates currently being relayed.",
		func() float64 { return float64(localGuard.InFlight()) })
	g.metrics.GaugeFunc("relaygram_cache_entries", "Entries held by the identity cache.",
		func() float64 { return float64(c.Len()) })
	g.metrics.GaugeFunc("relaygram_cache_hits", "Identity cache hits since start.",
		func() float64 { hits, _ := c.Stats(); return float64(hits) })
	g.metrics.GaugeFunc("relaygram_cache_misses", "Identity cache misses since start.",
		func() float64 { _, misses := c.Stats(); return float64(misses) })
}

// Handler returns the HTTP handler serving ingress, health and metrics.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Engine returns the relay engine.
func (g *Gateway) Engine() *relay.Engine {
	return g.engine
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting updates, waits for in-flight requests and
// closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// handleReady returns 200 OK when the database answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := g.store.GetSettings(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
