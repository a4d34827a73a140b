// Package runtime assembles the parley daemon: embedded bus, event store,
// model endpoint, session service and the operational HTTP surface.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parley-labs/parley-core/internal/bus"
	"github.com/parley-labs/parley-core/internal/config"
	"github.com/parley-labs/parley-core/internal/eventstore"
	"github.com/parley-labs/parley-core/internal/model"
	"github.com/parley-labs/parley-core/internal/natsserver"
	"github.com/parley-labs/parley-core/internal/session"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	sessions *session.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the whole daemon up and blocks until ctx is cancelled, then
// tears components down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		r.embedded.Shutdown()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = busClient

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		busClient.Close()
		r.embedded.Shutdown()
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	endpoint, err := model.NewEndpoint(r.cfg.Model, r.logger)
	if err != nil {
		store.Close()
		busClient.Close()
		r.embedded.Shutdown()
		return fmt.Errorf("failed to build model endpoint: %w", err)
	}

	r.sessions = session.NewService(ctx, r.cfg.Session, r.cfg.Model, busClient, endpoint, store, r.logger)
	if err := r.sessions.Start(); err != nil {
		store.Close()
		busClient.Close()
		r.embedded.Shutdown()
		return fmt.Errorf("failed to start session service: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/sessions/{channel}/events", r.handleSessionEvents)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("model_mode", r.cfg.Model.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.sessions.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Error("event store shutdown error", slog.String("error", err.Error()))
	}
	r.bus.Close()
	r.embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.bus != nil && !r.bus.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus unhealthy"))
		return
	}
	if r.sessions != nil && !r.sessions.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("session service unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleSessionEvents serves a recorded session timeline, mostly for
// debugging a conversation after the fact.
func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	channelID := req.PathValue("channel")
	events, err := r.store.ListSessionEvents(req.Context(), channelID, 1000)
	if err != nil {
		r.logger.Warn("failed to list session events", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(events); err != nil {
		r.logger.Warn("failed to encode session events", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
