// ABOUTME: Gateway orchestrator wiring the store, bus, engine, and HTTP server.
// ABOUTME: Owns component lifecycle: construction, serving, graceful shutdown.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trovia/chat-gateway/internal/auth"
	"github.com/trovia/chat-gateway/internal/bus"
	"github.com/trovia/chat-gateway/internal/chat"
	"github.com/trovia/chat-gateway/internal/config"
	"github.com/trovia/chat-gateway/internal/engine"
	"github.com/trovia/chat-gateway/internal/ratelimit"
	"github.com/trovia/chat-gateway/internal/store"
)

// Gateway composes every component of the chat service behind one HTTP
// server.
type Gateway struct {
	config     *config.Config
	store      *store.SQLiteStore
	bus        *bus.Bus
	consumer   *bus.AuditConsumer
	chat       *chat.Service
	upgrader   *chat.Upgrader
	authority  *auth.JWTAuthority
	limiter    *ratelimit.Limiter
	httpServer *http.Server
	logger     *slog.Logger

	consumerCancel context.CancelFunc
}

// New builds a fully wired gateway from configuration. Nothing is
// listening yet; call Run to serve.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sessionStore, err := store.NewSQLiteStore(cfg.Database.Path, cfg.Session.TTL, cfg.Session.MessageCap)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	eventBus := bus.New(cfg.Bus.QueueSize, cfg.Bus.Workers, logger)

	engineClient := engine.NewClient(cfg.Engine.URL, cfg.Engine.APIKey, cfg.Engine.Timeout, logger)

	chatService := chat.NewService(sessionStore, sessionStore, engineClient, eventBus, cfg.Session.HistoryWindow, cfg.Session.CommitRetries, logger)
	chatService.SetTopics(cfg.Bus.RequestTopic, cfg.Bus.ReplyTopic)

	g := &Gateway{
		config:    cfg,
		store:     sessionStore,
		bus:       eventBus,
		consumer:  bus.NewAuditConsumer(eventBus, sessionStore, logger),
		chat:      chatService,
		upgrader:  chat.NewUpgrader(sessionStore, cfg.Session.CommitRetries, logger),
		authority: auth.NewJWTAuthority([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL),
		limiter:   ratelimit.New(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window),
		logger:    logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	g.registerAPIRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Run starts the audit consumer and HTTP server, blocking until ctx is
// cancelled or the server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	// The consumer outlives ctx slightly so in-flight events drain during
	// shutdown; Shutdown cancels it after the HTTP server stops.
	consumerCtx, cancel := context.WithCancel(context.Background())
	g.consumerCancel = cancel
	go g.consumer.Run(consumerCtx, g.config.Bus.RequestTopic, g.config.Bus.ReplyTopic)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("shutting down")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, then the consumer, bus, limiter, and
// store, in dependency order.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error

	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	if g.consumerCancel != nil {
		g.consumerCancel()
	}
	g.bus.Close()
	g.limiter.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	g.logger.Info("gateway stopped", "dropped_events", g.bus.Dropped())
	return errors.Join(errs...)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
