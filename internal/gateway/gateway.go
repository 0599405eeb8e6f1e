// ABOUTME: Gateway orchestrator that coordinates the gRPC and HTTP servers
// ABOUTME: Wires store, completion, registry, and sessions, and owns their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/2389/chat-gateway/internal/completion"
	"github.com/2389/chat-gateway/internal/config"
	"github.com/2389/chat-gateway/internal/conversation"
	"github.com/2389/chat-gateway/internal/dedupe"
	"github.com/2389/chat-gateway/internal/metrics"
	"github.com/2389/chat-gateway/internal/registry"
	"github.com/2389/chat-gateway/internal/session"
	"github.com/2389/chat-gateway/internal/store"
)

const (
	// idempotencyTTL is how long a single-shot reply is replayed for a repeated Idempotency-Key.
	idempotencyTTL     = 10 * time.Minute
	idempotencyMaxSize = 10_000

	// defaultShutdownTimeout applies when server.shutdown_timeout is unset.
	defaultShutdownTimeout = 30 * time.Second
)

// Gateway orchestrates the chat-gateway server components.
type Gateway struct {
	config       *config.Config
	store        store.Store
	completion   completion.Port
	conversation *conversation.Service
	registry     *registry.Registry
	metrics      *metrics.Collector
	responses    *dedupe.Cache[ChatResponse]
	markdown     goldmark.Markdown
	grpcServer   *grpc.Server
	health       *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// baseCtx parents every HTTP request, so canceling it ends idle
	// websocket reads that http.Server.Shutdown cannot see.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	sessionsMu sync.Mutex
	draining   bool
	sessions   sync.WaitGroup
}

// Option customizes a Gateway during construction.
type Option func(*Gateway)

// WithStore uses s instead of opening the configured database.
func WithStore(s store.Store) Option {
	return func(g *Gateway) { g.store = s }
}

// WithCompletion uses port instead of the configured completion provider.
func WithCompletion(port completion.Port) Option {
	return func(g *Gateway) { g.completion = port }
}

// initStore creates the SQLite store from config, honoring CHAT_GATEWAY_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CHAT_GATEWAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	gw := &Gateway{
		config: cfg,
		logger: logger.With("component", "gateway"),
	}
	for _, opt := range opts {
		opt(gw)
	}

	if gw.store == nil {
		s, err := initStore(cfg)
		if err != nil {
			return nil, err
		}
		gw.store = s
	}

	if gw.completion == nil {
		port, err := completion.New(cfg.Completion, logger)
		if err != nil {
			_ = gw.store.Close()
			return nil, fmt.Errorf("initializing completion: %w", err)
		}
		gw.completion = port
	}

	gw.registry = registry.New(cfg.Session.SendTimeout, logger)
	if cfg.Metrics.Enabled {
		gw.metrics = metrics.New(gw.registry.Total)
		gw.registry.OnRemoved(gw.metrics.FanoutRemoved)
	}

	gw.conversation = conversation.New(gw.store, gw.completion, logger)
	gw.responses = dedupe.New[ChatResponse](idempotencyTTL, idempotencyMaxSize)
	gw.markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	gw.grpcServer, gw.health = createGRPCServer(logger)

	gw.baseCtx, gw.cancelBase = context.WithCancel(context.Background())
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gw.baseCtx },
	}

	return gw, nil
}

// routes builds the HTTP mux.
func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", g.handleRoot)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("POST /users", g.handleCreateUser)
	mux.HandleFunc("GET /users/{username}", g.handleGetUser)
	mux.HandleFunc("POST /users/{user_id}/conversations", g.handleCreateConversation)
	mux.HandleFunc("GET /users/{user_id}/conversations", g.handleListConversations)
	mux.HandleFunc("GET /conversations/{id}/messages", g.handleListMessages)

	mux.HandleFunc("POST /chat/{user_id}", g.handleChat)
	mux.HandleFunc("POST /chat/stream/{user_id}", g.handleChatStream)

	mux.HandleFunc("GET /ws/{user_id}", g.handleWebSocket)
	mux.HandleFunc("GET /ws/users/{user_id}/status", g.handleStatus)

	if g.metrics != nil {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}
	return mux
}

// Handler exposes the HTTP routes, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Registry returns the connection registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

func (g *Gateway) sessionOptions() session.Options {
	sc := g.config.Session
	return session.Options{
		ChunkDelay:      sc.ChunkDelay,
		ExchangeTimeout: sc.ExchangeTimeout,
		SendTimeout:     sc.SendTimeout,
		RateLimit:       sc.RateLimit,
		RateBurst:       sc.RateBurst,
		Metrics:         g.metrics,
	}
}

// exchangeContext detaches an exchange from request cancellation, bounded
// by the configured exchange timeout.
func (g *Gateway) exchangeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := g.config.Session.ExchangeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.setServing(true)
	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context since the run context is already canceled.
// Exchanges still running when server.shutdown_timeout expires lose their
// assistant turn, so the timeout caps session.exchange_timeout during shutdown.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// trackSession reserves a slot for a websocket session. It fails once
// shutdown has started waiting for sessions.
func (g *Gateway) trackSession() bool {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	if g.draining {
		return false
	}
	g.sessions.Add(1)
	return true
}

// waitForSessions blocks until every websocket session has ended or ctx expires.
func (g *Gateway) waitForSessions(ctx context.Context) error {
	g.sessionsMu.Lock()
	g.draining = true
	g.sessionsMu.Unlock()

	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d connection(s) still open: %w", g.registry.Total(), ctx.Err())
	}
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Hijacked websocket connections are not tracked by http.Server, so their
// sessions are canceled and awaited here before the store closes. In-flight
// exchanges run detached and finish persisting first.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "open_connections", g.registry.Total())
	g.setServing(false)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.cancelBase()
	errs = appendCloseError(errs, "websocket drain", g.waitForSessions(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.responses.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
