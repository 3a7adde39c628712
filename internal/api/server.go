package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hearthstack/hearth-core/internal/audit"
	"github.com/hearthstack/hearth-core/internal/auth"
	"github.com/hearthstack/hearth-core/internal/entry"
	"github.com/hearthstack/hearth-core/internal/events"
	"github.com/hearthstack/hearth-core/internal/infrastructure/config"
	"github.com/hearthstack/hearth-core/internal/infrastructure/logging"
	"github.com/hearthstack/hearth-core/internal/registry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config         config.APIConfig
	WS             config.WebSocketConfig
	Security       config.SecurityConfig
	Metrics        config.MetricsConfig
	Logger         *logging.Logger
	Manager        *entry.Manager
	Binder         *registry.Binder
	Bus            *events.Bus  // optional: WebSocket relay is silent without it
	Audit          audit.Store  // optional: audit endpoints report unavailable without it
	MetricsHandler http.Handler // optional: Prometheus scrape handler mounted at the configured path
	Version        string
}

// Server is the HTTP API server for Hearth Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg            config.APIConfig
	wsCfg          config.WebSocketConfig
	secCfg         config.SecurityConfig
	metCfg         config.MetricsConfig
	logger         *logging.Logger
	manager        *entry.Manager
	binder         *registry.Binder
	bus            *events.Bus
	audit          audit.Store
	metricsHandler http.Handler
	version        string

	server      *http.Server
	hub         *Hub
	tickets     *auth.TicketStore
	auditCh     chan *audit.Record
	started     time.Time
	cancel      context.CancelFunc // cancels background goroutines on Close()
	unsubscribe func()             // detaches the event relay from the bus
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, manager, binder)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Manager == nil {
		return nil, fmt.Errorf("entry manager is required")
	}
	if deps.Binder == nil {
		return nil, fmt.Errorf("registry binder is required")
	}
	// Bus and Audit are optional — without them the WebSocket relay stays
	// silent and audit endpoints report unavailable, but everything else works.

	s := &Server{
		cfg:            deps.Config,
		wsCfg:          deps.WS,
		secCfg:         deps.Security,
		metCfg:         deps.Metrics,
		logger:         deps.Logger,
		manager:        deps.Manager,
		binder:         deps.Binder,
		bus:            deps.Bus,
		audit:          deps.Audit,
		metricsHandler: deps.MetricsHandler,
		version:        deps.Version,
		tickets:        auth.NewTicketStore(auth.DefaultTicketTTL),
		auditCh:        make(chan *audit.Record, auditChanSize),
		started:        time.Now(),
	}

	s.hub = NewHub(deps.WS, deps.Logger)
	if s.bus != nil {
		s.unsubscribe = s.bus.Subscribe(s.relayEvent)
	}

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub's close watcher and the audit writer, then
// launches the HTTP listener in a background goroutine. The server can be
// stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

	if s.audit != nil {
		go s.drainAuditLog(srvCtx)
	}

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	// Start listening in background
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, audit writer)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
