package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"fintrack/internal/identity"
	applog "fintrack/internal/log"
	"fintrack/internal/middleware/ratelimit"
	"fintrack/internal/middleware/security"
	"fintrack/internal/services"
)

// Verifier turns a bearer token into an identity signal.
type Verifier interface {
	Verify(token string) (identity.Signal, error)
}

// Deps are the collaborators the server needs. All are required.
type Deps struct {
	Sync     *services.SyncCore
	Expenses *services.ExpenseService
	Identity *identity.EdgeDetector
	Verifier Verifier
	Logger   *applog.Logger
}

type Server struct {
	http.Server

	sync     *services.SyncCore
	expenses *services.ExpenseService
	identity *identity.EdgeDetector
	verifier Verifier
	logger   *applog.Logger

	hub         *hub
	rateLimiter *ratelimit.Limiter
	detector    *security.Detector
	started     time.Time
	now         func() time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, deps Deps) *Server {
	logger := applog.OrDefault(deps.Logger, applog.ComponentHTTP)
	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 16,
		},
		sync:        deps.Sync,
		expenses:    deps.Expenses,
		identity:    deps.Identity,
		verifier:    deps.Verifier,
		logger:      logger,
		rateLimiter: ratelimit.NewLimiter(ratelimit.DefaultConfig()),
		detector:    security.NewDetector(logger),
		started:     time.Now(),
		now:         time.Now,
	}
	s.hub = newHub(deps.Sync, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/session", s.handleSignIn)
	mux.HandleFunc("DELETE /api/session", s.handleSignOut)
	mux.HandleFunc("GET /api/session", s.handleSession)

	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/expenses", s.handleListExpenses)
	mux.HandleFunc("POST /api/expenses", s.handleCreateExpense)
	mux.HandleFunc("PUT /api/expenses/{id}", s.handleUpdateExpense)
	mux.HandleFunc("DELETE /api/expenses/{id}", s.handleDeleteExpense)
	mux.HandleFunc("PUT /api/budget", s.handleSetBudget)
	mux.HandleFunc("GET /api/summary", s.handleSummary)

	mux.HandleFunc("GET /ws", s.hub.handleWS)

	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig())
	limit := s.rateLimiter.Middleware(s.detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
		s.logger.WarnContext(r.Context(), "Rate limit exceeded",
			"client_ip", s.detector.ExtractClientIP(r),
			applog.FieldMethod, r.Method,
			applog.FieldPath, r.URL.Path)
		TooManyRequestsError().Write(w)
	})

	// Outermost first: request id and logging, probe detection, headers, limits.
	s.Handler = applog.Middleware(logger)(
		s.detector.Middleware(
			headers.Middleware(
				limit(mux))))

	return s
}

// Shutdown stops background loops, closes WebSocket sessions and then the
// HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		s.hub.close()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// ListenAndServe runs the server until Shutdown. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", "addr", s.Addr)
	if err := s.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
