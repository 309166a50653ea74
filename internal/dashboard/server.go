package dashboard

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/markus-barta/wipboard/internal/store"
)

const (
	sessionCleanupInterval = time.Hour
	shutdownTimeout        = 10 * time.Second
)

// Server is the main dashboard server.
type Server struct {
	cfg        *Config
	log        zerolog.Logger
	auth       *AuthService
	store      *store.StateStore
	hub        *Hub
	router     *chi.Mux
	wsUpgrader *websocket.Upgrader
	cancel     context.CancelFunc
}

// New creates a new dashboard server. bridge may be nil.
func New(cfg *Config, db *sql.DB, log zerolog.Logger, bridge Bridge) *Server {
	st := store.New(log, db)

	// Widgets register again when their runtimes reconnect. This prevents
	// stale widgets from a previous dashboard instance.
	ctx, cancel := context.WithCancel(context.Background())
	if rows, err := st.ResetWidgets(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to reset widgets on startup")
	} else if rows > 0 {
		log.Info().Int64("count", rows).Msg("unregistered widgets on startup (will re-register)")
	}

	s := &Server{
		cfg:    cfg,
		log:    log.With().Str("component", "dashboard").Logger(),
		auth:   NewAuthService(cfg, st),
		store:  st,
		hub:    NewHub(log, st, bridge),
		cancel: cancel,
	}
	s.wsUpgrader = &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRouter()

	// Start hub immediately (for testing and normal use)
	go s.hub.Run(ctx)
	go s.cleanupSessions(ctx)

	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	// Static files
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticAssets()))))

	// Plugin assets, fetched by widget runtimes
	r.Handle("/plugins/*", http.StripPrefix("/plugins/", http.FileServer(http.FS(PluginAssets()))))

	// Public routes
	r.Get("/health", s.handleHealth)
	r.Get("/login", s.handleLoginPage)
	r.Post("/login", s.handleLogin)

	// WebSocket (browsers, widget runtimes and producers)
	r.Get("/ws", s.handleWebSocket)

	// Browser routes
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/", s.handleDashboard)

		// Logout requires CSRF
		r.With(s.requireCSRF).Post("/logout", s.handleLogout)
	})

	// API routes (bearer token or session)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIAuth)
		r.Use(s.requireCSRF)

		r.Get("/widgets", s.handleGetWidgets)
		r.Route("/projects/{project}/plugins/{plugin}", func(r chi.Router) {
			r.Get("/states", s.handleGetStates)
			r.Get("/tests", s.handleGetTests)
			r.Post("/events", s.handlePublishEvent)
		})
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware checks for valid session.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := s.auth.Session(r)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		// Store session in context for handlers
		ctx := withSession(r.Context(), session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAPIAuth accepts either the API bearer token or a browser session.
func (s *Server) requireAPIAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token, ok := bearerToken(r); ok {
			if !s.auth.ValidAPIToken(token) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(withToken(r.Context())))
			return
		}

		session, err := s.auth.Session(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), session)))
	})
}

// requireCSRF middleware validates CSRF token for state-changing browser
// requests. Token-authenticated requests carry no cookie and are exempt.
func (s *Server) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions ||
			tokenFromContext(r.Context()) {
			next.ServeHTTP(w, r)
			return
		}

		session := sessionFromContext(r.Context())
		if session == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		token := r.Header.Get("X-CSRF-Token")
		if token == "" {
			token = r.FormValue("csrf_token")
		}

		if !s.auth.ValidCSRF(session, token) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// checkOrigin allows same-host connections and configured origins. Peers
// do not send an Origin header.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if lo.Contains(s.cfg.AllowedOrigins, origin) {
		return true
	}
	host := origin
	if i := strings.Index(host, "://"); i != -1 {
		host = host[i+3:]
	}
	return strings.EqualFold(host, r.Host)
}

func (s *Server) cleanupSessions(ctx context.Context) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.auth.PruneSessions(ctx); err != nil {
				s.log.Warn().Err(err).Msg("failed to delete expired sessions")
			} else if n > 0 {
				s.log.Debug().Int64("count", n).Msg("deleted expired sessions")
			}
		}
	}
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Str("version", VersionInfo()).Msg("starting dashboard server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close stops the hub and background jobs.
func (s *Server) Close() {
	s.cancel()
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(h, "Bearer "), true
}
