package dashboard

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/markus-barta/wipboard/internal/protocol"
	"github.com/markus-barta/wipboard/internal/store"
	"github.com/markus-barta/wipboard/internal/templates"
)

const maxStatesLimit = 500

// handleHealth reports liveness and a few counters.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	browsers, peers := s.hub.ClientCount()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  VersionInfo(),
		"states":   s.store.Version(),
		"browsers": browsers,
		"peers":    peers,
	})
}

// handleLoginPage renders the login page.
func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	// Check if already logged in
	if _, err := s.auth.Session(r); err == nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	// Get error from query param (set after failed login)
	errorMsg := r.URL.Query().Get("error")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = templates.Login(errorMsg, s.cfg.HasTOTP()).Render(r.Context(), w)
}

// handleLogin processes login form submission.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		redirectLogin(w, r, "Invalid request")
		return
	}

	ip := clientIP(r)
	session, err := s.auth.Login(r.Context(), ip, r.FormValue("password"), r.FormValue("totp"))
	switch {
	case errors.Is(err, errBadPassword), errors.Is(err, errBadTOTP):
		s.log.Warn().Err(err).Str("ip", ip).Msg("failed login attempt")
	case err != nil && !errors.Is(err, errRateLimited):
		s.log.Error().Err(err).Msg("failed to create session")
	}
	if err != nil {
		redirectLogin(w, r, loginMessage(err))
		return
	}

	s.auth.setCookie(w, session)
	http.Redirect(w, r, "/", http.StatusFound)
}

func redirectLogin(w http.ResponseWriter, r *http.Request, msg string) {
	http.Redirect(w, r, "/login?"+url.Values{"error": {msg}}.Encode(), http.StatusFound)
}

// handleLogout logs the user out.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(r.Context(), w, sessionFromContext(r.Context())); err != nil {
		s.log.Warn().Err(err).Msg("failed to delete session")
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

// handleDashboard renders the main page with the registered widgets.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())

	widgets, err := s.store.Widgets(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to fetch widgets")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	data := templates.DashboardData{
		Widgets: lo.Map(widgets, func(wd store.WidgetRecord, _ int) templates.Widget {
			return templates.Widget{ID: wd.ID, Title: wd.Title, HTML: wd.HTML, CSS: wd.CSS}
		}),
		CSRFToken: session.CSRFToken,
		Version:   VersionInfo(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = templates.Dashboard(data).Render(r.Context(), w)
}

// handleWebSocket accepts browsers (session cookie) and peers (bearer token).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var clientType, clientID string

	if token, ok := bearerToken(r); ok {
		if !s.auth.ValidAPIToken(token) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		clientType = clientPeer
		clientID = uuid.NewString()
	} else {
		session, err := s.auth.Session(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		clientType = clientBrowser
		clientID = session.ID
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		conn:       conn,
		clientType: clientType,
		clientID:   clientID,
		send:       make(chan []byte, sendBufferSize),
		hub:        s.hub,
		subs:       make(map[string]string),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// handleGetWidgets lists registered widgets.
func (s *Server) handleGetWidgets(w http.ResponseWriter, r *http.Request) {
	widgets, err := s.store.Widgets(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query widgets")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"widgets": widgets})
}

// handleGetStates returns stored states of a plugin, newest first. The
// optional key and limit query parameters narrow the result.
func (s *Server) handleGetStates(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	plugin := chi.URLParam(r, "plugin")
	key := r.URL.Query().Get("key")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		limit = min(n, maxStatesLimit)
	}

	states, err := s.store.States(r.Context(), project, plugin, key, limit)
	if err != nil {
		s.log.Error().Err(err).Str("project", project).Str("plugin", plugin).Msg("failed to query states")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

// handleGetTests returns the plugin's latest collected test list, stored
// under the "{plugin}-tests" key.
func (s *Server) handleGetTests(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	plugin := chi.URLParam(r, "plugin")

	states, err := s.store.States(r.Context(), project, plugin, plugin+"-tests", 1)
	if err != nil {
		s.log.Error().Err(err).Str("project", project).Msg("failed to query tests")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if len(states) == 0 {
		_, _ = w.Write([]byte("[]"))
		return
	}
	_, _ = w.Write(states[0].Value)
}

// handlePublishEvent lets producers without a WebSocket publish an event.
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type  string          `json:"type"`
		Key   string          `json:"key"`
		Task  string          `json:"task,omitempty"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if req.Type != "" && req.Type != protocol.KindState && req.Type != protocol.KindCustom {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	e := protocol.Event{
		Project: chi.URLParam(r, "project"),
		Plugin:  chi.URLParam(r, "plugin"),
		Type:    req.Type,
		Key:     req.Key,
		Task:    req.Task,
		Value:   req.Value,
	}
	if err := s.hub.Publish(r.Context(), e); err != nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clientIP normalizes RemoteAddr by stripping the port.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if colonIdx := strings.LastIndex(ip, ":"); colonIdx != -1 {
		// IPv6 addresses are bracketed
		if bracketIdx := strings.LastIndex(ip, "]"); bracketIdx == -1 || colonIdx > bracketIdx {
			ip = ip[:colonIdx]
		}
	}
	return ip
}
