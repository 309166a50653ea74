package dashboard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/markus-barta/wipboard/internal/hostapi"
	"github.com/markus-barta/wipboard/internal/transport"
	"github.com/markus-barta/wipboard/internal/widget"
)

// storedBody returns the stored body of the only registered widget.
func storedBody(t *testing.T, s *Server) string {
	t.Helper()
	widgets, err := s.store.Widgets(context.Background())
	require.NoError(t, err)
	if len(widgets) != 1 {
		return ""
	}
	return widgets[0].HTML
}

// TestWidgetRuntimeAgainstDashboard runs a widget controller over the real
// WebSocket and asset endpoints and follows its output into the store.
func TestWidgetRuntimeAgainstDashboard(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	const base = "/api/projects/demo/plugins/pytest/events"

	w := serve(s, apiRequest(http.MethodPost, base,
		`{"key":"wip_tests","value":{"filename":"app/a.py","success":true,"status":"passed"}}`))
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool { return s.store.Version() == 1 }, waitTimeout, pollInterval)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ws := transport.NewWebSocketClient("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", testToken, zerolog.Nop())
	go ws.Run(ctx)

	ctrl, err := widget.NewController(widget.Options{
		ProjectID: "demo",
		Transport: ws,
		Registry:  ws,
		Assets:    hostapi.New(srv.URL, testToken, widget.PluginName, 5*time.Second),
		Display:   ws,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	go func() { _ = ctrl.Run(ctx) }()

	// Snapshot: the newest stored result is rendered and the widget registers.
	require.Eventually(t, func() bool {
		body := storedBody(t, s)
		return strings.Contains(body, "app/a.py") && strings.Contains(body, "btn-success")
	}, 5*time.Second, pollInterval)

	// Status: the indicator is patched in place.
	w = serve(s, apiRequest(http.MethodPost, base, `{"type":"custom","key":"wip_tests_status","value":{"status":"running"}}`))
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		body := storedBody(t, s)
		return strings.Contains(body, "btn-warning") && strings.Contains(body, "app/a.py")
	}, waitTimeout, pollInterval)

	// Result: the whole body is rendered again.
	w = serve(s, apiRequest(http.MethodPost, base,
		`{"key":"wip_tests","value":{"filename":"app/b.py","success":false,"status":"failed","differences":"<ins>x</ins>"}}`))
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		body := storedBody(t, s)
		return strings.Contains(body, "app/b.py") &&
			strings.Contains(body, "btn-danger") &&
			strings.Contains(body, "<ins>x</ins>") &&
			!strings.Contains(body, "btn-warning")
	}, waitTimeout, pollInterval)
}
