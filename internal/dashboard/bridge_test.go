package dashboard

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-barta/wipboard/internal/protocol"
	"github.com/markus-barta/wipboard/internal/pytest"
	"github.com/markus-barta/wipboard/internal/transport"
	"github.com/markus-barta/wipboard/internal/widget"
)

func newRedisTransport(t *testing.T, mr *miniredis.Miniredis) *transport.RedisTransport {
	t.Helper()
	rt, err := transport.NewRedisTransport("redis://"+mr.Addr()+"/0", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

// newRedisBridgedServer starts a server bridged to mr and waits for its
// broker subscription.
func newRedisBridgedServer(t *testing.T, mr *miniredis.Miniredis) *Server {
	t.Helper()
	s := newBridgedTestServer(t, newRedisTransport(t, mr))
	require.Eventually(t, func() bool { return mr.PubSubNumPat() == 1 }, waitTimeout, pollInterval)
	return s
}

// failingPytest fails one WIP test and writes its result log.
func failingPytest(_ context.Context, _, _ string, args ...string) (int, []byte, error) {
	for i, a := range args {
		if a == "--result-log" {
			if err := os.WriteFile(args[i+1], []byte("F tests/test_a.py::test_one\n assert False\n"), 0o600); err != nil {
				return 0, nil, err
			}
		}
	}
	return 1, nil, nil
}

func TestBridge_RunnerStatesReachStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newRedisBridgedServer(t, mr)
	ctx := context.Background()

	runner := pytest.NewRunner(pytest.Options{
		Project:    "demo",
		Dir:        t.TempDir(),
		PytestPath: "pytest",
		TestsPath:  "tests",
		WIPMark:    "wip",
		Publisher:  newRedisTransport(t, mr),
		Logger:     zerolog.Nop(),
		Exec:       failingPytest,
	})
	require.NoError(t, runner.RunWIP(ctx, "app.py", "x = 1\n"))

	require.Eventually(t, func() bool { return s.store.Version() == 1 }, waitTimeout, pollInterval)

	records, err := s.store.States(ctx, "demo", widget.PluginName, widget.ResultKey, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, string(records[0].Value), `"status":"failed"`)
	assert.Contains(t, string(records[0].Value), `"filename":"app.py"`)

	status, err := s.store.States(ctx, "demo", widget.PluginName, widget.StatusKey, 0)
	require.NoError(t, err)
	assert.Empty(t, status, "status events are relayed, not stored")

	w := serve(s, apiRequest(http.MethodGet, "/api/projects/demo/plugins/pytest/states?key=wip_tests", ""))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"app.py"`)
}

func TestBridge_MirroredEventsAreStoredOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newRedisBridgedServer(t, mr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mirrored := make(chan protocol.Event, 4)
	watcher := newRedisTransport(t, mr)
	require.NoError(t, watcher.Subscribe(ctx, protocol.Topic{Key: "wip_tests"}, func(e protocol.Event) { mirrored <- e }))

	w := serve(s, apiRequest(http.MethodPost, "/api/projects/demo/plugins/pytest/events",
		`{"key":"wip_tests","task":"wip_tests","value":{"status":"passed"}}`))
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case e := <-mirrored:
		assert.Equal(t, s.hub.id, e.Origin)
	case <-time.After(waitTimeout):
		t.Fatal("event was not mirrored to the broker")
	}

	// A producer event published after the mirror is ingested after the
	// hub has seen its own echo.
	producer := newRedisTransport(t, mr)
	require.NoError(t, producer.Publish(ctx, protocol.Event{
		Project: "demo", Plugin: "pytest", Type: protocol.KindState, Key: "marker", Value: []byte(`1`),
	}))
	require.Eventually(t, func() bool { return s.store.Version() >= 2 }, waitTimeout, pollInterval)

	records, err := s.store.States(ctx, "demo", "pytest", "wip_tests", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.EqualValues(t, 2, s.store.Version())
}
