package widget

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-barta/wipboard/internal/protocol"
	"github.com/markus-barta/wipboard/internal/transport"
)

const (
	testProject = "demo"
	waitFor     = 2 * time.Second
	tick        = 10 * time.Millisecond
)

type fakeAssets struct {
	template string
	style    string
	records  []Record
	err      error
}

func (f *fakeAssets) Template(context.Context) (string, error) { return f.template, f.err }
func (f *fakeAssets) Style(context.Context) (string, error)    { return f.style, f.err }
func (f *fakeAssets) Snapshot(_ context.Context, project string) ([]Record, error) {
	if project != testProject {
		return nil, errors.New("unexpected project " + project)
	}
	return f.records, f.err
}

type fakeRegistry struct {
	mu    sync.Mutex
	calls []protocol.RegisterWidgetPayload
}

func (f *fakeRegistry) RegisterWidget(_ context.Context, w protocol.RegisterWidgetPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, w)
	return nil
}

func (f *fakeRegistry) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type patch struct {
	selector string
	html     string
}

type fakeDisplay struct {
	mu      sync.Mutex
	renders []string
	patches []patch
	styles  []string
}

func (f *fakeDisplay) RenderWidget(_ context.Context, _, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renders = append(f.renders, html)
	return nil
}

func (f *fakeDisplay) PatchWidget(_ context.Context, _, selector, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patch{selector: selector, html: html})
	return nil
}

func (f *fakeDisplay) StyleWidget(_ context.Context, _, css string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.styles = append(f.styles, css)
	return nil
}

func (f *fakeDisplay) snapshot() (renders []string, patches []patch, styles []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.renders...), append([]patch(nil), f.patches...), append([]string(nil), f.styles...)
}

type harness struct {
	bus      *transport.Bus
	assets   *fakeAssets
	registry *fakeRegistry
	display  *fakeDisplay
	ctrl     *Controller
}

func startController(t *testing.T, assets *fakeAssets) *harness {
	t.Helper()
	h := &harness{
		bus:      transport.NewBus(zerolog.Nop()),
		assets:   assets,
		registry: &fakeRegistry{},
		display:  &fakeDisplay{},
	}
	ctrl, err := NewController(Options{
		ProjectID: testProject,
		Transport: h.bus,
		Registry:  h.registry,
		Assets:    h.assets,
		Display:   h.display,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	h.ctrl = ctrl

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return h.bus.Len() == 2 }, waitFor, tick)
	return h
}

func (h *harness) publish(t *testing.T, kind, key, value string) {
	t.Helper()
	require.NoError(t, h.bus.Publish(context.Background(), protocol.Event{
		Project: testProject,
		Plugin:  PluginName,
		Type:    kind,
		Key:     key,
		Value:   json.RawMessage(value),
	}))
}

func (h *harness) state(t *testing.T) DisplayState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s, err := h.ctrl.State(ctx)
	require.NoError(t, err)
	return s
}

func TestNewController_RequiresCollaborators(t *testing.T) {
	_, err := NewController(Options{})
	assert.Error(t, err)

	c, err := NewController(Options{
		ProjectID: testProject,
		Transport: transport.NewBus(zerolog.Nop()),
		Registry:  &fakeRegistry{},
		Assets:    &fakeAssets{},
		Display:   &fakeDisplay{},
	})
	require.NoError(t, err)
	assert.Equal(t, "pytest-demo", c.opts.WidgetID)
}

func TestController_PrimesFromSnapshotAndRegistersOnce(t *testing.T) {
	h := startController(t, &fakeAssets{
		template: testTemplate,
		style:    ".wip-widget{}",
		records: []Record{
			{Value: ResultValue{Filename: "newest.py", Success: true, Status: "passed"}},
			{Value: ResultValue{Filename: "older.py", Status: "failed"}},
		},
	})

	require.Eventually(t, func() bool { return h.registry.count() == 1 }, waitFor, tick)

	renders, _, _ := h.display.snapshot()
	require.Len(t, renders, 1)
	assert.Contains(t, renders[0], "newest.py")
	assert.Contains(t, renders[0], "btn-success")
	require.Eventually(t, func() bool {
		_, _, styles := h.display.snapshot()
		return len(styles) == 1 && styles[0] == ".wip-widget{}"
	}, waitFor, tick)

	h.registry.mu.Lock()
	call := h.registry.calls[0]
	h.registry.mu.Unlock()
	assert.Equal(t, "pytest-demo", call.WidgetID)
	assert.Equal(t, testProject, call.Project)
	assert.Equal(t, PluginName, call.Plugin)

	h.publish(t, protocol.KindState, ResultKey, `{"filename":"later.py","status":"failed"}`)
	require.Eventually(t, func() bool {
		renders, _, _ := h.display.snapshot()
		return len(renders) == 2
	}, waitFor, tick)
	assert.Equal(t, 1, h.registry.count())
}

func TestController_EmptySnapshotStillRendersAndRegisters(t *testing.T) {
	h := startController(t, &fakeAssets{template: testTemplate})

	require.Eventually(t, func() bool { return h.registry.count() == 1 }, waitFor, tick)
	renders, _, _ := h.display.snapshot()
	require.Len(t, renders, 1)
	assert.Contains(t, renders[0], "No test run yet.")
	assert.False(t, h.state(t).Loaded)
}

func TestController_ResultPushUpdatesModel(t *testing.T) {
	h := startController(t, &fakeAssets{template: testTemplate})
	require.Eventually(t, func() bool { return h.registry.count() == 1 }, waitFor, tick)

	h.publish(t, protocol.KindState, ResultKey,
		`{"filename":"app.py","success":false,"differences":"<b>x</b>","status":"failed"}`)

	require.Eventually(t, func() bool { return h.state(t).Filename == "app.py" }, waitFor, tick)
	s := h.state(t)
	assert.Equal(t, "failed", s.Status)
	assert.Equal(t, "<b>x</b>", s.Differences)

	renders, _, _ := h.display.snapshot()
	last := renders[len(renders)-1]
	assert.Contains(t, last, "btn-danger")
	assert.Contains(t, last, "<b>x</b>")
}

func TestController_PushBeforeTemplateIsKept(t *testing.T) {
	h := startController(t, &fakeAssets{err: errors.New("host down")})

	h.publish(t, protocol.KindState, ResultKey, `{"filename":"early.py","status":"passed"}`)

	require.Eventually(t, func() bool { return h.state(t).Filename == "early.py" }, waitFor, tick)
	renders, _, _ := h.display.snapshot()
	assert.Empty(t, renders, "nothing renders without a template")
	assert.Zero(t, h.registry.count())
}

func TestController_StatusPatchesIndicator(t *testing.T) {
	h := startController(t, &fakeAssets{
		template: testTemplate,
		records:  []Record{{Value: ResultValue{Filename: "a.py", Status: "passed"}}},
	})
	require.Eventually(t, func() bool { return h.registry.count() == 1 }, waitFor, tick)
	rendersBefore, _, _ := h.display.snapshot()
	require.Len(t, rendersBefore, 1)

	h.publish(t, protocol.KindCustom, StatusKey, `{"status":"running"}`)
	require.Eventually(t, func() bool {
		_, patches, _ := h.display.snapshot()
		return len(patches) == 1
	}, waitFor, tick)
	renders, _, _ := h.display.snapshot()
	assert.Len(t, renders, len(rendersBefore), "a status message patches without a full render")

	_, patches, _ := h.display.snapshot()
	assert.Equal(t, IndicatorSelector, patches[0].selector)
	assert.Contains(t, patches[0].html, "btn-warning")
	assert.NotContains(t, patches[0].html, "btn-success")
	assert.Contains(t, patches[0].html, "spinning")
	assert.Contains(t, patches[0].html, ">passed<", "running keeps the label")

	h.publish(t, protocol.KindCustom, StatusKey, `{"status":"failed"}`)
	require.Eventually(t, func() bool {
		_, patches, _ := h.display.snapshot()
		return len(patches) == 2
	}, waitFor, tick)
	_, patches, _ = h.display.snapshot()
	assert.Contains(t, patches[1].html, "btn-danger")
	assert.Contains(t, patches[1].html, ">failed<")
	assert.False(t, strings.Contains(patches[1].html, "spinning"))

	// Status messages never touch the model.
	assert.Equal(t, "passed", h.state(t).Status)
	renders, _, _ = h.display.snapshot()
	assert.Len(t, renders, len(rendersBefore))
}

func TestController_StatusWithoutIndicatorIsIgnored(t *testing.T) {
	h := startController(t, &fakeAssets{err: errors.New("host down")})

	h.publish(t, protocol.KindCustom, StatusKey, `{"status":"passed"}`)
	h.state(t) // flush the queue

	_, patches, _ := h.display.snapshot()
	assert.Empty(t, patches)
}

func TestController_IgnoresOtherProjects(t *testing.T) {
	h := startController(t, &fakeAssets{err: errors.New("host down")})

	require.NoError(t, h.bus.Publish(context.Background(), protocol.Event{
		Project: "other",
		Plugin:  PluginName,
		Type:    protocol.KindState,
		Key:     ResultKey,
		Value:   json.RawMessage(`{"filename":"nope.py"}`),
	}))

	assert.False(t, h.state(t).Loaded)
}

func TestController_StateAfterStop(t *testing.T) {
	bus := transport.NewBus(zerolog.Nop())
	ctrl, err := NewController(Options{
		ProjectID: testProject,
		Transport: bus,
		Registry:  &fakeRegistry{},
		Assets:    &fakeAssets{err: errors.New("host down")},
		Display:   &fakeDisplay{},
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	_, err = ctrl.State(context.Background())
	require.NoError(t, err)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	_, err = ctrl.State(context.Background())
	assert.ErrorIs(t, err, ErrControllerStopped)
}
