package pytest

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-barta/wipboard/internal/protocol"
	"github.com/markus-barta/wipboard/internal/transport"
	"github.com/markus-barta/wipboard/internal/widget"
)

// fakePytest answers pytest invocations with canned exit codes. For WIP runs
// it writes logContent to the --result-log path.
type fakePytest struct {
	mu         sync.Mutex
	exitCodes  []int
	logContent string
	collect    string
	calls      [][]string
	startErr   error
}

func (f *fakePytest) exec(_ context.Context, _, _ string, args ...string) (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if f.startErr != nil {
		return 0, nil, f.startErr
	}
	if args[0] == "--collect-only" {
		return 0, []byte(f.collect), nil
	}
	for i, a := range args {
		if a == "--result-log" {
			if err := os.WriteFile(args[i+1], []byte(f.logContent), 0o600); err != nil {
				return 0, nil, err
			}
		}
	}
	code := 0
	if len(f.exitCodes) > 0 {
		code, f.exitCodes = f.exitCodes[0], f.exitCodes[1:]
	}
	return code, nil, nil
}

type recorded struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorded) add(e protocol.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorded) byKey(key string) []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Event
	for _, e := range r.events {
		if e.Key == key {
			out = append(out, e)
		}
	}
	return out
}

func newTestRunner(t *testing.T, fake *fakePytest) (*Runner, *recorded) {
	t.Helper()
	bus := transport.NewBus(zerolog.Nop())
	rec := &recorded{}
	bus.Add(protocol.Topic{Project: "demo", Plugin: widget.PluginName}, rec.add)

	return NewRunner(Options{
		Project:    "demo",
		Dir:        t.TempDir(),
		PytestPath: "pytest",
		TestsPath:  "tests",
		WIPMark:    "wip",
		Publisher:  bus,
		Logger:     zerolog.Nop(),
		Exec:       fake.exec,
	}), rec
}

func decodeResult(t *testing.T, e protocol.Event) WIPResult {
	t.Helper()
	var r WIPResult
	require.NoError(t, json.Unmarshal(e.Value, &r))
	return r
}

func TestRunWIP_PublishesStatusThenResult(t *testing.T) {
	fake := &fakePytest{exitCodes: []int{1}, logContent: "F tests/test_a.py::test_one\n assert False\n"}
	runner, rec := newTestRunner(t, fake)

	require.NoError(t, runner.RunWIP(context.Background(), "app/a.py", "x = 1\n"))

	statuses := rec.byKey(widget.StatusKey)
	require.Len(t, statuses, 2)
	assert.JSONEq(t, `{"status":"running"}`, string(statuses[0].Value))
	assert.JSONEq(t, `{"status":"failed"}`, string(statuses[1].Value))
	assert.Equal(t, protocol.KindCustom, statuses[0].Type)

	results := rec.byKey(widget.ResultKey)
	require.Len(t, results, 1)
	assert.Equal(t, protocol.KindState, results[0].Type)
	assert.Equal(t, "wip_tests", results[0].Task)

	r := decodeResult(t, results[0])
	assert.False(t, r.Success)
	assert.Equal(t, "failed", r.Status)
	require.NotNil(t, r.Filename)
	assert.Equal(t, "app/a.py", *r.Filename)
	require.Len(t, r.Details, 1)
	assert.Equal(t, "assert False", r.Details[0].Message)

	require.Len(t, fake.calls, 1)
	assert.Equal(t, []string{"-r", "fesxX", "-v", "-m", "wip", "--result-log"}, fake.calls[0][:6])
	assert.Equal(t, "tests", fake.calls[0][7])
}

func TestRunWIP_FilenameChangesOnlyWhenOutcomeFlips(t *testing.T) {
	fake := &fakePytest{exitCodes: []int{1, 1, 0}}
	runner, rec := newTestRunner(t, fake)
	ctx := context.Background()

	require.NoError(t, runner.RunWIP(ctx, "a.py", "v1\n"))
	require.NoError(t, runner.RunWIP(ctx, "b.py", "v1\n"))
	require.NoError(t, runner.RunWIP(ctx, "a.py", "v2\n"))

	results := rec.byKey(widget.ResultKey)
	require.Len(t, results, 3)

	first, second, third := decodeResult(t, results[0]), decodeResult(t, results[1]), decodeResult(t, results[2])
	assert.Equal(t, "a.py", *first.Filename)
	assert.Equal(t, "a.py", *second.Filename, "same outcome keeps the culprit")
	assert.Equal(t, "a.py", *third.Filename)
	assert.True(t, third.Success)
	require.NotNil(t, third.Differences)
	assert.Contains(t, *third.Differences, "v2")
	assert.Contains(t, *third.Differences, "<del")
}

func TestRunWIP_ExecError(t *testing.T) {
	fake := &fakePytest{startErr: errors.New("pytest not found")}
	runner, rec := newTestRunner(t, fake)

	err := runner.RunWIP(context.Background(), "a.py", "")
	require.Error(t, err)

	statuses := rec.byKey(widget.StatusKey)
	require.Len(t, statuses, 2)
	assert.JSONEq(t, `{"status":"running"}`, string(statuses[0].Value))
	assert.JSONEq(t, `{"status":"errored"}`, string(statuses[1].Value), "the indicator leaves the running state")
	assert.Empty(t, rec.byKey(widget.ResultKey))

	// A later successful run reports normally.
	fake.mu.Lock()
	fake.startErr = nil
	fake.mu.Unlock()
	require.NoError(t, runner.RunWIP(context.Background(), "a.py", ""))
	statuses = rec.byKey(widget.StatusKey)
	require.Len(t, statuses, 4)
	assert.JSONEq(t, `{"status":"passed"}`, string(statuses[3].Value))
}

func TestCollect(t *testing.T) {
	fake := &fakePytest{collect: "<Module 'tests/test_a.py'>\n  <Function 'test_one'>\n"}
	runner, rec := newTestRunner(t, fake)

	require.NoError(t, runner.Collect(context.Background()))

	events := rec.byKey(TestsKey)
	require.Len(t, events, 1)
	assert.Equal(t, "get_tests", events[0].Task)
	assert.JSONEq(t, `[{"module":"tests/test_a.py","class":null,"function":"test_one"}]`, string(events[0].Value))
}

func TestHandleChange(t *testing.T) {
	fake := &fakePytest{}
	runner, rec := newTestRunner(t, fake)
	ctx := context.Background()

	runner.HandleChange(ctx, Change{Path: "app/a.py", Content: "x"})
	assert.Empty(t, rec.byKey(TestsKey))
	assert.Len(t, rec.byKey(widget.ResultKey), 1)

	runner.HandleChange(ctx, Change{Path: "tests/test_a.py", Content: "y", IsTest: true})
	assert.Len(t, rec.byKey(TestsKey), 1)
	assert.Len(t, rec.byKey(widget.ResultKey), 2)
}
