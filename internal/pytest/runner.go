package pytest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/markus-barta/wipboard/internal/protocol"
	"github.com/markus-barta/wipboard/internal/transport"
	"github.com/markus-barta/wipboard/internal/widget"
)

// Keys and tasks the runner publishes under.
const (
	TestsKey      = widget.PluginName + "-tests"
	taskWIPTests  = "wip_tests"
	taskGetTests  = "get_tests"
	statusRunning = "running"
	statusPassed  = "passed"
	statusFailed  = "failed"
	statusErrored = "errored"
)

// Exec runs a command in dir and returns its exit code and stdout.
// A non-zero exit code is not an error; failing to start is.
type Exec func(ctx context.Context, dir, name string, args ...string) (int, []byte, error)

// Options configures a Runner.
type Options struct {
	Project    string
	Dir        string // project root; pytest runs here
	PytestPath string
	TestsPath  string
	WIPMark    string
	Publisher  transport.Publisher
	Logger     zerolog.Logger
	Exec       Exec // defaults to running the real command
}

// WIPResult is the state published under the wip_tests key.
type WIPResult struct {
	Success     bool     `json:"success"`
	Filename    *string  `json:"filename"`
	Differences *string  `json:"differences"`
	Status      string   `json:"status"`
	Details     []Detail `json:"details"`
}

// Runner runs WIP tests and test collection and publishes their results.
// Changes are processed one at a time.
type Runner struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	files    map[string]string // last seen content per file
	lastExit *int
	filename *string // file whose change last flipped the outcome
	diff     *string
}

// NewRunner creates a Runner.
func NewRunner(opts Options) *Runner {
	if opts.Exec == nil {
		opts.Exec = execCommand(opts.Logger)
	}
	return &Runner{
		opts:  opts,
		log:   opts.Logger.With().Str("component", "pytest").Logger(),
		files: make(map[string]string),
	}
}

// RunWIP runs the WIP tests after path (relative to the project root)
// changed to content. It publishes the running status, the outcome status
// and finally the wip_tests state. If pytest cannot run, the errored
// status follows running instead.
func (r *Runner) RunWIP(ctx context.Context, path, content string) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.publishStatus(ctx, statusRunning)
	ran := false
	defer func() {
		if err != nil && !ran {
			r.publishStatus(context.WithoutCancel(ctx), statusErrored)
		}
	}()

	logFile, err := os.CreateTemp("", "wipboard-result-*.log")
	if err != nil {
		return errors.Wrap(err, "create result log")
	}
	logPath := logFile.Name()
	_ = logFile.Close()
	defer func() { _ = os.Remove(logPath) }()

	exitCode, _, err := r.opts.Exec(ctx, r.opts.Dir, r.opts.PytestPath,
		"-r", "fesxX", "-v",
		"-m", r.opts.WIPMark,
		"--result-log", logPath,
		r.opts.TestsPath)
	if err != nil {
		return errors.Wrap(err, "run pytest")
	}
	ran = true

	logContent, err := os.ReadFile(logPath)
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to read result log")
	}
	details := ParseResultFile(string(logContent))

	status := statusFailed
	if exitCode == 0 {
		status = statusPassed
	}
	r.publishStatus(ctx, status)

	if r.lastExit == nil || *r.lastExit != exitCode {
		name := path
		diff := HTMLDiff(r.files[path], content)
		r.filename, r.diff = &name, &diff
		code := exitCode
		r.lastExit = &code
	}
	r.files[path] = content

	r.log.Info().
		Str("file", path).
		Int("exit_code", exitCode).
		Int("results", len(details)).
		Msg("WIP tests finished")

	return r.publishState(ctx, widget.ResultKey, taskWIPTests, WIPResult{
		Success:     exitCode == 0,
		Filename:    r.filename,
		Differences: r.diff,
		Status:      status,
		Details:     details,
	})
}

// Collect lists the project's tests and publishes them under TestsKey.
func (r *Runner) Collect(ctx context.Context) error {
	_, stdout, err := r.opts.Exec(ctx, r.opts.Dir, r.opts.PytestPath, "--collect-only", r.opts.TestsPath)
	if err != nil {
		return errors.Wrap(err, "collect tests")
	}
	tests := ParseCollectOnly(string(stdout))
	r.log.Debug().Int("tests", len(tests)).Msg("tests collected")
	return r.publishState(ctx, TestsKey, taskGetTests, tests)
}

func (r *Runner) publishStatus(ctx context.Context, status string) {
	value, _ := json.Marshal(map[string]string{"status": status})
	err := r.opts.Publisher.Publish(ctx, protocol.Event{
		Project: r.opts.Project,
		Plugin:  widget.PluginName,
		Type:    protocol.KindCustom,
		Key:     widget.StatusKey,
		Value:   value,
	})
	if err != nil {
		r.log.Warn().Err(err).Str("status", status).Msg("failed to publish status")
	}
}

func (r *Runner) publishState(ctx context.Context, key, task string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	err = r.opts.Publisher.Publish(ctx, protocol.Event{
		Project: r.opts.Project,
		Plugin:  widget.PluginName,
		Type:    protocol.KindState,
		Key:     key,
		Task:    task,
		Value:   value,
	})
	if err != nil {
		return errors.Wrapf(err, "publish %s", key)
	}
	return nil
}

// execCommand runs the real command. Stderr lines are logged at debug
// level while stdout is captured.
func execCommand(log zerolog.Logger) Exec {
	log = log.With().Str("component", "exec").Logger()
	return func(ctx context.Context, dir, name string, args ...string) (int, []byte, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Dir = dir

		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return 0, nil, errors.Wrap(err, "stderr pipe")
		}

		if err := cmd.Start(); err != nil {
			return 0, nil, errors.Wrapf(err, "start %s", name)
		}

		// Stderr must be drained before Wait closes the pipe.
		logLines(log, stderr)

		err = cmd.Wait()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return exitErr.ExitCode(), stdout.Bytes(), nil
			}
			return 0, stdout.Bytes(), errors.Wrapf(err, "wait %s", name)
		}
		return 0, stdout.Bytes(), nil
	}
}

func logLines(log zerolog.Logger, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Debug().Msg(scanner.Text())
	}
}

// HandleChange reacts to a changed file: test files refresh the collected
// test list, and every Python change reruns the WIP tests.
func (r *Runner) HandleChange(ctx context.Context, c Change) {
	if c.IsTest {
		if err := r.Collect(ctx); err != nil {
			r.log.Error().Err(err).Msg("test collection failed")
		}
	}
	if err := r.RunWIP(ctx, c.Path, c.Content); err != nil {
		r.log.Error().Err(err).Str("file", c.Path).Msg("WIP run failed")
	}
}
