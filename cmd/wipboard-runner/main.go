// wipboard runner: reruns a project's WIP tests whenever a Python file
// changes and publishes the results.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/markus-barta/wipboard/internal/config"
	"github.com/markus-barta/wipboard/internal/pytest"
	"github.com/markus-barta/wipboard/internal/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	config.SetRunnerDefaults(v)

	root := &cobra.Command{
		Use:           "wipboard-runner",
		Short:         "Run WIP tests on every change and publish the results",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}

	f := root.Flags()
	f.String("url", "http://localhost:8000", "dashboard URL")
	f.String("token", "", "API token (prefer WIPBOARD_TOKEN)")
	f.String("project", "", "project ID")
	f.String("transport", config.TransportWebSocket, "event transport: ws, redis or mqtt")
	f.String("redis-url", "redis://localhost:6379/0", "Redis URL for the redis transport")
	f.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker for the mqtt transport")
	f.String("pytest", "pytest", "pytest executable")
	f.String("watch-dir", ".", "project directory to watch")
	f.String("tests-path", "tests", "tests directory, relative to the watch directory")
	f.String("wip-mark", "wip", "pytest marker selecting WIP tests")
	f.Duration("debounce", 0, "quiet period before a change triggers a run (default 500ms)")
	f.Bool("once", false, "collect and run WIP tests once, then exit")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	_ = v.BindPFlags(f)

	return root
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.LoadRunner(v)
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ws := transport.NewWebSocketClient(cfg.WebSocketURL(), cfg.Token, log)
	if cfg.Transport == config.TransportWebSocket {
		go ws.Run(ctx)
		defer func() { _ = ws.Close() }()
	}

	events, err := transport.Open(cfg.Connection, ws, log)
	if err != nil {
		log.Error().Err(err).Str("transport", cfg.Transport).Msg("failed to open transport")
		return err
	}
	defer func() { _ = events.Close() }()

	runner := pytest.NewRunner(pytest.Options{
		Project:    cfg.Project,
		Dir:        cfg.WatchDir,
		PytestPath: cfg.PytestPath,
		TestsPath:  cfg.TestsPath,
		WIPMark:    cfg.WIPMark,
		Publisher:  events,
		Logger:     log,
	})

	log.Info().
		Str("version", Version).
		Str("project", cfg.Project).
		Str("dir", cfg.WatchDir).
		Str("mark", cfg.WIPMark).
		Msg("runner starting")

	if v.GetBool("once") {
		if cfg.Transport == config.TransportWebSocket {
			if err := waitConnected(ctx, ws, cfg.HTTPTimeout); err != nil {
				return errors.Wrap(err, "connect to dashboard")
			}
		}
		if err := runner.Collect(ctx); err != nil {
			return err
		}
		return runner.RunWIP(ctx, "", "")
	}

	watcher, err := pytest.NewWatcher(cfg.WatchDir, cfg.TestsPath, cfg.Debounce, log)
	if err != nil {
		return err
	}
	return watcher.Run(ctx, runner.HandleChange)
}

// waitConnected waits for the WebSocket connection. A zero timeout waits
// until ctx ends.
func waitConnected(ctx context.Context, ws *transport.WebSocketClient, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return ws.WaitConnected(ctx)
}
