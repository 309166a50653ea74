// wipboard widget runtime: keeps the pytest WIP widget of one project up
// to date on the dashboard.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/markus-barta/wipboard/internal/config"
	"github.com/markus-barta/wipboard/internal/hostapi"
	"github.com/markus-barta/wipboard/internal/transport"
	"github.com/markus-barta/wipboard/internal/widget"
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
	config.SetConnectionDefaults(v)

	root := &cobra.Command{
		Use:           "wipboard-widget",
		Short:         "Run the pytest WIP widget for a project",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}

	f := root.PersistentFlags()
	f.String("url", "http://localhost:8000", "dashboard URL")
	f.String("token", "", "API token (prefer WIPBOARD_TOKEN)")
	f.String("project", "", "project ID")
	f.String("transport", config.TransportWebSocket, "event transport: ws, redis or mqtt")
	f.String("redis-url", "redis://localhost:6379/0", "Redis URL for the redis transport")
	f.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker for the mqtt transport")
	f.Duration("http-timeout", 0, "timeout for asset and snapshot requests (default 10s)")
	f.String("widget-id", "", "widget ID (default pytest-<project>)")
	f.String("title", "", "widget title")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	_ = v.BindPFlags(f)

	root.AddCommand(newCheckCmd(v))
	return root
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.LoadWidget(v)
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ws := transport.NewWebSocketClient(cfg.WebSocketURL(), cfg.Token, log)
	ws.OnConnectionChange(func(connected bool) {
		if connected {
			log.Info().Str("project", cfg.Project).Msg("dashboard connected, widget output live")
			return
		}
		log.Warn().Str("project", cfg.Project).Msg("dashboard disconnected, widget output held until reconnect")
	})
	go ws.Run(ctx)
	defer func() { _ = ws.Close() }()

	events, err := transport.Open(cfg.Connection, ws, log)
	if err != nil {
		log.Error().Err(err).Str("transport", cfg.Transport).Msg("failed to open transport")
		return err
	}
	defer func() { _ = events.Close() }()

	ctrl, err := widget.NewController(widget.Options{
		WidgetID:  cfg.WidgetID,
		Title:     cfg.Title,
		ProjectID: cfg.Project,
		Transport: events,
		Registry:  ws,
		Assets:    hostapi.New(cfg.DashboardURL, cfg.Token, widget.PluginName, cfg.HTTPTimeout),
		Display:   ws,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("version", Version).
		Str("project", cfg.Project).
		Str("url", cfg.DashboardURL).
		Str("transport", cfg.Transport).
		Msg("widget runtime starting")

	if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("widget runtime stopped")
	return nil
}

func newCheckCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and test dashboard connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			cfg, err := config.LoadWidget(v)
			if err != nil {
				_, _ = fmt.Fprintf(out, "❌ Config error: %v\n", err)
				return err
			}
			_, _ = fmt.Fprintln(out, "✓ Config OK")
			_, _ = fmt.Fprintf(out, "  Dashboard:   %s\n", cfg.DashboardURL)
			_, _ = fmt.Fprintf(out, "  Project:     %s\n", cfg.Project)
			_, _ = fmt.Fprintf(out, "  Transport:   %s\n", cfg.Transport)

			_, _ = fmt.Fprint(out, "Testing dashboard connectivity... ")
			latency, err := hostapi.New(cfg.DashboardURL, cfg.Token, widget.PluginName, cfg.HTTPTimeout).Health(cmd.Context())
			if err != nil {
				_, _ = fmt.Fprintf(out, "❌ Failed\n  Error: %v\n", err)
				return err
			}
			_, _ = fmt.Fprintf(out, "✓ OK (latency: %dms)\n", latency.Milliseconds())
			return nil
		},
	}
}
