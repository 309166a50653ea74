// wipboard dashboard: stores plugin states, relays events and shows widgets.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/markus-barta/wipboard/internal/config"
	"github.com/markus-barta/wipboard/internal/dashboard"
	"github.com/markus-barta/wipboard/internal/store"
	"github.com/markus-barta/wipboard/internal/transport"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	dashboard.SetDefaults(v)

	root := &cobra.Command{
		Use:           "wipboard-dashboard",
		Short:         "Serve the wipboard dashboard",
		Version:       dashboard.VersionInfo(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	f := root.Flags()
	f.String("listen", ":8000", "listen address")
	f.String("data-dir", "/data", "data directory")
	f.String("db-path", "", "SQLite database path (default: <data-dir>/wipboard.db)")
	f.String("bridge", "", "exchange events with a broker: redis or mqtt")
	f.String("redis-url", "redis://localhost:6379/0", "Redis URL for the redis bridge")
	f.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker for the mqtt bridge")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	// Dashboard keys use underscores, matching WIPBOARD_DATA_DIR etc.
	for _, name := range []string{"listen", "data-dir", "db-path", "bridge", "redis-url", "mqtt-broker"} {
		_ = v.BindPFlag(strings.ReplaceAll(name, "-", "_"), f.Lookup(name))
	}
	_ = v.BindPFlag("log-level", f.Lookup("log-level"))

	root.AddCommand(newHashPasswordCmd(), newTOTPSecretCmd())
	return root
}

func runServe(ctx context.Context, v *viper.Viper) error {
	log := config.NewLogger(v.GetString("log-level"))

	cfg, err := dashboard.LoadConfig(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		log.Error().Err(err).Str("dir", cfg.DataDir).Msg("failed to create data directory")
		return err
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize database")
		return err
	}
	defer func() { _ = db.Close() }()

	bridge, err := openBridge(cfg, log)
	if err != nil {
		log.Error().Err(err).Str("bridge", cfg.Bridge).Msg("failed to connect event bridge")
		return err
	}
	if bridge != nil {
		defer func() { _ = bridge.Close() }()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var b dashboard.Bridge
	if bridge != nil {
		b = bridge
	}
	server := dashboard.New(cfg, db, log, b)
	if err := server.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server error")
		return err
	}
	log.Info().Msg("shut down")
	return nil
}

func openBridge(cfg *dashboard.Config, log zerolog.Logger) (transport.PubSub, error) {
	switch cfg.Bridge {
	case dashboard.BridgeRedis:
		return transport.NewRedisTransport(cfg.RedisURL, log)
	case dashboard.BridgeMQTT:
		return transport.NewMQTTTransport(cfg.MQTTBroker, log)
	default:
		return nil, nil
	}
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash for WIPBOARD_PASSWORD_HASH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && password == "" {
				return errors.Wrap(err, "read password")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(strings.TrimRight(password, "\r\n")), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return err
		},
	}
}

func newTOTPSecretCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "totp-secret",
		Short: "Generate a TOTP secret for WIPBOARD_TOTP_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := totp.Generate(totp.GenerateOpts{Issuer: "wipboard", AccountName: account})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "secret: %s\n", key.Secret())
			_, err = fmt.Fprintf(out, "url:    %s\n", key.URL())
			return err
		},
	}
	cmd.Flags().StringVar(&account, "account", "admin", "account name shown in the authenticator app")
	return cmd
}
