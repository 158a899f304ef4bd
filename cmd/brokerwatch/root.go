package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"brokerwatch/internal/admin"
	"brokerwatch/internal/config"
	"brokerwatch/internal/core"
	"brokerwatch/internal/decoder"
	"brokerwatch/internal/logging"
	"brokerwatch/internal/messaging"
	"brokerwatch/internal/monitor"
	"brokerwatch/internal/sink"
)

// flagValues mirrors the config fields that can be set on the command line.
type flagValues struct {
	configPath     string
	transport      string
	username       string
	password       string
	caFile         string
	certFile       string
	keyFile        string
	serverName     string
	insecure       bool
	heartbeat      time.Duration
	backoff        time.Duration
	fetchTimeout   time.Duration
	connectTimeout time.Duration
	eventAddress   string
	consumerGroup  string
	logLevel       string
	logFormat      string
	adminAddr      string
}

func (v *flagValues) bind(fs *pflag.FlagSet) {
	d := config.Default()
	fs.StringVar(&v.configPath, "config", "", "Config file (.yaml, .yml, .json or .toml)")
	fs.StringVar(&v.transport, "transport", d.Transport, "Transport for targets without a scheme: redis|mqtt")
	fs.StringVar(&v.username, "username", "", "Broker user name")
	fs.StringVar(&v.password, "password", "", "Broker password")
	fs.StringVar(&v.caFile, "ca-file", "", "CA certificate bundle (enables TLS)")
	fs.StringVar(&v.certFile, "cert-file", "", "Client certificate (enables TLS)")
	fs.StringVar(&v.keyFile, "key-file", "", "Client private key")
	fs.StringVar(&v.serverName, "server-name", "", "TLS server name override")
	fs.BoolVar(&v.insecure, "insecure", false, "Skip TLS certificate verification")
	fs.DurationVar(&v.heartbeat, "heartbeat", 0, "Connection heartbeat interval (0 uses the client default)")
	fs.DurationVar(&v.backoff, "backoff", d.Backoff.Std(), "Pause between failed connection attempts")
	fs.DurationVar(&v.fetchTimeout, "fetch-timeout", d.FetchTimeout.Std(), "Bounded wait per fetch")
	fs.DurationVar(&v.connectTimeout, "connect-timeout", d.ConnectTimeout.Std(), "Bound on connection establishment")
	fs.StringVar(&v.eventAddress, "event-address", "", "Event stream or topic (default depends on transport)")
	fs.StringVar(&v.consumerGroup, "consumer-group", "", "Durable Redis consumer group (default: private per session)")
	fs.StringVar(&v.logLevel, "log-level", d.LogLevel, "Diagnostic log level: debug|info|warn|error")
	fs.StringVar(&v.logFormat, "log-format", d.LogFormat, "Diagnostic log format: console|json")
	fs.StringVar(&v.adminAddr, "admin-addr", "", "Admin HTTP listen address, e.g. :9102 (empty disables)")
}

// apply overlays flags that were set explicitly.
func (v *flagValues) apply(fs *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, fn func()) {
		if fs.Changed(name) {
			fn()
		}
	}
	set("transport", func() { cfg.Transport = v.transport })
	set("username", func() { cfg.Username = v.username })
	set("password", func() { cfg.Password = v.password })
	set("ca-file", func() { cfg.CAFile = v.caFile })
	set("cert-file", func() { cfg.CertFile = v.certFile })
	set("key-file", func() { cfg.KeyFile = v.keyFile })
	set("server-name", func() { cfg.ServerName = v.serverName })
	set("insecure", func() { cfg.Insecure = v.insecure })
	set("heartbeat", func() { cfg.Heartbeat = config.Duration(v.heartbeat) })
	set("backoff", func() { cfg.Backoff = config.Duration(v.backoff) })
	set("fetch-timeout", func() { cfg.FetchTimeout = config.Duration(v.fetchTimeout) })
	set("connect-timeout", func() { cfg.ConnectTimeout = config.Duration(v.connectTimeout) })
	set("event-address", func() { cfg.EventAddress = v.eventAddress })
	set("consumer-group", func() { cfg.ConsumerGroup = v.consumerGroup })
	set("log-level", func() { cfg.LogLevel = v.logLevel })
	set("log-format", func() { cfg.LogFormat = v.logFormat })
	set("admin-addr", func() { cfg.AdminAddr = v.adminAddr })
}

// load resolves defaults, the config file, the environment and flags.
func (v *flagValues) load(fs *pflag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	if v.configPath != "" {
		var err error
		if cfg, err = config.Load(v.configPath); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	v.apply(fs, &cfg)
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	flags := &flagValues{}
	root := &cobra.Command{
		Use:           "brokerwatch [flags] [target...]",
		Short:         "Follow the administrative event streams of one or more brokers",
		Long:          "brokerwatch connects to every target, reconnecting forever, and prints one line per broker event on stdout.",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd.Flags())
			if err != nil {
				return err
			}
			if len(args) > 0 {
				cfg.Targets = args
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runMonitor(cmd, cfg)
		},
	}
	flags.bind(root.PersistentFlags())
	root.AddCommand(newEmitCmd(flags), newVersionCmd())
	return root
}

func runMonitor(cmd *cobra.Command, cfg config.Config) error {
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	targets, err := cfg.ResolveTargets()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group := monitor.NewGroup(monitor.GroupOptions{
		Clients: func(tr core.Transport) (messaging.Client, error) {
			return messaging.NewClient(tr, cfg.MessagingOptions(), &logger)
		},
		Decoders: func(tr core.Transport) monitor.Decoder {
			return decoder.New(tr, cfg.EventAddress)
		},
		Output:       sink.New(cmd.OutOrStdout()),
		Backoff:      cfg.Backoff.Std(),
		FetchTimeout: cfg.FetchTimeout.Std(),
		Logger:       logger,
	})
	defer func() {
		if err := group.StopAll(); err != nil {
			logger.Debug().Err(err).Msg("supervisors stopped with errors")
		}
	}()

	// Supervisors are stopped by StopAll, not by the signal context.
	if _, err := group.StartAll(context.WithoutCancel(ctx), targets); err != nil {
		return err
	}
	logger.Info().Int("targets", len(targets)).Msg("monitoring")

	adminErr := make(chan error, 1)
	if cfg.AdminAddr != "" {
		srv, err := admin.Listen(cfg.AdminAddr, group, logger)
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		go func() {
			if err := srv.Serve(); err != nil {
				adminErr <- fmt.Errorf("admin server: %w", err)
			}
		}()
		defer shutdownAdmin(srv, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("interrupted, shutting down")
		return nil
	case err := <-group.Fatal():
		return err
	case err := <-adminErr:
		return err
	}
}

func shutdownAdmin(srv *admin.Server, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn().Err(err).Msg("admin shutdown")
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "brokerwatch", version)
			return err
		},
	}
}
