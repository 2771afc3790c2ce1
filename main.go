package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"i4.energy/across/atchat/engine"
	"i4.energy/across/atchat/logger"
	"i4.energy/across/atchat/metrics"
	"i4.energy/across/atchat/modem"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "atchat",
		Short: "Talk to an AT command modem over a serial line",
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "YAML configuration file")
	flags.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	flags.Int("baud-rate", 115200, "Baud rate for serial communication")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("sim-pin", "", "SIM card PIN code (if required)")
	flags.Duration("at-timeout", 5*time.Second, "Timeout of a single AT command attempt")
	flags.Int("max-retries", 5, "Resends of a failed AT command")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newExecCommand(opts))

	return cmd
}

// setup loads the layered configuration and opens the modem.
func setup(ctx context.Context, cmd *cobra.Command, opts *rootOptions) (*Config, logger.Logger, *modem.Modem, error) {
	config, err := LoadConfig(WithDefaults(), WithFile(opts.configFile), WithEnv(), WithFlags(cmd.Flags()))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	log := logger.NewSlog(os.Stderr, logger.ParseLevel(config.LogLevel), false)
	logger.SetDefault(log)

	mode := modem.DefaultMode
	mode.BaudRate = config.BaudRate

	modemConfig, err := modem.NewConfigBuilder().
		WithATTimeout(config.ATTimeout).
		WithInitTimeout(30 * time.Second).
		WithMaxRetries(config.MaxRetries).
		WithMinSendInterval(config.MinSendInterval).
		WithSimPIN(config.SimPIN).
		WithLogger(log).
		WithDialer(modem.SerialDialer{
			PortName: config.SerialPort,
			Mode:     &mode,
		}).
		Build()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("modem config: %w", err)
	}

	m, err := modem.New(ctx, modemConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open modem: %w", err)
	}
	return config, log, m, nil
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "serve",
		Short:         "Run the HTTP gateway",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, rootOpts)
		},
	}
	cmd.Flags().String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	return cmd
}

func serve(cmd *cobra.Command, opts *rootOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config, log, m, err := setup(ctx, cmd, opts)
	if err != nil {
		return err
	}
	log.Info("Starting SMS Gateway", "serial_port", config.SerialPort)

	reg, err := metrics.NewRegistry("atchat", m)
	if err != nil {
		_ = m.Close()
		return fmt.Errorf("register metrics: %w", err)
	}

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: &Server{
			Logger:  log.With("component", "server"),
			Modem:   m,
			Metrics: metrics.Handler(reg),
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := m.Loop(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("modem loop: %w", err)
	})
	g.Go(func() error {
		log.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Failed to gracefully shutdown server", "error", err)
		}

		log.Info("Closing modem connection")
		if err := m.Close(); err != nil {
			log.Error("Failed to close modem", "error", err)
		}
		return nil
	})

	return g.Wait()
}

type execOptions struct {
	prefix  string
	suffix  string
	timeout time.Duration
	retry   int
}

func newExecCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &execOptions{}

	cmd := &cobra.Command{
		Use:   "exec <command>",
		Short: "Run one AT command and print the response",
		Long: `Run one AT command against the modem and print the response lines.

Example:
  atchat exec AT+CSQ --prefix "+CSQ:"
  atchat exec 'AT+CGSN' --serial-port /dev/ttyACM0`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execOnce(cmd, rootOpts, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.prefix, "prefix", "", "Text where the expected response begins")
	cmd.Flags().StringVar(&opts.suffix, "suffix", "", "Text where the expected response ends (default OK)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Attempt timeout (default --at-timeout)")
	cmd.Flags().IntVar(&opts.retry, "retry", -1, "Resends on failure (default --max-retries)")

	return cmd
}

func execOnce(cmd *cobra.Command, rootOpts *rootOptions, opts *execOptions, line string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config, _, m, err := setup(ctx, cmd, rootOpts)
	if err != nil {
		return err
	}
	defer m.Close()

	attr := engine.DefaultAttr()
	attr.Prefix = opts.prefix
	attr.Suffix = opts.suffix
	attr.Timeout = config.ATTimeout
	attr.Retry = config.MaxRetries
	if opts.timeout > 0 {
		attr.Timeout = opts.timeout
	}
	if opts.retry >= 0 {
		attr.Retry = opts.retry
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.Loop(loopCtx)

	resp, err := m.Exec(ctx, attr, line)
	if resp != "" {
		fmt.Fprintln(cmd.OutOrStdout(), resp)
	}
	return err
}
