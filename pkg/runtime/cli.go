package runtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connector/pkg/capability"
	"github.com/ajitpratap0/nebula-connector/pkg/config"
	"github.com/ajitpratap0/nebula-connector/pkg/logger"
	"github.com/ajitpratap0/nebula-connector/pkg/observability"
	"github.com/ajitpratap0/nebula-connector/pkg/secrets"
)

// Version is the runtime version reported by the version command.
var Version = "0.1.0"

// Resolver picks the capability to host once the configuration is known.
type Resolver func(cfg *config.RuntimeConfig) (capability.Capability, error)

// Main runs c as a standalone connector binary and exits.
func Main(c capability.Capability) {
	root := NewRunCommand(filepath.Base(os.Args[0]), func(*config.RuntimeConfig) (capability.Capability, error) {
		return c, nil
	})
	root.AddCommand(NewKeygenCommand(), NewVersionCommand())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRunCommand returns a command that loads the configuration and serves
// the capability chosen by resolve until SIGINT or SIGTERM.
func NewRunCommand(use string, resolve Resolver) *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:          use,
		Short:        "Run the connector",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()

			cfg, err := config.Resolve(v, configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Serve(ctx, cfg, resolve, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	flags.String("metrics-addr", "", "address of the /metrics and /healthz listener")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("observability.metrics_addr", flags.Lookup("metrics-addr"))
	_ = v.BindPFlag("observability.log_level", flags.Lookup("log-level"))
	return cmd
}

// Serve initializes logging and tracing, starts the optional metrics and
// health listener and runs the connector until ctx is cancelled.
func Serve(ctx context.Context, cfg *config.RuntimeConfig, resolve Resolver, out io.Writer) error {
	obs := cfg.Observability
	if err := logger.Init(logger.Config{Level: obs.LogLevel, Encoding: obs.LogFormat}); err != nil {
		return err
	}
	log := logger.Get()
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := observability.Init(observability.TracingConfig{
		ServiceName:    cfg.Identity.ID,
		ServiceVersion: cfg.Identity.Version,
		Enabled:        obs.EnableTracing,
		SamplingRate:   obs.TracingSampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	c, err := resolve(cfg)
	if err != nil {
		return err
	}
	rt, err := New(cfg, c, log, WithOutput(out))
	if err != nil {
		return err
	}

	if obs.MetricsAddr != "" {
		srv := newMetricsServer(obs.MetricsAddr, rt.Health())
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics listener failed", zap.Error(err))
			}
		}()
		log.Info("metrics listener started", zap.String("addr", obs.MetricsAddr))
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	return rt.Run(ctx)
}

func newMetricsServer(addr string, health http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewKeygenCommand returns a command that generates a keypair.
func NewKeygenCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a keypair for encrypted configuration fields",
		Long: `Generate a keypair and print it as environment assignments.

With --output the keys are written as a YAML keys section instead, suitable
for the --config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := secrets.GenerateKeypair()
			if err != nil {
				return err
			}
			if output == "" {
				return WriteKeypairEnv(cmd.OutOrStdout(), kp)
			}
			f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			if err := WriteKeypairYAML(f, kp); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Keypair %s written to %s\n", kp.Fingerprint(), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the keys as YAML to this file")
	return cmd
}

// NewVersionCommand returns the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Connector runtime v%s\n", Version)
			fmt.Fprintf(out, "Go version: %s\n", goruntime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", goruntime.GOOS, goruntime.GOARCH)
		},
	}
}
