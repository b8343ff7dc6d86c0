// ============================================================================
// acceptq CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on the Cobra framework
//
// Command Structure:
//   acceptq                        # Root command
//   ├── serve                      # Start the server
//   │   └── --listen, -l          # Listen address (repeatable)
//   ├── config                     # Print the effective configuration
//   ├── status                     # Query a running server
//   │   ├── --admin               # Admin gRPC address
//   │   └── --timeout             # Request timeout
//   ├── --config, -c              # Config file (default: configs/default.yaml)
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// Configuration Management:
//   Uses YAML format config file. Sections:
//   - server: listeners (address, tls, accept_jobs, max_connections)
//   - job: timeouts, keep-alive, buffer sizes ("16KiB")
//   - queue / worker: capacity, pool bounds
//   - admin / metrics / log
//   A missing default config file is not an error: defaults are used.
//
// serve Command:
//   1. Load config, apply --listen overrides
//   2. Configure slog from the log section
//   3. Create and start the Controller
//   4. Wait for SIGINT / SIGTERM
//   5. Gracefully shutdown
//
//   Examples:
//     ./acceptq serve
//     ./acceptq serve -c custom-config.yaml -l :8080 -l :8081
//
// status Command:
//   Calls the admin gRPC server (health + stats) and prints the responses
//   as JSON.
//
//   Examples:
//     ./acceptq status --admin 127.0.0.1:50051
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/acceptq/internal/controller"
	"github.com/ChuLiYu/acceptq/internal/server"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"gopkg.in/yaml.v3"
)

// Version is reported by --version and the default page.
var Version = "1.0.0"

type rootOptions struct {
	configFile string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "acceptq",
		Short: "acceptq: a queue-driven TCP/TLS connection server",
		Long: `acceptq serves HTTP/1.x over TCP and TLS with:
- self-regenerating accept jobs in a bounded queue
- a worker pool that grows while every worker is busy
- keep-alive connections parked in a poller
- Prometheus metrics and a gRPC admin endpoint`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigFile, "config file path")

	rootCmd.AddCommand(buildServeCommand(opts))
	rootCmd.AddCommand(buildConfigCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

// resolveConfig loads the config file. The default path may be absent.
func (o *rootOptions) resolveConfig() (*Config, error) {
	path := o.configFile
	if path == defaultConfigFile {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	return loadConfig(path)
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand(opts *rootOptions) *cobra.Command {
	var listen []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the acceptq server",
		Long:  "Open the configured listeners and serve until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolveConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.overrideListeners(listen)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, cmd.ErrOrStderr(), nil)
		},
	}

	cmd.Flags().StringArrayVarP(&listen, "listen", "l", nil, "listen address, repeatable (replaces server.listeners)")
	return cmd
}

// runServer runs a controller until ctx is done. ready, when set, is called
// once the controller has started.
func runServer(ctx context.Context, cfg *Config, logOut io.Writer, ready func(*controller.Controller)) error {
	logger, err := newLogger(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	cc, err := cfg.controllerConfig(appHandler(cfg.Server.StaticDir))
	if err != nil {
		return err
	}
	cc.Logger = logger

	ctrl, err := controller.New(cc)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	addrs := make([]string, 0, len(ctrl.Addrs()))
	for _, a := range ctrl.Addrs() {
		addrs = append(addrs, a.String())
	}
	logger.Info("System started successfully", "addrs", addrs, "version", Version)
	if ready != nil {
		ready(ctrl)
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal, stopping gracefully...")

	done := make(chan struct{})
	go func() {
		ctrl.Stop()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("System stopped. Goodbye!")
		return nil
	case <-time.After(defaultShutdownWait):
		return fmt.Errorf("shutdown did not finish within %s", defaultShutdownWait)
	}
}

// appHandler is the application served on every listener.
func appHandler(staticDir string) http.Handler {
	if staticDir != "" {
		return http.FileServer(http.Dir(staticDir))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "acceptq %s\n", Version)
	})
}

// ============================================================================
// config
// ============================================================================

func buildConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Load the config file, apply defaults and print the result as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolveConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return writeConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

func writeConfig(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	var (
		adminAddr string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Long:  "Query the admin endpoint of a running server for health and statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := adminAddr
			if !cmd.Flags().Changed("admin") {
				if cfg, err := opts.resolveConfig(); err == nil && cfg.Admin.GRPCAddr != "" {
					addr = cfg.Admin.GRPCAddr
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return showStatus(ctx, cmd.OutOrStdout(), addr)
		},
	}

	cmd.Flags().StringVar(&adminAddr, "admin", defaultAdminAddr, "admin gRPC address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func showStatus(ctx context.Context, w io.Writer, addr string) error {
	st, err := server.FetchStatus(ctx, addr)
	if err != nil {
		return err
	}

	m := protojson.MarshalOptions{Multiline: true, Indent: "  ", EmitUnpopulated: true}
	health, err := m.Marshal(st.Health)
	if err != nil {
		return fmt.Errorf("encode health: %w", err)
	}
	stats, err := m.Marshal(st.Stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}

	fmt.Fprintf(w, "admin:  %s\n", addr)
	fmt.Fprintf(w, "health: %s\n", health)
	fmt.Fprintf(w, "stats:  %s\n", stats)
	return nil
}
