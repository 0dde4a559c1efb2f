package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nkkko/stocksync/internal/config"
	"github.com/nkkko/stocksync/internal/engine"
	"github.com/nkkko/stocksync/internal/logging"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	DataDir         string
	Addr            string
	Viewer          string
	Role            string
	ShutdownTimeout time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service and control API",
		Long: `Run the sync service.

Without --viewer the service waits for the UI shell to start a session
with POST /session. With --viewer a session is started immediately.

Example:
  stocksync serve --config ./stocksync.yaml
  stocksync serve --addr :8080 --viewer 5b1c... --role manager`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "directory for snapshot storage")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "control API listen address")
	cmd.Flags().StringVar(&opts.Viewer, "viewer", "", "viewer id to start a session for at startup")
	cmd.Flags().StringVar(&opts.Role, "role", string(proto.RoleEmployee), "viewer role (manager|employee)")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := config.LoadConfig(opts.ConfigFile, opts.DataDir, opts.Addr, opts.LogLevel)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	role := proto.Role(opts.Role)
	if opts.Viewer != "" && !role.Valid() {
		return WrapExitError(ExitCommandError, "invalid role", fmt.Errorf("%q is not manager or employee", opts.Role))
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return WrapExitError(ExitCommandError, "failed to set up logging", err)
	}

	eng, err := engine.CreateEngine(cfg, engine.Options{
		ViewerID: opts.Viewer,
		Role:     role,
		Version:  Version,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create engine", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Caught signal, initiating shutdown")
			cancel()
		case <-ctx.Done():
		}
	}()

	runErr := eng.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer shutdownCancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown finished with errors")
	}

	if runErr != nil {
		return WrapExitError(ExitFailure, "engine error", runErr)
	}
	return nil
}
