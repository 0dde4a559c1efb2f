package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/nkkko/stocksync/pkg/client"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/spf13/cobra"
)

// RemoteOptions holds flags for commands that talk to a running service.
type RemoteOptions struct {
	Server  string
	Timeout time.Duration
}

func (o *RemoteOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Server, "server", "127.0.0.1:8080", "address of the running service")
	cmd.Flags().DurationVar(&o.Timeout, "timeout", 5*time.Second, "request timeout")
}

func (o *RemoteOptions) client() *client.Client {
	return client.New(o.Server, client.WithTimeout(o.Timeout))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	opts := &RemoteOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active session of a running service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().Status(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitFailure, "failed to get status", err)
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	opts.bind(cmd)

	return cmd
}

func printStatus(out io.Writer, status *client.Status) {
	if !status.Active {
		fmt.Fprintln(out, "No active session")
		return
	}
	fmt.Fprintf(out, "Viewer:        %s (%s)\n", status.ViewerID, status.Role)
	fmt.Fprintf(out, "Channel:       %s connected=%t\n", status.Channel, status.Connected)
	fmt.Fprintf(out, "Foreground:    %t\n", status.Foreground)
	fmt.Fprintf(out, "Events:        %d received, %d routed\n", status.EventsReceived, status.EventsRouted)
	fmt.Fprintf(out, "Transitions:   %d\n", status.Transitions)
	fmt.Fprintf(out, "Notifications: %d\n", status.Notifications)
	fmt.Fprintf(out, "Reconnects:    %d\n", status.Reconnects)
}

// NewSessionCommand creates the session command with start and stop subcommands.
func NewSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Start or stop the session of a running service",
	}

	startOpts := &RemoteOptions{}
	var role string
	start := &cobra.Command{
		Use:   "start <viewer-id>",
		Short: "Start the session for a viewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := startOpts.client().StartSession(commandContext(cmd), args[0], proto.Role(role))
			if err != nil {
				return WrapExitError(ExitFailure, "failed to start session", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s started on %s\n", session.HandleID, session.Channel)
			return nil
		},
	}
	startOpts.bind(start)
	start.Flags().StringVar(&role, "role", string(proto.RoleEmployee), "viewer role (manager|employee)")

	stopOpts := &RemoteOptions{}
	var purge bool
	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the active session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stopped, err := stopOpts.client().StopSession(commandContext(cmd), purge)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to stop session", err)
			}
			if stopped {
				fmt.Fprintln(cmd.OutOrStdout(), "Session stopped")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "No active session")
			}
			return nil
		},
	}
	stopOpts.bind(stop)
	stop.Flags().BoolVar(&purge, "purge", false, "also remove stored snapshots and notification history")

	cmd.AddCommand(start, stop)
	return cmd
}

// NewWatchCommand creates the watch command, which prints notifications for
// a user as the service delivers them.
func NewWatchCommand() *cobra.Command {
	opts := &RemoteOptions{}

	cmd := &cobra.Command{
		Use:   "watch <user-id>",
		Short: "Stream notifications delivered to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			sub, err := opts.client().Subscribe(ctx, args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "failed to subscribe", err)
			}
			defer sub.Close()

			out := cmd.OutOrStdout()
			for {
				select {
				case n, ok := <-sub.Notifications:
					if !ok {
						return nil
					}
					marker := ""
					if n.Quiet {
						marker = " (quiet)"
					}
					fmt.Fprintf(out, "%s%s: %s\n", n.Title, marker, n.Body)
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	opts.bind(cmd)

	return cmd
}
