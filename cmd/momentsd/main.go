// Command momentsd runs the moments companion service: the platform bridge,
// the read-only admin API, the prompt scheduler and the periodic saver.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "momentsd",
		Short:         "Moments companion daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("MOMENTS_CONFIG"), "path to a YAML config file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "momentsd:", err)
		os.Exit(1)
	}
}
