// Command moments talks to a running momentsd over the platform bridge. It can
// act as a messaging platform for one user and print the prompts the service
// sends.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-moments/pkg/schema"
	"github.com/celerix-dev/celerix-moments/pkg/sdk"
)

type rootOptions struct {
	addr   string
	useTLS bool
	locale string
}

func (o *rootOptions) connect() (*sdk.Client, error) {
	client, err := sdk.Connect(o.addr, sdk.WithTLS(o.useTLS))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", o.addr, err)
	}
	return client, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "moments",
		Short:         "Moments bridge client",
		Long:          "Send interactions to a moments daemon and watch the prompts it delivers.\n\nEnvironment: MOMENTS_BRIDGE_ADDR, MOMENTS_DISABLE_TLS.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", sdk.AddrFromEnv(), "bridge address")
	cmd.PersistentFlags().BoolVar(&opts.useTLS, "tls", sdk.TLSFromEnv(), "use TLS")
	cmd.PersistentFlags().StringVar(&opts.locale, "locale", "", "platform locale of the user, e.g. ru-RU")

	cmd.AddCommand(newSayCommand(opts))
	cmd.AddCommand(newPressCommand(opts))
	cmd.AddCommand(newCommandCommand(opts))
	cmd.AddCommand(newListenCommand(opts))
	cmd.AddCommand(newPingCommand(opts))
	return cmd
}

func send(cmd *cobra.Command, opts *rootOptions, in schema.Interaction) error {
	client, err := opts.connect()
	if err != nil {
		return err
	}
	defer client.Close()
	in.Locale = opts.locale
	ack, err := client.Send(in)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), ack)
}

func newSayCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "say <user> <text...>",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd, opts, schema.Interaction{
				UserID: args[0],
				Kind:   schema.InteractionMessage,
				Text:   strings.Join(args[1:], " "),
			})
		},
	}
}

func newPressCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "press <user> <action>",
		Short: "Press a button (add, skip, talk, search, cancel)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd, opts, schema.Interaction{UserID: args[0], Kind: schema.InteractionButton, Action: args[1]})
		},
	}
}

func newCommandCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "command <user> <name> [args...]",
		Short: "Send a bot command such as start, add or interval 4",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd, opts, schema.Interaction{
				UserID:  args[0],
				Kind:    schema.InteractionCommand,
				Command: args[1],
				Args:    args[2:],
			})
		},
	}
}

func newListenCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Attach as a platform listener and print every prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return sdk.Listen(cmd.Context(), opts.addr, opts.useTLS, func(_ context.Context, p schema.Prompt) {
				line, err := json.Marshal(p)
				if err != nil {
					return
				}
				fmt.Fprintln(out, string(line))
			}, nil)
		},
	}
}

func newPingCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the bridge answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect()
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Ping(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PONG")
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(bytes))
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "moments:", err)
		os.Exit(1)
	}
}
