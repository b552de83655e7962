package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-yomiage/internal/bus"
	"github.com/loqalabs/loqa-yomiage/internal/config"
	"github.com/loqalabs/loqa-yomiage/internal/protocol"
)

// requester is the slice of the bus client the commands need.
type requester interface {
	RequestJSON(ctx context.Context, subject string, req, resp any) error
	Close()
}

type dialFunc func(ctx context.Context, servers []string, timeout time.Duration) (requester, error)

type options struct {
	servers []string
	guild   string
	user    string
	timeout time.Duration
	dial    dialFunc
}

func dialBus(ctx context.Context, servers []string, timeout time.Duration) (requester, error) {
	cfg := config.BusConfig{Servers: servers, ConnectTimeout: int(timeout / time.Millisecond)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := bus.Connect(ctx, "yomiagectl", cfg, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newRootCommand(dial dialFunc) *cobra.Command {
	o := &options{dial: dial}

	cmd := &cobra.Command{
		Use:           "yomiagectl",
		Short:         "Control the yomiage read-aloud service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringSliceVar(&o.servers, "servers", []string{"nats://127.0.0.1:4222"}, "NATS server URLs")
	flags.StringVarP(&o.guild, "guild", "g", "", "Guild ID the command applies to")
	flags.StringVar(&o.user, "user", "", "User ID recorded as the invoker")
	flags.DurationVar(&o.timeout, "timeout", 5*time.Second, "Request timeout")

	cmd.AddCommand(
		newJoinCommand(o),
		newLeaveCommand(o),
		newAutoJoinCommand(o),
		newSetCommand(o),
		newWordsCommand(o),
		newStatusCommand(o),
		newVersionCommand(),
	)
	return cmd
}

// send delivers c to the guild's command subject and prints the reply.
func (o *options) send(cmd *cobra.Command, c protocol.Command) error {
	if strings.TrimSpace(o.guild) == "" {
		return errors.New("--guild is required")
	}
	c.GuildID = o.guild
	c.UserID = o.user

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	client, err := o.dial(ctx, o.servers, o.timeout)
	if err != nil {
		return err
	}
	defer client.Close()

	var reply protocol.CommandReply
	if err := client.RequestJSON(ctx, protocol.GuildSubject(o.guild, protocol.KindCommand), c, &reply); err != nil {
		return fmt.Errorf("%s: %w", c.Name, err)
	}
	if !reply.OK {
		msg := reply.Message
		if msg == "" {
			msg = reply.Error
		}
		return fmt.Errorf("%s failed: %s", c.Name, msg)
	}
	if reply.Message != "" {
		fmt.Fprintln(cmd.OutOrStdout(), reply.Message)
	}
	return nil
}
