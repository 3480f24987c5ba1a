package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/go-collab/pkg/collab"
	"github.com/a-essam23/go-collab/pkg/config"
	"github.com/a-essam23/go-collab/pkg/ot"
	"github.com/a-essam23/go-collab/pkg/presence"
	"github.com/a-essam23/go-collab/pkg/protocol"
	"github.com/a-essam23/go-collab/pkg/transport"
	"github.com/spf13/cobra"
)

func tailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Subscribe to a channel and print every envelope received",
		Long: `Connects to a relay as a client, subscribes to the given channel
(and resource, if any) and prints each inbound envelope as one JSON line.
Connection state changes are logged to stderr.`,
		RunE: runTail,
	}
	cmd.Flags().String("url", "", "WebSocket URL, overrides client.url")
	cmd.Flags().String("token", "", "Bearer token, overrides client.token")
	cmd.Flags().String("channel", "", "Channel to subscribe to")
	cmd.Flags().String("resource", "", "Resource id within the channel")
	cmd.Flags().String("status", presence.StatusOnline, "Presence status to announce; empty to stay silent")
	cmd.Flags().Bool("document", false, "Track the resource as a shared document and log each change")
	cmd.MarkFlagRequired("channel")
	return cmd
}

func runTail(cmd *cobra.Command, args []string) error {
	logger, cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}
	if url, _ := cmd.Flags().GetString("url"); url != "" {
		cfg.Client.URL = url
	}
	if token, _ := cmd.Flags().GetString("token"); token != "" {
		cfg.Client.Token = token
	}
	if cfg.Client.Token == "" {
		return errors.New("a token is required (--token or GOCOLLAB_CLIENT_TOKEN)")
	}
	channel, _ := cmd.Flags().GetString("channel")
	resource, _ := cmd.Flags().GetString("resource")
	status, _ := cmd.Flags().GetString("status")
	document, _ := cmd.Flags().GetBool("document")
	if document && resource == "" {
		return errors.New("--document needs --resource")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := collab.NewClient(ctx, collab.NewStaticTokens(cfg.Client.Token), clientSettings(cfg), logger)
	defer client.Close()

	client.OnStateChange(func(s collab.State) {
		logger.Info("Connection state", slog.String("state", string(s)))
		if s == collab.StateFailed {
			stop()
		}
	})
	client.On(protocol.TypeAll, func(env protocol.Envelope) {
		raw, err := env.Encode()
		if err != nil {
			return
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(raw))
	})

	if document {
		session, err := client.OpenSession(ctx, clientEngine(cfg), collab.SessionConfig{
			ResourceType: channel,
			ResourceID:   resource,
			ObjectType:   channel,
			ObjectID:     resource,
		})
		if err != nil {
			return fmt.Errorf("could not open %s: %w", protocol.RoomKey(channel, resource), err)
		}
		defer session.Close()
		session.OnChange(func(c collab.Change) {
			logger.Info("Document changed",
				slog.String("operationID", c.Operation.ID),
				slog.String("userID", c.Operation.UserID),
				slog.Int("version", session.Version()),
				slog.Int("conflicts", len(c.Conflicts)),
				slog.Any("state", c.State))
		})
	} else if !client.Subscribe(ctx, channel, resource) {
		return fmt.Errorf("could not subscribe to %s", protocol.RoomKey(channel, resource))
	}
	if status != "" {
		client.UpdatePresence(ctx, status, map[string]any{"channel": channel})
	}

	<-ctx.Done()
	if client.State() == collab.StateFailed {
		return collab.ErrReconnectExhausted
	}
	return nil
}

func clientEngine(cfg *config.Config) *ot.Engine {
	return ot.NewEngine(ot.WithConflictWindow(cfg.Client.ConflictWindow))
}

func clientSettings(cfg *config.Config) *collab.Settings {
	c := cfg.Client
	s := collab.DefaultSettings(c.URL)
	s.HeartbeatInterval = c.HeartbeatInterval
	s.RefreshLead = c.RefreshLead
	s.BaseDelay = c.ReconnectBaseDelay
	s.MaxDelay = c.ReconnectMaxDelay
	s.Jitter = c.ReconnectJitter
	s.MaxReconnectAttempts = c.MaxReconnectAttempts
	s.RequestTimeout = c.RequestTimeout
	s.Transport = transport.ConnectionConfig(cfg.Transport)
	return s
}
