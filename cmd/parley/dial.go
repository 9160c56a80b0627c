package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/WebDev-Guy/parley/internal/logutil"
	"github.com/WebDev-Guy/parley/internal/retryutil"
	"github.com/WebDev-Guy/parley/protocol"
	"github.com/WebDev-Guy/parley/transport/ws"
)

// newDialCmd connects to a websocket peer, optionally fires one request, and
// in watch mode stays connected until interrupted, redialing after a lost
// connection.
func newDialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Connect to a websocket peer and exchange messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			url := strings.TrimSpace(flagOrViperString(cmd, "url", "dial.url"))
			if url == "" {
				return fmt.Errorf("missing dial url (set via --url or %s_DIAL_URL)", envPrefix)
			}
			origin := strings.TrimSpace(flagOrViperString(cmd, "origin", "engine.origin"))
			if origin == "" {
				origin = "parley-client"
			}
			linkID := flagOrViperString(cmd, "link-id", "dial.link_id")
			peerOrigin := flagOrViperString(cmd, "peer-origin", "dial.peer_origin")
			msgType, _ := cmd.Flags().GetString("type")
			payloadArg, _ := cmd.Flags().GetString("payload")
			watch, _ := cmd.Flags().GetBool("watch")

			opts, err := engineOptionsFromViper(origin, logger)
			if err != nil {
				return err
			}

			session := func(ctx context.Context) error {
				conn, err := ws.Dial(ctx, url, nil, logger)
				if err != nil {
					return err
				}
				e, err := protocol.New(conn, opts)
				if err != nil {
					_ = conn.Close()
					return err
				}
				if err := e.Register(linkID, peerOrigin); err != nil {
					e.Shutdown()
					return err
				}
				if err := e.Connect(ctx, linkID); err != nil {
					e.Shutdown()
					return fmt.Errorf("connect %q: %w", linkID, err)
				}
				logger.Info("connected", "url", url, "link_id", linkID)

				if msgType != "" {
					var payload any
					if strings.TrimSpace(payloadArg) != "" {
						if err := json.Unmarshal([]byte(payloadArg), &payload); err != nil {
							e.Shutdown()
							return fmt.Errorf("payload must be valid json: %w", err)
						}
					}
					out, err := e.Request(ctx, linkID, msgType, payload, protocol.RequestOptions{})
					if err != nil {
						e.Shutdown()
						return fmt.Errorf("request %q: %w", msgType, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\n", out)
				}

				if !watch {
					disconnectCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
					defer cancel()
					if err := e.Disconnect(disconnectCtx, linkID); err != nil {
						logger.Warn("disconnect failed", "link_id", linkID, "err", err)
					}
					e.Shutdown()
					return nil
				}

				lost := make(chan protocol.ConnectionLost, 1)
				e.OnConnectionLost(func(ev protocol.ConnectionLost) {
					select {
					case lost <- ev:
					default:
					}
				})
				printConnections(cmd, "Connections", e, linkID)

				select {
				case <-ctx.Done():
					disconnectCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
					defer cancel()
					_ = e.Disconnect(disconnectCtx, linkID)
					e.Shutdown()
					return nil
				case ev := <-lost:
					e.Shutdown()
					return fmt.Errorf("connection lost: %s", ev.Reason)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = session(ctx)
			if err != nil && watch && ctx.Err() == nil {
				// One deferred redial after an unexpected drop.
				logger.Warn("session ended", "err", err)
				done := make(chan error, 1)
				retryutil.AsyncRetry(logger, "dial",
					viper.GetDuration("dial.redial_delay"),
					viper.GetDuration("dial.redial_timeout"),
					func(retryCtx context.Context) error {
						err := session(retryCtx)
						done <- err
						return err
					})
				select {
				case err = <-done:
				case <-ctx.Done():
					err = nil
				}
			}
			return err
		},
	}

	cmd.Flags().String("url", "", "Websocket URL of the peer (default ws://127.0.0.1:8789/ws).")
	cmd.Flags().String("origin", "", "Origin asserted on outbound envelopes.")
	cmd.Flags().String("link-id", "", "Logical connection id shared with the peer.")
	cmd.Flags().String("peer-origin", "", "Expected origin of the serving peer.")
	cmd.Flags().String("type", "", "Message type to request once connected (e.g. calc).")
	cmd.Flags().String("payload", "", "JSON payload for --type.")
	cmd.Flags().Bool("watch", false, "Stay connected and report state until interrupted.")
	return cmd
}
