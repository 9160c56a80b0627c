package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/WebDev-Guy/parley/internal/logutil"
	"github.com/WebDev-Guy/parley/protocol"
	"github.com/WebDev-Guy/parley/transport/ws"
)

// newServeCmd accepts websocket peers and answers echo/calc requests. Each
// accepted connection gets its own engine; the peer initiates the handshake.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept websocket peers and answer their requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			bind := strings.TrimSpace(flagOrViperString(cmd, "bind", "server.bind"))
			if bind == "" {
				bind = "127.0.0.1"
			}
			port := flagOrViperInt(cmd, "port", "server.port")
			if port <= 0 {
				port = 8789
			}
			origin := strings.TrimSpace(flagOrViperString(cmd, "origin", "engine.origin"))
			if origin == "" {
				origin = "parley-server"
			}
			linkID := flagOrViperString(cmd, "link-id", "server.link_id")
			peerOrigin := flagOrViperString(cmd, "peer-origin", "server.peer_origin")

			opts, err := engineOptionsFromViper(origin, logger)
			if err != nil {
				return err
			}

			var mu sync.Mutex
			var engines []*protocol.Engine

			srv := ws.NewServer(func(conn *ws.Conn) {
				e, err := protocol.New(conn, opts)
				if err != nil {
					logger.Warn("engine setup failed", "err", err)
					_ = conn.Close()
					return
				}
				if err := e.Register(linkID, peerOrigin); err != nil {
					logger.Warn("register failed", "link_id", linkID, "err", err)
					e.Shutdown()
					return
				}
				registerDemoHandlers(e)
				e.OnStateChange(func(ev protocol.StateChange) {
					logger.Info("state change", "target_id", ev.TargetID, "from", string(ev.Previous), "to", string(ev.New), "reason", ev.Reason)
				})
				mu.Lock()
				engines = append(engines, e)
				mu.Unlock()
			}, ws.ServerOptions{
				AllowedOrigins: viper.GetStringSlice("engine.allowed_origins"),
				Logger:         logger,
			})

			mux := http.NewServeMux()
			mux.Handle("/ws", srv)

			addr := fmt.Sprintf("%s:%d", bind, port)
			httpSrv := &http.Server{Addr: addr, Handler: mux}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				<-ctx.Done()
				mu.Lock()
				for _, e := range engines {
					e.Shutdown()
				}
				mu.Unlock()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				_ = httpSrv.Shutdown(shutdownCtx)
			}()

			logger.Info("listening", "addr", addr, "path", "/ws", "origin", origin)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().String("bind", "", "Bind address (default 127.0.0.1).")
	cmd.Flags().Int("port", 0, "Listen port (default 8789).")
	cmd.Flags().String("origin", "", "Origin asserted on outbound envelopes.")
	cmd.Flags().String("link-id", "", "Logical connection id shared with the peer.")
	cmd.Flags().String("peer-origin", "", "Expected origin of the dialing peer.")
	return cmd
}

// registerDemoHandlers installs the handlers both serve and demo peers
// answer with.
func registerDemoHandlers(e *protocol.Engine) {
	_ = e.Handle("echo", func(_ context.Context, _ string, payload json.RawMessage) (any, error) {
		var in map[string]any
		if payload != nil {
			if err := json.Unmarshal(payload, &in); err != nil {
				return nil, err
			}
		}
		return in, nil
	})
	_ = e.Handle("calc", func(_ context.Context, _ string, payload json.RawMessage) (any, error) {
		var in struct {
			X, Y float64
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		return map[string]any{"result": in.X + in.Y}, nil
	})
}
