package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/WebDev-Guy/parley/internal/clifmt"
	"github.com/WebDev-Guy/parley/internal/logutil"
	"github.com/WebDev-Guy/parley/protocol"
)

// newDemoCmd runs a full lifecycle between two in-process engines: connect,
// a calc request, graceful disconnect.
func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a host/child lifecycle demo over an in-process transport pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			hostTr, childTr := protocol.NewPair()
			hostOpts, err := engineOptionsFromViper("host.demo", logger)
			if err != nil {
				return err
			}
			childOpts, err := engineOptionsFromViper("child.demo", logger)
			if err != nil {
				return err
			}

			host, err := protocol.New(hostTr, hostOpts)
			if err != nil {
				return err
			}
			defer host.Shutdown()
			child, err := protocol.New(childTr, childOpts)
			if err != nil {
				return err
			}
			defer child.Shutdown()

			const link = "link-demo"
			if err := host.Register(link, "child.demo"); err != nil {
				return err
			}
			if err := child.Register(link, "host.demo"); err != nil {
				return err
			}

			host.OnStateChange(func(ev protocol.StateChange) {
				logger.Info("state change", "target_id", ev.TargetID, "from", string(ev.Previous), "to", string(ev.New), "reason", ev.Reason)
			})

			if err := child.Handle("calc", func(_ context.Context, _ string, payload json.RawMessage) (any, error) {
				var in struct {
					X, Y float64
				}
				if err := json.Unmarshal(payload, &in); err != nil {
					return nil, err
				}
				return map[string]any{"result": in.X + in.Y}, nil
			}); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if err := host.Connect(ctx, link); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			out, err := host.Request(ctx, link, "calc", map[string]any{"x": 5, "y": 3}, protocol.RequestOptions{})
			if err != nil {
				return fmt.Errorf("request: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "calc reply: %s\n", out)

			if err := host.Disconnect(ctx, link); err != nil {
				return fmt.Errorf("disconnect: %w", err)
			}

			printConnections(cmd, "Host connections", host, link)
			return nil
		},
	}
}

func printConnections(cmd *cobra.Command, title string, e *protocol.Engine, targetIDs ...string) {
	rows := make([]clifmt.NameDetailRow, 0, len(targetIDs))
	for _, id := range targetIDs {
		rec, ok := e.Connection(id)
		if !ok {
			continue
		}
		detail := fmt.Sprintf("origin=%s state=%s missed=%d", rec.Origin, rec.State, rec.MissedHeartbeats)
		if !rec.ConnectedAt.IsZero() {
			detail += " connected_at=" + rec.ConnectedAt.Format(time.RFC3339)
		}
		rows = append(rows, clifmt.NameDetailRow{Name: rec.TargetID, Detail: detail})
	}
	clifmt.PrintNameDetailTable(cmd.OutOrStdout(), clifmt.NameDetailTableOptions{
		Title:        title,
		Rows:         rows,
		NameHeader:   "TARGET",
		DetailHeader: "DETAILS",
	})
}
