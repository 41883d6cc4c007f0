package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/api"
)

var runInterval time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep the stores in sync and drain the image queue until stopped",
	Long: `Restore the session, open the workspace of the signed-in user (or the guest
workspace) and keep it running: pro accounts push local writes and receive
remote changes in real time, and queued photos are uploaded in the background.

Every --interval the outboxes are flushed and the image queue is drained
again, so entries waiting on a retry get another chance.

Prometheus metrics are served on metrics.addr (CROCHET_METRICS_ADDR) and the
local JSON API on api.addr (CROCHET_API_ADDR) when set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, ws, closeApp, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp()

		slog.Info("crochetsync running", "user", ws.UserID, "tier", string(ws.Tier), "uploads", ws.Uploads)

		g, ctx := errgroup.WithContext(ctx)

		if cfg.Metrics.Addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			serve(ctx, g, "metrics", cfg.Metrics.Addr, mux)
		}
		if cfg.API.Addr != "" {
			serve(ctx, g, "api", cfg.API.Addr, api.NewRouter(a, slog.Default().With("component", "api")))
		}

		g.Go(func() error {
			ticker := time.NewTicker(runInterval)
			defer ticker.Stop()
			for {
				a.Queue().ProcessQueue(ctx)
				if cur := a.Workspace(); cur != nil {
					for name, sync := range map[string]func(context.Context) error{
						"projects":  cur.Stores.Projects.Sync,
						"inventory": cur.Stores.Inventory.Sync,
					} {
						if err := sync(ctx); err != nil && ctx.Err() == nil {
							slog.Warn("sync failed, will retry", "collection", name, "error", err)
						}
					}
				}

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})

		if err := g.Wait(); err != nil {
			return err
		}
		slog.Info("shutdown signal received, stopping")
		return nil
	},
}

// serve runs an HTTP server in g until ctx is done.
func serve(ctx context.Context, g *errgroup.Group, name, addr string, handler http.Handler) {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		slog.Info(name+" server started", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}

func init() {
	runCmd.Flags().DurationVar(&runInterval, "interval", time.Minute, "how often to flush outboxes and retry the image queue")
	rootCmd.AddCommand(runCmd)
}
