package consumer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"anpr-parking/internal/app"
)

// Command runs the ingestion worker on its own.
func Command(a *app.App) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "consumer",
		Short: "Turn entry messages into parking tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			client, err := a.ConnectBroker(ctx, "consumer")
			if err != nil {
				return err
			}
			defer client.Disconnect()

			svc, err := a.OpenServices(nil, nil)
			if err != nil {
				return err
			}
			defer svc.Close()

			consumer, err := a.NewConsumer(svc, client)
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.RunConsumer(ctx, consumer, client) })
			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}
