package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"anpr-parking/internal/app"
	"anpr-parking/internal/auth"
	"anpr-parking/internal/broker"
	apihttp "anpr-parking/internal/http"
	"anpr-parking/internal/ingest"
	"anpr-parking/internal/logging"
	"anpr-parking/internal/notify"
)

// Command runs the HTTP API, optionally with the ingestion worker in-process
// so live detections reach SSE clients.
func Command(a *app.App) *cobra.Command {
	var withConsumer bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve tickets, dead letters, live detections and metrics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.Config
			ctx := cmd.Context()
			log := logging.Component(a.Log, "http")

			client, err := a.ConnectBroker(ctx, "server")
			if err != nil {
				return err
			}
			defer client.Disconnect()

			hub := notify.NewHub(logging.Component(a.Log, "notify"))
			republisher := broker.NewEntryPublisher(client, cfg.MQTT.EntryTopic, broker.Identity{}, log)
			svc, err := a.OpenServices(hub, republisher)
			if err != nil {
				return err
			}
			defer svc.Close()

			var consumer *ingest.Consumer
			if withConsumer {
				if consumer, err = a.NewConsumer(svc, client); err != nil {
					return err
				}
			}

			if cfg.Log.Level != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}
			handler := apihttp.NewHandler(svc.Tickets, svc.DeadLetters, hub, a.Registry, log)
			router := apihttp.NewRouter(cfg.HTTP, handler, auth.RequireActor(cfg.Auth.JWTSecret), log)
			srv := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info().Str("addr", cfg.HTTP.Addr).Msg("http server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			if consumer != nil {
				g.Go(func() error { return a.RunConsumer(ctx, consumer, client) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withConsumer, "with-consumer", false, "also run the ingestion worker in this process")
	return cmd
}
