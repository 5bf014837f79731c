package vision

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"anpr-parking/internal/app"
	"anpr-parking/internal/auth"
	"anpr-parking/internal/broker"
	"anpr-parking/internal/consensus"
	"anpr-parking/internal/detection"
	"anpr-parking/internal/logging"
	"anpr-parking/internal/metrics"
)

// Command runs the detection loop for one camera.
func Command(a *app.App) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "vision",
		Short: "Run the plate recognition loop for one camera",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.Config
			if token == "" {
				token = cfg.Vision.Token
			}
			actor, err := auth.ParseActorToken(token, cfg.Auth.JWTSecret)
			if err != nil {
				return fmt.Errorf("vision needs an operator token with a shift: %w", err)
			}

			log := logging.Component(a.Log, "vision").With().
				Str("camera", cfg.Vision.CameraID).
				Str("actor_id", actor.ID).
				Str("shift_id", actor.ShiftID).
				Logger()

			keyFn, err := consensus.KeyFuncByName(cfg.Consensus.KeyStrategy)
			if err != nil {
				return err
			}
			pm, err := metrics.NewPipelineMetrics(a.Registry, cfg.Vision.CameraID)
			if err != nil {
				return err
			}
			tracker := consensus.NewTracker(cfg.Consensus.TrackerConfig(),
				consensus.WithKeyFunc(keyFn),
				consensus.WithObserver(pm),
				consensus.WithLogger(log),
			)

			ctx := cmd.Context()
			client, err := a.ConnectBroker(ctx, "vision-"+cfg.Vision.CameraID)
			if err != nil {
				return err
			}
			defer client.Disconnect()

			httpClient := &http.Client{Timeout: cfg.Vision.Timeout}
			pipeline := detection.NewPipeline(
				detection.NewSnapshotSource(httpClient, cfg.Vision.SnapshotURL),
				detection.NewHTTPRecognizer(httpClient, cfg.Vision.RecognizerURL, token),
				tracker,
				broker.NewEntryPublisher(client, cfg.MQTT.EntryTopic, broker.Identity{
					ActorID: actor.ID,
					ShiftID: actor.ShiftID,
				}, log),
				log,
				detection.WithMaxFPS(cfg.Vision.MaxFPS),
				detection.WithPipelineMetrics(pm),
			)
			return pipeline.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "operator JWT carrying sub and shift_id (overrides vision.token)")
	return cmd
}
