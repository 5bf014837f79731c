package detection

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"anpr-parking/internal/consensus"
	"anpr-parking/internal/domain/anpr"
	"anpr-parking/internal/metrics"
)

// Pipeline is the sequential loop for one camera. It owns its tracker.
type Pipeline struct {
	source     FrameSource
	recognizer Recognizer
	tracker    *consensus.Tracker
	publisher  Publisher
	limiter    *rate.Limiter
	metrics    *metrics.PipelineMetrics
	log        zerolog.Logger
}

type PipelineOption func(*Pipeline)

func WithPipelineMetrics(m *metrics.PipelineMetrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithMaxFPS caps how often frames are pulled from the source. Zero or less
// means unpaced.
func WithMaxFPS(fps float64) PipelineOption {
	return func(p *Pipeline) {
		if fps > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(fps), 1)
		}
	}
}

func NewPipeline(source FrameSource, recognizer Recognizer, tracker *consensus.Tracker, publisher Publisher, log zerolog.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		source:     source,
		recognizer: recognizer,
		tracker:    tracker,
		publisher:  publisher,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		log:        log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes frames until the source is exhausted, ctx is done or capture
// fails. Only a capture failure is returned as an error. The source is
// closed on return.
func (p *Pipeline) Run(ctx context.Context) error {
	defer func() {
		if err := p.source.Close(); err != nil {
			p.log.Warn().Err(err).Msg("failed to close frame source")
		}
	}()

	p.log.Info().Msg("detection loop started")
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			p.log.Info().Msg("detection loop stopped")
			return nil
		}

		frame, err := p.source.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				p.log.Info().Msg("frame source exhausted")
				return nil
			case ctx.Err() != nil:
				p.log.Info().Msg("detection loop stopped")
				return nil
			default:
				p.log.Error().Err(err).Msg("failed to capture frame")
				return fmt.Errorf("%w: %v", ErrCaptureFailed, err)
			}
		}
		if p.metrics != nil {
			p.metrics.Frames.Inc()
		}

		detections, err := p.recognizer.Recognize(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Warn().Err(err).Msg("recognition failed, skipping frame")
			continue
		}

		for _, d := range detections {
			p.handle(ctx, frame, d)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, frame Frame, d Detection) {
	class, ok := VehicleClassFor(d.ClassID)
	if !ok || d.PlateText == "" {
		return
	}

	event, _ := p.tracker.Observe(anpr.RawReading{
		VehicleClass:  class,
		TrackID:       d.TrackID,
		Text:          d.PlateText,
		OCRConfidence: d.PlateConfidence,
		DetectorScore: d.Score,
		ObservedAt:    frame.CapturedAt,
	})
	if event == nil {
		return
	}

	// Publishing blocks the loop until the channel accepts the event.
	if err := p.publisher.Publish(ctx, *event); err != nil {
		if p.metrics != nil {
			p.metrics.PublishErrors.Inc()
		}
		p.log.Error().
			Err(err).
			Str("plate", event.Plate).
			Str("vehicle_class", string(event.VehicleClass)).
			Msg("failed to publish confirmed entry")
		return
	}
	if p.metrics != nil {
		p.metrics.Published.Inc()
	}
}
