// Package detection runs the per-camera loop: grab a frame, find vehicles and
// their plates, feed the readings to the consensus tracker and publish every
// confirmed entry.
package detection

import (
	"context"
	"errors"
	"time"

	"anpr-parking/internal/domain/anpr"
)

var ErrCaptureFailed = errors.New("frame capture failed")

type Frame struct {
	Data        []byte
	ContentType string
	CapturedAt  time.Time
}

// Detection is one vehicle box found in a frame together with the OCR result
// of its plate region.
type Detection struct {
	ClassID         int     `json:"class_id"`
	Score           float64 `json:"score"`
	TrackID         string  `json:"track_id,omitempty"`
	PlateText       string  `json:"plate_text"`
	PlateConfidence float64 `json:"plate_confidence"`
}

type FrameSource interface {
	// Next returns the next frame, or io.EOF when the source is exhausted.
	Next(ctx context.Context) (Frame, error)
	Close() error
}

type Recognizer interface {
	Recognize(ctx context.Context, frame Frame) ([]Detection, error)
}

type Publisher interface {
	Publish(ctx context.Context, event anpr.ConfirmedPlateEvent) error
}

// COCO class ids of the vehicles we track.
var vehicleClasses = map[int]anpr.VehicleClass{
	2: anpr.ClassCar,
	3: anpr.ClassMotorcycle,
	5: anpr.ClassBus,
	7: anpr.ClassTruck,
}

func VehicleClassFor(classID int) (anpr.VehicleClass, bool) {
	c, ok := vehicleClasses[classID]
	return c, ok
}
