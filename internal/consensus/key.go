package consensus

import (
	"fmt"

	"anpr-parking/internal/domain/anpr"
)

// KeyFunc picks the session a reading belongs to.
type KeyFunc func(r anpr.RawReading) string

// KeyByClass shares one session between all vehicles of the same class.
func KeyByClass(r anpr.RawReading) string {
	return string(r.VehicleClass)
}

// KeyByTrack keys sessions by the object tracker's id and falls back to the
// class when the detector did not assign one.
func KeyByTrack(r anpr.RawReading) string {
	if r.TrackID == "" {
		return KeyByClass(r)
	}
	return string(r.VehicleClass) + "#" + r.TrackID
}

func KeyFuncByName(name string) (KeyFunc, error) {
	switch name {
	case "", "class":
		return KeyByClass, nil
	case "track":
		return KeyByTrack, nil
	default:
		return nil, fmt.Errorf("unknown session key strategy %q", name)
	}
}
