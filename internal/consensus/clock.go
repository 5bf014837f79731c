package consensus

import "time"

// Clock supplies the tracker's notion of "now". Cooldowns are measured with
// Time.Sub, so readings from time.Now carry a monotonic component and are
// unaffected by wall clock adjustments.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func SystemClock() Clock { return systemClock{} }
