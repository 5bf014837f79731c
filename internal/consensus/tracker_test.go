package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anpr-parking/internal/domain/anpr"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type countingObserver struct {
	outcomes map[Outcome]int
	changes  int
}

func (o *countingObserver) ReadingObserved(outcome Outcome) {
	if o.outcomes == nil {
		o.outcomes = make(map[Outcome]int)
	}
	o.outcomes[outcome]++
}

func (o *countingObserver) VehicleChanged(string) { o.changes++ }

func reading(class anpr.VehicleClass, text string) anpr.RawReading {
	return anpr.RawReading{
		VehicleClass:  class,
		Text:          text,
		OCRConfidence: 0.9,
		DetectorScore: 0.8,
	}
}

func feed(t *testing.T, tr *Tracker, class anpr.VehicleClass, texts ...string) []anpr.ConfirmedPlateEvent {
	t.Helper()
	var events []anpr.ConfirmedPlateEvent
	for _, text := range texts {
		if ev, _ := tr.Observe(reading(class, text)); ev != nil {
			events = append(events, *ev)
		}
	}
	return events
}

func TestTrackerConfirmsOnceAndSuppressesRepeatStream(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := NewTracker(DefaultConfig(), WithClock(clock))
	stream := []string{"ABC1Z3", "ABC123", "A8C123", "ABC123", "ABC123"}

	events := feed(t, tr, anpr.ClassCar, stream...)
	require.Len(t, events, 1)
	assert.Equal(t, "ABC123", events[0].Plate)
	assert.Equal(t, anpr.ClassCar, events[0].VehicleClass)
	assert.Equal(t, clock.now, events[0].ObservedAt)
	assert.Equal(t, StateEmpty, tr.State("car"))

	clock.Advance(10 * time.Second)
	assert.Empty(t, feed(t, tr, anpr.ClassCar, stream...))
}

func TestTrackerAccumulatesUntilMinFrames(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultConfig(), WithClock(newFakeClock()))
	for i := 0; i < 4; i++ {
		ev, outcome := tr.Observe(reading(anpr.ClassCar, "ABC123"))
		assert.Nil(t, ev)
		assert.Equal(t, Accumulating, outcome)
		assert.Equal(t, StateAccumulating, tr.State("car"))
	}
	ev, outcome := tr.Observe(reading(anpr.ClassCar, "ABC123"))
	require.NotNil(t, ev)
	assert.Equal(t, Confirmed, outcome)
}

func TestTrackerDiscardsLowQualityReadings(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultConfig(), WithClock(newFakeClock()))

	low := reading(anpr.ClassCar, "ABC123")
	low.OCRConfidence = 0.49
	_, outcome := tr.Observe(low)
	assert.Equal(t, Discarded, outcome)

	_, outcome = tr.Observe(reading(anpr.ClassCar, "AB-12"))
	assert.Equal(t, Discarded, outcome)

	assert.Equal(t, StateEmpty, tr.State("car"))
	assert.Empty(t, tr.Snapshot("car").History)
}

func TestTrackerCooldownSuppression(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := NewTracker(DefaultConfig(), WithClock(clock))
	require.Len(t, feed(t, tr, anpr.ClassCar, "ABC123", "ABC123", "ABC123", "ABC123", "ABC123"), 1)

	clock.Advance(59 * time.Second)
	for i := 0; i < 5; i++ {
		ev, outcome := tr.Observe(reading(anpr.ClassCar, "ABC123"))
		assert.Nil(t, ev)
		assert.Equal(t, CooldownSkipped, outcome)
	}
	assert.Equal(t, StateEmpty, tr.State("car"))

	clock.Advance(2 * time.Second)
	events := feed(t, tr, anpr.ClassCar, "ABC123", "ABC123", "ABC123", "ABC123", "ABC123")
	require.Len(t, events, 1)
	assert.Equal(t, "ABC123", events[0].Plate)
}

func TestTrackerDifferentPlateDuringCooldownIsEmitted(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := NewTracker(DefaultConfig(), WithClock(clock))
	require.Len(t, feed(t, tr, anpr.ClassCar, "ABC123", "ABC123", "ABC123", "ABC123", "ABC123"), 1)

	clock.Advance(5 * time.Second)
	events := feed(t, tr, anpr.ClassCar, "XYZ987", "XYZ987", "XYZ987", "XYZ987", "XYZ987")
	require.Len(t, events, 1)
	assert.Equal(t, "XYZ987", events[0].Plate)
}

func TestTrackerVehicleChangeResetsHistory(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	tr := NewTracker(DefaultConfig(), WithClock(newFakeClock()), WithObserver(obs))

	assert.Empty(t, feed(t, tr, anpr.ClassCar, "ABC123", "ABC123", "ABC123"))
	assert.Equal(t, []string{"ABC123", "ABC123", "ABC123"}, tr.Snapshot("car").History)

	assert.Empty(t, feed(t, tr, anpr.ClassCar, "XYZ987"))
	assert.Equal(t, []string{"XYZ987"}, tr.Snapshot("car").History)
	assert.Equal(t, 1, obs.changes)

	events := feed(t, tr, anpr.ClassCar, "XYZ987", "XYZ987", "XYZ987", "XYZ987")
	require.Len(t, events, 1)
	assert.Equal(t, "XYZ987", events[0].Plate)
}

func TestTrackerNoConsensusClearsHistory(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	tr := NewTracker(DefaultConfig(), WithClock(newFakeClock()), WithObserver(obs))

	events := feed(t, tr, anpr.ClassCar, "ABC123", "ABD124", "ABE125", "ABF126", "ABG127")
	assert.Empty(t, events)
	assert.Equal(t, StateEmpty, tr.State("car"))
	assert.Equal(t, 1, obs.outcomes[NoConsensus])
	assert.Equal(t, 4, obs.outcomes[Accumulating])
	assert.Zero(t, obs.changes)
}

func TestTrackerDuplicateConsensusWithinCooldown(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := NewTracker(DefaultConfig(), WithClock(clock))

	// Evidence gathered before a confirmation landed for the same plate.
	s := tr.session("car")
	s.history = append(s.history, "ABC123", "ABC123", "ABC123", "ABC123")
	s.lastPlate = "ABC123"
	s.lastConfirmedAt = clock.Now()
	s.confirmed = true

	ev, outcome := tr.Observe(reading(anpr.ClassCar, "ABC12X"))
	assert.Nil(t, ev)
	assert.Equal(t, DuplicateSuppressed, outcome)
	assert.Equal(t, StateEmpty, tr.State("car"))
}

func TestTrackerCooldownBoundary(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := NewTracker(DefaultConfig(), WithClock(clock))

	s := tr.session("car")
	s.history = append(s.history, "ABC123", "ABC123", "ABC123", "ABC123")
	s.lastPlate = "ABC123"
	s.lastConfirmedAt = clock.Now()
	s.confirmed = true

	// At exactly the cooldown the reading is accepted but the repeat is
	// still not emitted.
	clock.Advance(DefaultConfig().Cooldown)
	ev, outcome := tr.Observe(reading(anpr.ClassCar, "ABC123"))
	assert.Nil(t, ev)
	assert.Equal(t, DuplicateSuppressed, outcome)

	clock.Advance(time.Nanosecond)
	events := feed(t, tr, anpr.ClassCar, "ABC123", "ABC123", "ABC123", "ABC123", "ABC123")
	require.Len(t, events, 1)
	assert.Equal(t, "ABC123", events[0].Plate)
}

func TestTrackerCapsHistory(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MinFrames = 50
	tr := NewTracker(cfg, WithClock(newFakeClock()))

	texts := []string{"ABC120", "ABC121", "ABC122", "ABC123", "ABC124", "ABC125", "ABC126", "ABC127", "ABC128", "ABC129", "ABC130", "ABC131"}
	feed(t, tr, anpr.ClassCar, texts...)

	snap := tr.Snapshot("car")
	assert.Len(t, snap.History, cfg.MaxHistory)
	assert.Equal(t, texts[2:], snap.History)
}

func TestTrackerClassesAreIndependent(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultConfig(), WithClock(newFakeClock()))
	feed(t, tr, anpr.ClassCar, "ABC123", "ABC123")
	feed(t, tr, anpr.ClassTruck, "XYZ987")

	assert.Equal(t, []string{"ABC123", "ABC123"}, tr.Snapshot("car").History)
	assert.Equal(t, []string{"XYZ987"}, tr.Snapshot("truck").History)
}

func TestTrackerKeyByTrackSeparatesSameClass(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultConfig(), WithClock(newFakeClock()), WithKeyFunc(KeyByTrack))

	first := reading(anpr.ClassCar, "ABC123")
	first.TrackID = "17"
	second := reading(anpr.ClassCar, "XYZ987")
	second.TrackID = "18"

	for i := 0; i < 3; i++ {
		tr.Observe(first)
		tr.Observe(second)
	}

	assert.Len(t, tr.Snapshot("car#17").History, 3)
	assert.Len(t, tr.Snapshot("car#18").History, 3)
	assert.Equal(t, StateEmpty, tr.State("car"))

	untracked := reading(anpr.ClassCar, "JKL555")
	tr.Observe(untracked)
	assert.Equal(t, []string{"JKL555"}, tr.Snapshot("car").History)
}

func TestKeyFuncByName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "class", "track"} {
		fn, err := KeyFuncByName(name)
		require.NoError(t, err)
		assert.NotNil(t, fn)
	}
	_, err := KeyFuncByName("plate")
	assert.Error(t, err)
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "confirmed", Confirmed.String())
	assert.Equal(t, "no_consensus", NoConsensus.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
