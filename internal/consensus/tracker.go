package consensus

import (
	"time"

	"github.com/rs/zerolog"

	"anpr-parking/internal/domain/anpr"
	"anpr-parking/internal/utils"
)

// resetSimilarity is the similarity below which a reading is taken to come
// from a different physical vehicle than the recent history.
const resetSimilarity = 0.5

type Config struct {
	Cooldown        time.Duration
	MinFrames       int
	MinVotes        int
	MaxHistory      int
	ResetThreshold  int
	ConfidenceFloor float64
}

func DefaultConfig() Config {
	return Config{
		Cooldown:        60 * time.Second,
		MinFrames:       5,
		MinVotes:        3,
		MaxHistory:      10,
		ResetThreshold:  3,
		ConfidenceFloor: 0.5,
	}
}

type Outcome int

const (
	Discarded Outcome = iota
	CooldownSkipped
	Accumulating
	Confirmed
	DuplicateSuppressed
	NoConsensus
)

func (o Outcome) String() string {
	switch o {
	case Discarded:
		return "discarded"
	case CooldownSkipped:
		return "cooldown_skipped"
	case Accumulating:
		return "accumulating"
	case Confirmed:
		return "confirmed"
	case DuplicateSuppressed:
		return "duplicate_suppressed"
	case NoConsensus:
		return "no_consensus"
	default:
		return "unknown"
	}
}

type SessionState string

const (
	StateEmpty        SessionState = "EMPTY"
	StateAccumulating SessionState = "ACCUMULATING"
	StateEvaluating   SessionState = "EVALUATING"
)

// Observer receives tracker outcomes, typically for metrics.
type Observer interface {
	ReadingObserved(outcome Outcome)
	VehicleChanged(key string)
}

type nopObserver struct{}

func (nopObserver) ReadingObserved(Outcome) {}
func (nopObserver) VehicleChanged(string)   {}

type session struct {
	history         []string
	lastPlate       string
	lastConfirmedAt time.Time
	confirmed       bool
}

// inCooldown gates incoming readings: the window is open at exactly
// cooldown elapsed.
func (s *session) inCooldown(now time.Time, cooldown time.Duration) bool {
	return s.confirmed && now.Sub(s.lastConfirmedAt) < cooldown
}

// blocksRepeat gates emission: a repeat plate is only emitted once strictly
// more than cooldown has elapsed.
func (s *session) blocksRepeat(now time.Time, cooldown time.Duration) bool {
	return s.confirmed && now.Sub(s.lastConfirmedAt) <= cooldown
}

// SessionSnapshot is a copy of one session's state.
type SessionSnapshot struct {
	State           SessionState
	History         []string
	LastPlate       string
	LastConfirmedAt time.Time
}

// Tracker accumulates readings per session key and decides when a plate is
// confirmed. A Tracker belongs to a single camera loop and is not safe for
// concurrent use.
type Tracker struct {
	cfg      Config
	selector Selector
	clock    Clock
	key      KeyFunc
	observer Observer
	log      zerolog.Logger
	sessions map[string]*session
}

type Option func(*Tracker)

func WithClock(c Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

func WithKeyFunc(fn KeyFunc) Option {
	return func(t *Tracker) { t.key = fn }
}

func WithObserver(o Observer) Option {
	return func(t *Tracker) { t.observer = o }
}

func WithLogger(log zerolog.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

func NewTracker(cfg Config, opts ...Option) *Tracker {
	selector := DefaultSelector()
	selector.MinVotes = cfg.MinVotes

	t := &Tracker{
		cfg:      cfg,
		selector: selector,
		clock:    SystemClock(),
		key:      KeyByClass,
		observer: nopObserver{},
		log:      zerolog.Nop(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe feeds one reading into its session. It returns the confirmed
// event when this reading completed a consensus, nil otherwise.
func (t *Tracker) Observe(r anpr.RawReading) (*anpr.ConfirmedPlateEvent, Outcome) {
	event, outcome := t.observe(r)
	t.observer.ReadingObserved(outcome)
	return event, outcome
}

func (t *Tracker) observe(r anpr.RawReading) (*anpr.ConfirmedPlateEvent, Outcome) {
	text := utils.NormalizePlate(r.Text)
	if len(text) < minReadingLength || r.OCRConfidence < t.cfg.ConfidenceFloor {
		t.log.Debug().
			Str("class", string(r.VehicleClass)).
			Str("text", text).
			Float64("confidence", r.OCRConfidence).
			Msg("discarded low quality reading")
		return nil, Discarded
	}

	key := t.key(r)
	s := t.session(key)
	now := t.clock.Now()

	if s.inCooldown(now, t.cfg.Cooldown) && text == s.lastPlate {
		return nil, CooldownSkipped
	}

	if t.vehicleChanged(s, text) {
		t.log.Info().
			Str("session", key).
			Str("text", text).
			Int("dropped", len(s.history)).
			Msg("new vehicle detected, resetting history")
		s.history = s.history[:0]
		t.observer.VehicleChanged(key)
	}

	s.history = append(s.history, text)
	if over := len(s.history) - t.cfg.MaxHistory; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}

	t.log.Debug().
		Str("session", key).
		Str("text", text).
		Float64("confidence", r.OCRConfidence).
		Int("frames", len(s.history)).
		Msg("possible plate")

	if len(s.history) < t.cfg.MinFrames {
		return nil, Accumulating
	}

	decision := t.selector.SelectDetailed(s.history)
	frames := len(s.history)
	s.history = s.history[:0]

	if !decision.Accepted() {
		t.log.Warn().
			Str("session", key).
			Str("best", decision.Best).
			Int("votes", decision.Votes).
			Int("frames", frames).
			Msg("no consensus, resetting history")
		return nil, NoConsensus
	}

	if s.blocksRepeat(now, t.cfg.Cooldown) && decision.Plate == s.lastPlate {
		t.log.Info().
			Str("session", key).
			Str("plate", decision.Plate).
			Dur("remaining", t.cfg.Cooldown-now.Sub(s.lastConfirmedAt)).
			Msg("plate already sent, cooldown active")
		return nil, DuplicateSuppressed
	}

	s.lastPlate = decision.Plate
	s.lastConfirmedAt = now
	s.confirmed = true

	observedAt := r.ObservedAt
	if observedAt.IsZero() {
		observedAt = now
	}

	t.log.Info().
		Str("session", key).
		Str("plate", decision.Plate).
		Str("method", string(decision.Method)).
		Int("votes", decision.Votes).
		Float64("similarity", decision.Similarity).
		Msg("plate confirmed")

	return &anpr.ConfirmedPlateEvent{
		Plate:         decision.Plate,
		VehicleClass:  r.VehicleClass,
		DetectorScore: r.DetectorScore,
		ObservedAt:    observedAt,
	}, Confirmed
}

func (t *Tracker) vehicleChanged(s *session, text string) bool {
	if len(s.history) == 0 {
		return false
	}
	recent := s.history
	if len(recent) > t.cfg.ResetThreshold {
		recent = recent[len(recent)-t.cfg.ResetThreshold:]
	}
	best := 0.0
	for _, prev := range recent {
		if sim := utils.Similarity(text, prev); sim > best {
			best = sim
		}
	}
	return best < resetSimilarity
}

func (t *Tracker) session(key string) *session {
	s, ok := t.sessions[key]
	if !ok {
		s = &session{history: make([]string, 0, t.cfg.MaxHistory)}
		t.sessions[key] = s
	}
	return s
}

func (t *Tracker) State(key string) SessionState {
	s, ok := t.sessions[key]
	if !ok || len(s.history) == 0 {
		return StateEmpty
	}
	if len(s.history) < t.cfg.MinFrames {
		return StateAccumulating
	}
	return StateEvaluating
}

func (t *Tracker) Snapshot(key string) SessionSnapshot {
	s, ok := t.sessions[key]
	if !ok {
		return SessionSnapshot{State: StateEmpty}
	}
	return SessionSnapshot{
		State:           t.State(key),
		History:         append([]string(nil), s.history...),
		LastPlate:       s.lastPlate,
		LastConfirmedAt: s.lastConfirmedAt,
	}
}
