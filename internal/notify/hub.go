package notify

import (
	"sync"

	"github.com/rs/zerolog"

	"anpr-parking/internal/domain/anpr"
)

const subscriberBuffer = 16

// Hub remembers the last detection and fans new ones out to subscribers.
// Slow subscribers miss events rather than blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	last    *anpr.Detection
	subs    map[chan anpr.Detection]struct{}
	log     zerolog.Logger
	dropped int
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[chan anpr.Detection]struct{}),
		log:  log,
	}
}

func (h *Hub) Publish(d anpr.Detection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.last = &d
	for ch := range h.subs {
		select {
		case ch <- d:
		default:
			h.dropped++
			h.log.Warn().Str("plate", d.Plate).Msg("live detection subscriber is full, dropping event")
		}
	}
}

func (h *Hub) Last() (anpr.Detection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return anpr.Detection{}, false
	}
	return *h.last, true
}

// Subscribe registers a listener. The returned cancel func must be called to
// release it; it closes the channel.
func (h *Hub) Subscribe() (<-chan anpr.Detection, func()) {
	ch := make(chan anpr.Detection, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	count := len(h.subs)
	h.mu.Unlock()

	h.log.Debug().Int("subscribers", count).Msg("live detection subscriber connected")

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
