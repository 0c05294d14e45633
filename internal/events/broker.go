package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/matt-primrose/video-ingest-service/pkg/models"
)

const subscriberBuffer = 32

// Broker fans status events out to subscribers of each video
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[string]chan models.StatusEvent
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[string]chan models.StatusEvent)}
}

// Subscribe returns a channel of events for videoID and a function that ends
// the subscription. The function may be called more than once.
func (b *Broker) Subscribe(videoID string) (<-chan models.StatusEvent, func()) {
	id := uuid.New().String()
	ch := make(chan models.StatusEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subs[videoID] == nil {
		b.subs[videoID] = make(map[string]chan models.StatusEvent)
	}
	b.subs[videoID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[videoID], id)
			if len(b.subs[videoID]) == 0 {
				delete(b.subs, videoID)
			}
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber of its video. A subscriber that has
// fallen behind loses its oldest pending event so the newest state always
// arrives.
func (b *Broker) Publish(ev models.StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs[ev.VideoID] {
		select {
		case ch <- ev:
			continue
		default:
		}

		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
		slog.Warn("Dropped status event for slow subscriber",
			"videoId", ev.VideoID,
			"subscriptionId", id,
		)
	}
}

// Subscribers returns the number of live subscriptions for videoID
func (b *Broker) Subscribers(videoID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[videoID])
}
