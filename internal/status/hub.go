package status

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/matt-primrose/video-ingest-service/pkg/models"
)

// Handle identifies one subscription
type Handle struct {
	id      string
	videoID string
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	// mu is held while an event is checked and delivered
	mu         sync.Mutex
	stopped    atomic.Bool
	inCallback atomic.Bool
}

// ID returns the subscription id
func (h *Handle) ID() string { return h.id }

// VideoID returns the video the subscription follows
func (h *Handle) VideoID() string { return h.videoID }

// Done is closed once the subscription has ended and will deliver no more events
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the Channel error that ended the subscription, or nil if it was
// unsubscribed. It is only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Hub runs one watch per subscription. Each subscription uses the default
// source unless it asks for another mode.
type Hub struct {
	source  Source
	sources map[string]Source

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewHub creates a hub that watches through source by default. Additional
// sources can be selected per subscription with WithMode.
func NewHub(source Source, others ...Source) *Hub {
	h := &Hub{
		source:  source,
		sources: map[string]Source{source.Mode(): source},
		handles: make(map[string]*Handle),
	}
	for _, src := range others {
		h.sources[src.Mode()] = src
	}
	return h
}

type subscribeOptions struct {
	mode string
}

// SubscribeOption configures one subscription
type SubscribeOption func(*subscribeOptions)

// WithMode selects the source registered for mode
func WithMode(mode string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.mode = mode
	}
}

// Subscribe calls onEvent for every status event of videoID until the
// subscription is ended. Events for one subscription are delivered in order
// from a single goroutine.
func (h *Hub) Subscribe(videoID string, onEvent func(models.StatusEvent), opts ...SubscribeOption) *Handle {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	source := h.source
	if o.mode != "" {
		if src, ok := h.sources[o.mode]; ok {
			source = src
		} else {
			slog.Warn("Unknown status mode, using default", "mode", o.mode, "default", h.source.Mode())
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &Handle{
		id:      uuid.New().String(),
		videoID: videoID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	h.handles[handle.id] = handle
	h.mu.Unlock()

	slog.Debug("Subscribed to status", "videoId", videoID, "subscriptionId", handle.id, "mode", source.Mode())

	go func() {
		defer close(handle.done)
		defer h.remove(handle)

		err := source.Watch(ctx, videoID, func(ev models.StatusEvent) {
			handle.deliver(ev, onEvent)
		})
		if err != nil && ctx.Err() == nil {
			slog.Error("Status subscription ended",
				"videoId", videoID,
				"subscriptionId", handle.id,
				"error", err,
			)
			handle.err = err
		}
		cancel()
	}()
	return handle
}

// Unsubscribe ends the subscription. No event is delivered once it returns,
// unless the callback was already running when it was called. It is safe to
// call more than once and from inside the event callback.
func (h *Hub) Unsubscribe(handle *Handle) {
	if handle == nil {
		return
	}
	handle.stop()
	handle.cancel()
	h.remove(handle)
}

// Subscriptions returns the number of live subscriptions
func (h *Hub) Subscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handles)
}

// Close ends every subscription and waits for them to finish
func (h *Hub) Close() {
	h.mu.Lock()
	handles := make([]*Handle, 0, len(h.handles))
	for _, handle := range h.handles {
		handles = append(handles, handle)
	}
	h.mu.Unlock()

	for _, handle := range handles {
		h.Unsubscribe(handle)
		<-handle.done
	}
}

func (h *Hub) remove(handle *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handles, handle.id)
}

func (h *Handle) deliver(ev models.StatusEvent, onEvent func(models.StatusEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped.Load() {
		return
	}
	h.inCallback.Store(true)
	defer h.inCallback.Store(false)
	onEvent(ev)
}

// stop prevents further deliveries. While the callback is running it only
// marks the handle, so it is safe to call from inside the callback.
func (h *Handle) stop() {
	if h.inCallback.Load() {
		h.stopped.Store(true)
		return
	}
	h.mu.Lock()
	h.stopped.Store(true)
	h.mu.Unlock()
}
