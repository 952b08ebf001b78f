package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"conduit/internal/api"
	"conduit/pkg/logging"
)

// messageCompleteInterval is the per-channel floor between messageComplete
// events reaching subscribers. High-volume channels would otherwise drown
// every dashboard.
const messageCompleteInterval = time.Second

// subscriberBuffer is the per-subscriber event backlog; a subscriber that
// falls further behind loses events, not the producers.
const subscriberBuffer = 64

// Hub fans engine events out to subscribers. Publish never blocks: it is
// called from pipeline goroutines.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan api.Event]struct{}
	closed      bool

	// lastComplete holds one atomic unix-nano timestamp per channel id for
	// the messageComplete throttle.
	lastComplete sync.Map
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan api.Event]struct{})}
}

// Subscribe registers a new event stream. The caller must eventually
// Unsubscribe.
func (h *Hub) Subscribe() chan api.Event {
	ch := make(chan api.Event, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes the stream.
func (h *Hub) Unsubscribe(ch chan api.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(ch)
	}
}

// Publish delivers the event to every subscriber that has room.
// messageComplete events are rate-limited to one per second per channel.
func (h *Hub) Publish(event api.Event) {
	if event.Type == api.EventMessageComplete && !h.admitComplete(event.ChannelID) {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			logging.Debug("Events", "subscriber backlog full, dropping %s for channel %s",
				event.Type, event.ChannelID)
		}
	}
}

// admitComplete applies the throttle with a compare-and-swap on the
// channel's last-emit timestamp; no locks on the publish path.
func (h *Hub) admitComplete(channelID string) bool {
	now := time.Now().UnixNano()
	entry, _ := h.lastComplete.LoadOrStore(channelID, new(int64))
	last := entry.(*int64)
	for {
		prev := atomic.LoadInt64(last)
		if now-prev < int64(messageCompleteInterval) {
			return false
		}
		if atomic.CompareAndSwapInt64(last, prev, now) {
			return true
		}
	}
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		delete(h.subscribers, ch)
		close(ch)
	}
}
