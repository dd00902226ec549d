// Package msghub relays recent task activity to monitor listeners.
package msghub

import (
	"container/ring"
	"context"
	"time"
)

// Length of msghub operation queue
const opChanLen = 100

// Activity describes one finished task.
type Activity struct {
	ID       string        `json:"id"`
	Kind     string        `json:"kind"`
	Priority int           `json:"priority"`
	Detail   string        `json:"detail,omitempty"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Listener receives the contents of the history buffer, followed by new activity.
type Listener interface {
	Receive(a Activity) error
}

// Hub relays activity on to its listeners.
type Hub struct {
	// history buffer, points next Activity to write.  Proceeding non-nil entry is oldest Activity
	history   *ring.Ring
	listeners map[Listener]struct{} // listeners interested in new activity
	opChan    chan func(h *Hub)     // operations queued for this actor
}

// New constructs a new Hub which will cache historyLen activities in memory for playback to
// future listeners.
func New(historyLen int) *Hub {
	return &Hub{
		history:   ring.New(historyLen),
		listeners: make(map[Listener]struct{}),
		opChan:    make(chan func(h *Hub), opChanLen),
	}
}

// Start Hub processing loop, it runs until ctx is canceled.
func (hub *Hub) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-hub.opChan:
			op(hub)
		}
	}
}

// Dispatch queues activity for broadcast by the hub.  It will be placed into the history buffer
// and then relayed to all registered listeners.
func (hub *Hub) Dispatch(a Activity) {
	hub.opChan <- func(h *Hub) {
		if h.history != nil {
			// Add to history buffer
			h.history.Value = a
			h.history = h.history.Next()

			// Deliver to all listeners, removing listeners if they return an error
			for l := range h.listeners {
				if err := l.Receive(a); err != nil {
					delete(h.listeners, l)
				}
			}
		}
	}
}

// AddListener registers a listener to receive broadcasted activity.
func (hub *Hub) AddListener(l Listener) {
	hub.opChan <- func(h *Hub) {
		// Playback log
		if h.history != nil {
			h.history.Do(func(v interface{}) {
				if v != nil {
					_ = l.Receive(v.(Activity))
				}
			})
		}

		// Add to listeners
		h.listeners[l] = struct{}{}
	}
}

// RemoveListener deletes a listener registration, it will cease to receive activity.
func (hub *Hub) RemoveListener(l Listener) {
	hub.opChan <- func(h *Hub) {
		delete(h.listeners, l)
	}
}

// Recent returns the history buffer, oldest first.
func (hub *Hub) Recent() []Activity {
	result := make(chan []Activity, 1)
	hub.opChan <- func(h *Hub) {
		var as []Activity
		if h.history != nil {
			h.history.Do(func(v interface{}) {
				if v != nil {
					as = append(as, v.(Activity))
				}
			})
		}
		result <- as
	}
	return <-result
}

// Sync blocks until the msghub has processed its queue up to this point, useful
// for unit tests.
func (hub *Hub) Sync() {
	done := make(chan struct{})
	hub.opChan <- func(h *Hub) {
		close(done)
	}
	<-done
}
