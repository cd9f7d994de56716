package realtime

import (
	"sync"

	"go.uber.org/zap"
)

// UpdateHandler receives per-device state deltas. The delta may be a full
// snapshot or a partial merge; handlers must not assume either shape.
type UpdateHandler func(deviceID string, delta map[string]any)

// Subscription is an active handler registration.
type Subscription interface {
	Unsubscribe()
}

// subscriberEntry holds a handler with its unique subscription ID
type subscriberEntry struct {
	subID   int
	handler UpdateHandler
}

// Dispatcher fans device state deltas out to registered handlers. It is the
// boundary between the realtime client and whatever entity layer consumes it.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string][]subscriberEntry
	nextSubID   int
	logger      *zap.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string][]subscriberEntry),
		logger:      logger,
	}
}

// Subscribe registers a handler for one device's updates.
func (d *Dispatcher) Subscribe(deviceID string, handler UpdateHandler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	subID := d.nextSubID
	d.nextSubID++
	d.subscribers[deviceID] = append(d.subscribers[deviceID], subscriberEntry{
		subID:   subID,
		handler: handler,
	})

	return &subscription{deviceID: deviceID, subID: subID, dispatcher: d}
}

// Publish delivers a delta to every handler registered for deviceID.
func (d *Dispatcher) Publish(deviceID string, delta map[string]any) {
	d.mu.RLock()
	entries := append([]subscriberEntry(nil), d.subscribers[deviceID]...)
	d.mu.RUnlock()

	for _, entry := range entries {
		entry.handler(deviceID, delta)
	}
}

func (d *Dispatcher) unsubscribe(deviceID string, subID int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.subscribers[deviceID]
	for i, entry := range entries {
		if entry.subID == subID {
			d.subscribers[deviceID] = append(entries[:i], entries[i+1:]...)
			if len(d.subscribers[deviceID]) == 0 {
				delete(d.subscribers, deviceID)
			}
			return
		}
	}
}

type subscription struct {
	deviceID   string
	subID      int
	dispatcher *Dispatcher
}

func (s *subscription) Unsubscribe() {
	s.dispatcher.unsubscribe(s.deviceID, s.subID)
}
