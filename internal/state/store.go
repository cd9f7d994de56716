// Package state tracks the last known status of every discovered device by
// folding realtime deltas into per-device records.
package state

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"rointenexa/internal/clock"
	"rointenexa/internal/realtime"
)

// DeviceStatus is the mutable last-known view of one heater. Fields are
// pointers because a partial merge only carries a subset.
type DeviceStatus struct {
	CurrentTemp  *float64
	Status       *string
	Power        *int
	ScheduleMode *bool
	Online       *bool

	// Preset setpoints as reported by the device.
	ComfortTemp *float64
	EcoTemp     *float64
	IceTemp     *float64

	UpdatedAt time.Time
}

// Store holds per-device status and applies incoming deltas. Both full
// snapshots and partial merges are supported.
type Store struct {
	mu      sync.RWMutex
	devices map[string]*DeviceStatus
	clock   clock.Clock
	logger  *zap.Logger
	subs    []realtime.Subscription
}

// NewStore creates an empty status store.
func NewStore(clk clock.Clock, logger *zap.Logger) *Store {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Store{
		devices: make(map[string]*DeviceStatus),
		clock:   clk,
		logger:  logger,
	}
}

// Attach subscribes the store to updates for each device id.
func (s *Store) Attach(dispatcher *realtime.Dispatcher, deviceIDs []string) {
	for _, id := range deviceIDs {
		sub := dispatcher.Subscribe(id, s.Apply)
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
}

// Detach removes all dispatcher subscriptions.
func (s *Store) Detach() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Apply folds one delta into the device's record. Unknown fields are ignored;
// known fields with unexpected types are logged and skipped.
func (s *Store) Apply(deviceID string, delta map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.devices[deviceID]
	if !ok {
		status = &DeviceStatus{}
		s.devices[deviceID] = status
	}

	for field, value := range delta {
		switch field {
		case "temp":
			if v, ok := asFloat(value); ok {
				status.CurrentTemp = &v
			} else {
				s.warnType(deviceID, field, value)
			}
		case "comfort":
			if v, ok := asFloat(value); ok {
				status.ComfortTemp = &v
			}
		case "eco":
			if v, ok := asFloat(value); ok {
				status.EcoTemp = &v
			}
		case "ice":
			if v, ok := asFloat(value); ok {
				status.IceTemp = &v
			}
		case "status":
			if v, ok := value.(string); ok {
				status.Status = &v
			} else {
				s.warnType(deviceID, field, value)
			}
		case "power":
			if v, ok := asFloat(value); ok {
				p := int(v)
				status.Power = &p
			}
		case "mode":
			// mode 1 means the device follows its schedule
			if v, ok := asFloat(value); ok {
				schedule := v == 1
				status.ScheduleMode = &schedule
			}
		case "online":
			if v, ok := value.(bool); ok {
				status.Online = &v
			}
		}
	}
	status.UpdatedAt = s.clock.Now()
}

func (s *Store) warnType(deviceID, field string, value any) {
	s.logger.Warn("Ignoring status field with unexpected type",
		zap.String("device_id", deviceID),
		zap.String("field", field),
		zap.Any("value", value))
}

// Status returns a copy of the device's last known status.
func (s *Store) Status(deviceID string) (DeviceStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.devices[deviceID]
	if !ok {
		return DeviceStatus{}, false
	}
	return *status, true
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
