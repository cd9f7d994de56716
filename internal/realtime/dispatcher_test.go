package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestDispatcherFanOut(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	d := NewDispatcher(logger)

	var first, second []map[string]any
	d.Subscribe("uuid-a", func(deviceID string, delta map[string]any) {
		first = append(first, delta)
	})
	d.Subscribe("uuid-a", func(deviceID string, delta map[string]any) {
		second = append(second, delta)
	})

	d.Publish("uuid-a", map[string]any{"temp": 21.0})

	assert.Len(t, first, 1)
	assert.Len(t, second, 1)
	assert.Equal(t, 21.0, first[0]["temp"])
}

func TestDispatcherIsolatesDevices(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	d := NewDispatcher(logger)

	var got []string
	d.Subscribe("uuid-a", func(deviceID string, delta map[string]any) {
		got = append(got, deviceID)
	})

	d.Publish("uuid-b", map[string]any{"temp": 21.0})
	assert.Empty(t, got)

	d.Publish("uuid-a", map[string]any{"temp": 21.0})
	assert.Equal(t, []string{"uuid-a"}, got)
}

func TestDispatcherUnsubscribe(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	d := NewDispatcher(logger)

	calls := 0
	sub := d.Subscribe("uuid-a", func(deviceID string, delta map[string]any) {
		calls++
	})
	kept := 0
	d.Subscribe("uuid-a", func(deviceID string, delta map[string]any) {
		kept++
	})

	d.Publish("uuid-a", map[string]any{"temp": 21.0})
	sub.Unsubscribe()
	d.Publish("uuid-a", map[string]any{"temp": 22.0})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, kept)
}

func TestDispatcherPublishWithoutSubscribers(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	d := NewDispatcher(logger)

	// Must not panic.
	d.Publish("uuid-a", map[string]any{"temp": 21.0})
}
