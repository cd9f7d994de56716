package realtime

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// route dispatches an inbound push frame by its data path. Zone paths fan out
// to every device in the zone; device paths carry the vendor serial number
// and are translated to the internal UUID before publishing. Frames that
// match nothing are dropped, never fatal.
func (c *Client) route(fd frameData) {
	body, err := decodeBody(&frame{Data: fd})
	if err != nil {
		c.logger.Warn("Dropping frame with malformed body", zap.Error(err))
		return
	}
	if body == nil || body.Path == "" || len(body.Data) == 0 {
		return
	}

	segments := strings.Split(strings.Trim(body.Path, "/"), "/")
	if len(segments) < 2 {
		return
	}

	var delta map[string]any
	if err := json.Unmarshal(body.Data, &delta); err != nil {
		c.logger.Warn("Dropping push with non-object payload",
			zap.String("path", body.Path),
			zap.Error(err))
		return
	}

	switch segments[0] {
	case "zones":
		c.routeZone(segments[1], body.Path, delta)
	case "devices":
		c.routeDevice(segments[1], body.Path, delta)
	default:
		c.logger.Debug("Ignoring push for unknown path",
			zap.String("path", body.Path))
	}
}

// routeZone forwards a zone-level broadcast to every device assigned to the
// zone, keyed by the device's internal UUID.
func (c *Client) routeZone(zoneID, path string, delta map[string]any) {
	if !strings.Contains(path, "/data") {
		return
	}

	deviceIDs := c.cfg.Index.DeviceIDsInZone(zoneID)
	if len(deviceIDs) == 0 {
		c.logger.Debug("Zone update for zone without known devices",
			zap.String("zone_id", zoneID))
		return
	}

	for _, deviceID := range deviceIDs {
		c.cfg.Publisher.Publish(deviceID, delta)
	}
	c.logger.Debug("Routed zone update",
		zap.String("zone_id", zoneID),
		zap.Int("devices", len(deviceIDs)))
}

// routeDevice translates the wire serial to the internal UUID and forwards
// the payload. Full snapshots nest the fields under a data key; incremental
// merges are flat. Both are published identically, only the shape differs.
func (c *Client) routeDevice(serial, path string, delta map[string]any) {
	deviceID, ok := c.cfg.Index.DeviceIDForSerial(serial)
	if !ok {
		c.logger.Warn("No device found for serial",
			zap.String("serial", serial))
		return
	}

	if nested, ok := delta["data"].(map[string]any); ok {
		c.cfg.Publisher.Publish(deviceID, nested)
		c.logger.Debug("Routed full device snapshot",
			zap.String("device_id", deviceID),
			zap.String("serial", serial))
		return
	}

	c.cfg.Publisher.Publish(deviceID, delta)
	c.logger.Debug("Routed incremental device update",
		zap.String("device_id", deviceID),
		zap.String("serial", serial),
		zap.Int("fields", len(delta)))
}
