// Package directory enumerates installations, zones and devices through the
// vendor REST API and maintains the ID translation tables the realtime
// protocol needs (UUID vs. serial number, UUID vs. zone).
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"rointenexa/internal/auth"
)

// ErrMalformed is returned when the top-level installations response has the
// wrong shape. Individual malformed entries are skipped, not fatal.
var ErrMalformed = errors.New("malformed installations response")

// TokenSource supplies a currently-valid token of the requested kind.
type TokenSource interface {
	Token(ctx context.Context, kind auth.TokenKind) (string, error)
}

// Directory discovers devices and answers ID translation queries.
type Directory struct {
	base   string
	tokens TokenSource
	client *http.Client
	logger *zap.Logger

	mu         sync.RWMutex
	devices    []*Device
	serialByID map[string]string
	idBySerial map[string]string
	zoneByID   map[string]string
	idsByZone  map[string][]string
}

// New creates a directory against the given REST API base.
func New(base string, tokens TokenSource, httpClient *http.Client, logger *zap.Logger) *Directory {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Directory{
		base:       strings.TrimRight(base, "/"),
		tokens:     tokens,
		client:     httpClient,
		logger:     logger,
		serialByID: make(map[string]string),
		idBySerial: make(map[string]string),
		zoneByID:   make(map[string]string),
		idsByZone:  make(map[string][]string),
	}
}

type installationsEnvelope struct {
	Data []installationEntry `json:"data"`
}

type installationEntry struct {
	ID    string            `json:"id"`
	Zones []json.RawMessage `json:"zones"`
}

type zoneEntry struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Devices []deviceEntry `json:"devices"`
}

type zoneEnvelope struct {
	Data zoneEntry `json:"data"`
}

type deviceEntry struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Model        string  `json:"model"`
	Type         string  `json:"type"`
	Power        float64 `json:"power"`
	Version      string  `json:"version"`
	SerialNumber string  `json:"serialNumber"`
	MAC          string  `json:"mac"`
}

// Discover fetches the installation tree and rebuilds the device list and the
// translation indices. A wholly malformed top-level response is fatal;
// malformed installations, zones or devices are skipped and logged.
func (d *Directory) Discover(ctx context.Context) ([]*Device, error) {
	payload, err := d.get(ctx, "/installations")
	if err != nil {
		return nil, err
	}

	var envelope installationsEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if envelope.Data == nil {
		return nil, fmt.Errorf("%w: missing data list", ErrMalformed)
	}

	var devices []*Device
	for i, inst := range envelope.Data {
		for _, rawZone := range inst.Zones {
			zone, ok := d.resolveZone(ctx, rawZone)
			if !ok {
				continue
			}
			if zone.ID == "" {
				d.logger.Warn("Skipping zone without id",
					zap.Int("installation", i))
				continue
			}
			for _, entry := range zone.Devices {
				if entry.ID == "" {
					d.logger.Warn("Skipping device without id",
						zap.String("zone_id", zone.ID))
					continue
				}
				devices = append(devices, &Device{
					ID:              entry.ID,
					SerialNumber:    entry.SerialNumber,
					Name:            entry.Name,
					ZoneID:          zone.ID,
					ZoneName:        zone.Name,
					Model:           entry.Model,
					Type:            entry.Type,
					RatedPowerWatts: entry.Power,
					FirmwareVersion: entry.Version,
					MAC:             entry.MAC,
				})
			}
		}
	}

	d.rebuildIndices(devices)
	d.logger.Info("Device discovery completed",
		zap.Int("installations", len(envelope.Data)),
		zap.Int("devices", len(devices)))
	return devices, nil
}

// resolveZone decodes a zone entry that is either an embedded object (current
// schema) or a bare id string (legacy schema, resolved with a follow-up GET).
func (d *Directory) resolveZone(ctx context.Context, raw json.RawMessage) (zoneEntry, bool) {
	var zone zoneEntry
	if err := json.Unmarshal(raw, &zone); err == nil && (zone.ID != "" || zone.Devices != nil) {
		return zone, true
	}

	var zoneID string
	if err := json.Unmarshal(raw, &zoneID); err == nil && zoneID != "" {
		payload, err := d.get(ctx, "/zones/"+zoneID)
		if err != nil {
			d.logger.Warn("Failed to resolve legacy zone reference",
				zap.String("zone_id", zoneID),
				zap.Error(err))
			return zoneEntry{}, false
		}
		var envelope zoneEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Data.ID == "" {
			d.logger.Warn("Legacy zone response malformed",
				zap.String("zone_id", zoneID))
			return zoneEntry{}, false
		}
		return envelope.Data, true
	}

	d.logger.Warn("Skipping zone entry matching neither schema",
		zap.ByteString("entry", raw))
	return zoneEntry{}, false
}

func (d *Directory) get(ctx context.Context, path string) ([]byte, error) {
	token, err := d.tokens.Token(ctx, auth.TokenREST)
	if err != nil {
		return nil, fmt.Errorf("failed to get REST token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("token", token)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s returned status %d", path, resp.StatusCode)
	}
	return payload, nil
}

func (d *Directory) rebuildIndices(devices []*Device) {
	serialByID := make(map[string]string, len(devices))
	idBySerial := make(map[string]string, len(devices))
	zoneByID := make(map[string]string, len(devices))
	idsByZone := make(map[string][]string)

	for _, dev := range devices {
		if dev.SerialNumber != "" {
			serialByID[dev.ID] = dev.SerialNumber
			idBySerial[dev.SerialNumber] = dev.ID
		}
		zoneByID[dev.ID] = dev.ZoneID
		idsByZone[dev.ZoneID] = append(idsByZone[dev.ZoneID], dev.ID)
	}

	d.mu.Lock()
	d.devices = devices
	d.serialByID = serialByID
	d.idBySerial = idBySerial
	d.zoneByID = zoneByID
	d.idsByZone = idsByZone
	d.mu.Unlock()
}

// Devices returns the devices from the last discovery.
func (d *Directory) Devices() []*Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Device(nil), d.devices...)
}

// SerialFor translates an internal UUID to the vendor serial number.
func (d *Directory) SerialFor(deviceID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	serial, ok := d.serialByID[deviceID]
	return serial, ok
}

// DeviceIDForSerial translates a vendor serial number to the internal UUID.
func (d *Directory) DeviceIDForSerial(serial string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.idBySerial[serial]
	return id, ok
}

// DeviceIDsInZone returns the UUIDs of every device assigned to zoneID.
func (d *Directory) DeviceIDsInZone(zoneID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.idsByZone[zoneID]...)
}

// ZoneIDs returns the distinct zone ids across all discovered devices, sorted
// for deterministic subscription order.
func (d *Directory) ZoneIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	zones := make([]string, 0, len(d.idsByZone))
	for zoneID := range d.idsByZone {
		zones = append(zones, zoneID)
	}
	sort.Strings(zones)
	return zones
}

// Serials returns every known device serial, sorted for deterministic
// subscription order.
func (d *Directory) Serials() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	serials := make([]string, 0, len(d.idBySerial))
	for serial := range d.idBySerial {
		serials = append(serials, serial)
	}
	sort.Strings(serials)
	return serials
}
