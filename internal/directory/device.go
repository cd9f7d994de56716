package directory

// Device is one discovered heater. Created during directory enumeration and
// read-only afterward; the mutable last-known status lives in the state store.
type Device struct {
	// ID is the internal vendor UUID used everywhere except the realtime
	// wire paths.
	ID string

	// SerialNumber is the identifier the realtime protocol uses in
	// devices/{serial} paths.
	SerialNumber string

	Name     string
	ZoneID   string
	ZoneName string

	Model           string
	Type            string
	RatedPowerWatts float64
	FirmwareVersion string
	MAC             string
}
