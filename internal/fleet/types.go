package fleet

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// EventGPSUpdate is the push event name that carries a position fix.
const EventGPSUpdate = "gps_update"

// Payload is a decoded push event body. Values are whatever the transport's
// JSON decoder produced (float64, string, bool, nested maps).
type Payload map[string]interface{}

// Message is one inbound push event as handed to the store by a feed source.
type Message struct {
	Source   string    `json:"source"`
	Event    string    `json:"event"`
	Payload  Payload   `json:"payload"`
	Received time.Time `json:"received"`
}

// LatLng is a WGS84 position in decimal degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p LatLng) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", p.Lat, p.Lng)
}

// DistanceKm returns the great-circle distance to q.
func (p LatLng) DistanceKm(q LatLng) float64 {
	const R = 6371.0 // Earth radius km
	dLat := (q.Lat - p.Lat) * math.Pi / 180
	dLng := (q.Lng - p.Lng) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(p.Lat*math.Pi/180)*math.Cos(q.Lat*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	return R * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Fix holds a single GPS observation for a device.
type Fix struct {
	IMEI      string                 `json:"imei"`
	Position  LatLng                 `json:"position"`
	Heading   float64                `json:"heading"`             // Degrees
	Speed     *float64               `json:"speed,omitempty"`     // km/h, when reported
	Timestamp time.Time              `json:"timestamp"`           // Device time, else receipt time
	Received  time.Time              `json:"received"`            // When the push event arrived
	Telemetry map[string]interface{} `json:"telemetry,omitempty"` // Pass-through fields

	hasHeading bool
}

// HasHeading reports whether the device sent a heading with this fix.
func (f Fix) HasHeading() bool { return f.hasHeading }

// DeviceState is the per-IMEI aggregate kept by the Store.
type DeviceState struct {
	IMEI        string    `json:"imei"`
	LastFix     Fix       `json:"lastFix"`
	PathHistory []LatLng  `json:"pathHistory"`
	LastUpdate  time.Time `json:"lastUpdate"`
	Updates     int       `json:"updates"`
	DistanceKm  float64   `json:"distanceKm"` // Odometer since first fix
	Address     string    `json:"address,omitempty"`
	AddressAt   time.Time `json:"addressAt,omitempty"` // Fix time the address was resolved for
}

func (d *DeviceState) clone() DeviceState {
	c := *d
	c.PathHistory = append([]LatLng(nil), d.PathHistory...)
	if d.LastFix.Telemetry != nil {
		c.LastFix.Telemetry = make(map[string]interface{}, len(d.LastFix.Telemetry))
		for k, v := range d.LastFix.Telemetry {
			c.LastFix.Telemetry[k] = v
		}
	}
	return c
}

// Segment is one animated transition between two fixes. A single-point
// path means there is nothing to animate from.
type Segment struct {
	IMEI         string        `json:"imei"`
	Path         []LatLng      `json:"path"`
	StartHeading float64       `json:"startHeading"`
	EndHeading   float64       `json:"endHeading"`
	Duration     time.Duration `json:"-"`
}

// MarshalJSON adds the duration in milliseconds, which is what the map
// page feeds to its marker.
func (s Segment) MarshalJSON() ([]byte, error) {
	type plain Segment
	return json.Marshal(struct {
		plain
		DurationMs int64 `json:"durationMs"`
	}{plain(s), s.Duration.Milliseconds()})
}

// Start returns the first point of the path.
func (s Segment) Start() LatLng {
	if len(s.Path) == 0 {
		return LatLng{}
	}
	return s.Path[0]
}

// End returns the last point of the path.
func (s Segment) End() LatLng {
	if len(s.Path) == 0 {
		return LatLng{}
	}
	return s.Path[len(s.Path)-1]
}

// Update is delivered to subscribers after a fix has been applied.
type Update struct {
	Fix        Fix     `json:"fix"`
	Segment    Segment `json:"segment"`
	PathLen    int     `json:"pathLen"`
	DistanceKm float64 `json:"distanceKm"`
}

// ConnState enumerates transport connection states.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// ConnStatus is a transport status as shown on the dashboard.
type ConnStatus struct {
	State   ConnState
	Message string
}

func Connected() ConnStatus    { return ConnStatus{State: StateConnected} }
func Disconnected() ConnStatus { return ConnStatus{State: StateDisconnected} }

// Errored builds an error status from a connect failure.
func Errored(err error) ConnStatus {
	msg := "unknown"
	if err != nil {
		msg = err.Error()
	}
	return ConnStatus{State: StateError, Message: msg}
}

func (c ConnStatus) String() string {
	if c.State == StateError {
		return "error: " + c.Message
	}
	return c.State.String()
}

// MarshalText renders the status the same way String does.
func (c ConnStatus) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}
