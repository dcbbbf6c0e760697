package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed is returned for payloads that cannot become a Fix.
var ErrMalformed = errors.New("malformed gps payload")

var (
	idKeys        = []string{"imei", "device_id", "deviceId", "id"}
	latKeys       = []string{"lat", "latitude"}
	lngKeys       = []string{"lng", "lon", "longitude"}
	headingKeys   = []string{"heading", "course", "bearing"}
	speedKeys     = []string{"speed"}
	timestampKeys = []string{"timestamp", "ts"}
)

// consumed lists every key the parser interprets; anything else is telemetry.
var consumed = func() map[string]bool {
	m := map[string]bool{"date": true, "time": true}
	for _, keys := range [][]string{idKeys, latKeys, lngKeys, headingKeys, speedKeys, timestampKeys} {
		for _, k := range keys {
			m[k] = true
		}
	}
	return m
}()

// ParsePayload validates a gps_update payload and turns it into a Fix.
// received is used when the device did not report its own time.
func ParsePayload(p Payload, received time.Time) (Fix, error) {
	var fix Fix
	if p == nil {
		return fix, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	id, ok := lookupString(p, idKeys)
	if !ok {
		return fix, fmt.Errorf("%w: missing device identifier", ErrMalformed)
	}
	lat, err := lookupFloat(p, latKeys)
	if err != nil {
		return fix, fmt.Errorf("%w: latitude: %v", ErrMalformed, err)
	}
	lng, err := lookupFloat(p, lngKeys)
	if err != nil {
		return fix, fmt.Errorf("%w: longitude: %v", ErrMalformed, err)
	}

	fix = Fix{
		IMEI:     id,
		Position: LatLng{Lat: lat, Lng: lng},
		Received: received,
	}
	if hdg, err := lookupFloat(p, headingKeys); err == nil {
		fix.Heading = normalizeHeading(hdg)
		fix.hasHeading = true
	}
	if spd, err := lookupFloat(p, speedKeys); err == nil {
		fix.Speed = &spd
	}
	fix.Timestamp = deviceTime(p, received)

	for k, v := range p {
		if consumed[k] {
			continue
		}
		if fix.Telemetry == nil {
			fix.Telemetry = make(map[string]interface{})
		}
		fix.Telemetry[k] = v
	}
	return fix, nil
}

func lookupString(p Payload, keys []string) (string, bool) {
	for _, k := range keys {
		v, ok := p[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = strings.TrimSpace(t)
		case json.Number:
			s = t.String()
		case float64:
			// Some trackers send the IMEI as a bare JSON number.
			s = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			continue
		}
		if s != "" {
			return s, true
		}
	}
	return "", false
}

var errMissing = errors.New("missing")

// lookupFloat returns the first present key as a finite float. Numeric
// strings are accepted since several upstream feeds stringify coordinates.
func lookupFloat(p Payload, keys []string) (float64, error) {
	for _, k := range keys {
		v, ok := p[k]
		if !ok || v == nil {
			continue
		}
		f, err := toFloat(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", k, err)
		}
		return f, nil
	}
	return 0, errMissing
}

func toFloat(v interface{}) (float64, error) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, err
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", t)
		}
		f = n
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not finite: %v", f)
	}
	return f, nil
}

// deviceTime derives the fix timestamp: compact date/time strings first,
// then an explicit timestamp field, then the receipt time.
func deviceTime(p Payload, received time.Time) time.Time {
	date, _ := p["date"].(string)
	clock, _ := p["time"].(string)
	if ts, err := ParseCompactDateTime(date, clock); err == nil {
		return ts
	}
	for _, k := range timestampKeys {
		v, ok := p[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t)); err == nil {
				return ts.UTC()
			}
			if ms, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil && epochMsInRange(float64(ms)) {
				return time.UnixMilli(ms).UTC()
			}
		default:
			if f, err := toFloat(t); err == nil && epochMsInRange(f) {
				return time.UnixMilli(int64(f)).UTC()
			}
		}
	}
	return received
}

// Epoch milliseconds for 0001-01-01 and 9999-12-31T23:59:59.999Z.
const (
	minEpochMs = -62135596800000
	maxEpochMs = 253402300799999
)

func epochMsInRange(ms float64) bool {
	return ms >= minEpochMs && ms <= maxEpochMs
}

// normalizeHeading maps any heading in degrees onto [0, 360).
func normalizeHeading(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}

// ParseCompactDateTime parses tracker style DDMMYYYY and HHMMSS strings as UTC.
func ParseCompactDateTime(date, clock string) (time.Time, error) {
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if len(date) != 8 || len(clock) < 6 {
		return time.Time{}, fmt.Errorf("bad date/time %q %q", date, clock)
	}
	return time.ParseInLocation("02012006150405", date+clock[:6], time.UTC)
}

// FormatCompactDateTime renders a time the way trackers report it.
func FormatCompactDateTime(t time.Time) (date, clock string) {
	t = t.UTC()
	return t.Format("02012006"), t.Format("150405")
}
