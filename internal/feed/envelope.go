package feed

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shaunagostinho/fleet-dash/internal/fleet"
)

// DecodeEnvelope extracts the event name and payload from one push frame.
// Accepted forms:
//
//	{"event": "gps_update", "data": {...}}
//	["gps_update", {...}]          (socket.io, optionally with a "42" packet prefix)
//	{...}                          (bare payload, reported as defaultEvent)
//
// Numbers are kept as json.Number so long numeric IMEIs survive intact.
func DecodeEnvelope(data []byte, defaultEvent string) (string, fleet.Payload, error) {
	data = bytes.TrimSpace(data)
	data = bytes.TrimLeft(data, "0123456789")
	if len(data) == 0 {
		return "", nil, fmt.Errorf("%w: empty frame", fleet.ErrMalformed)
	}

	switch data[0] {
	case '[':
		var parts []json.RawMessage
		if err := decode(data, &parts); err != nil {
			return "", nil, err
		}
		if len(parts) < 2 {
			return "", nil, fmt.Errorf("%w: event array needs a name and a payload", fleet.ErrMalformed)
		}
		var event string
		if err := json.Unmarshal(parts[0], &event); err != nil || event == "" {
			return "", nil, fmt.Errorf("%w: event name is not a string", fleet.ErrMalformed)
		}
		var p fleet.Payload
		if err := decode(parts[1], &p); err != nil {
			return "", nil, err
		}
		return event, p, nil

	case '{':
		var fields map[string]json.RawMessage
		if err := decode(data, &fields); err != nil {
			return "", nil, err
		}
		rawEvent, hasEvent := fields["event"]
		rawData, hasData := fields["data"]
		if hasEvent && hasData {
			var event string
			if err := json.Unmarshal(rawEvent, &event); err == nil && event != "" {
				var p fleet.Payload
				if err := decode(rawData, &p); err != nil {
					return "", nil, err
				}
				return event, p, nil
			}
		}
		var p fleet.Payload
		if err := decode(data, &p); err != nil {
			return "", nil, err
		}
		return defaultEvent, p, nil
	}
	return "", nil, fmt.Errorf("%w: unexpected frame start %q", fleet.ErrMalformed, data[0])
}

func decode(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", fleet.ErrMalformed, err)
	}
	return nil
}
