package feed

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/fleet-dash/internal/fleet"
)

// nmeaSentence frames body as a sentence with a valid checksum.
func nmeaSentence(body string) string {
	var calc byte
	for i := 0; i < len(body); i++ {
		calc ^= body[i]
	}
	return fmt.Sprintf("$%s*%02X", body, calc)
}

func TestValidateNMEAChecksum(t *testing.T) {
	assert.True(t, validateNMEAChecksum("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A"))
	assert.True(t, validateNMEAChecksum("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"))
	assert.False(t, validateNMEAChecksum("$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6B"))
	assert.False(t, validateNMEAChecksum("$GPRMC,123519,A"))
	assert.False(t, validateNMEAChecksum("$GPRMC*Z"))
}

func TestParseNMEACoord(t *testing.T) {
	tests := []struct {
		raw, dir string
		want     float64
		ok       bool
	}{
		{"4807.038", "N", 48.1173, true},
		{"01131.000", "E", 11.516667, true},
		{"2537.2725", "S", -25.621208, true},
		{"08510.2107", "W", -85.170178, true},
		{"", "N", 0, false},
		{"4807.038", "", 0, false},
		{"abc", "N", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw+tt.dir, func(t *testing.T) {
			got, ok := parseNMEACoord(tt.raw, tt.dir)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}
}

func TestNMEAParserEmitsOnRMC(t *testing.T) {
	p := &nmeaParser{imei: "862095000000042"}

	_, ok := p.feed(nmeaSentence("GNGGA,081500.00,2537.2725,N,08510.2107,E,1,09,0.8,53.0,M,-50.2,M,,"))
	assert.False(t, ok, "GGA alone does not make a fix")

	payload, ok := p.feed(nmeaSentence("GNRMC,081500.00,A,2537.2725,N,08510.2107,E,10.0,87.5,150324,,,A"))
	require.True(t, ok)
	assert.Equal(t, "862095000000042", payload["imei"])
	assert.Equal(t, "081500", payload["time"])
	assert.Equal(t, "15032024", payload["date"])
	assert.InDelta(t, 18.52, payload["speed"], 1e-9)
	assert.Equal(t, 87.5, payload["heading"])
	assert.Equal(t, 9, payload["satellites"])
	assert.Equal(t, 0.8, payload["hdop"])

	fix, err := fleet.ParsePayload(payload, time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 25.621208, fix.Position.Lat, 1e-6)
	assert.InDelta(t, 85.170178, fix.Position.Lng, 1e-6)
	assert.Equal(t, time.Date(2024, 3, 15, 8, 15, 0, 0, time.UTC), fix.Timestamp)
	assert.Equal(t, 9, fix.Telemetry["satellites"])
}

func TestNMEAParserSkips(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not a sentence", "hello"},
		{"bad checksum", "$GPRMC,081500.00,A,2537.2725,N,08510.2107,E,10.0,87.5,150324,,,A*00"},
		{"void fix", nmeaSentence("GPRMC,081500.00,V,,,,,,,150324,,,N")},
		{"missing longitude", nmeaSentence("GPRMC,081500.00,A,2537.2725,N,,,10.0,87.5,150324,,,A")},
		{"short sentence", nmeaSentence("GPRMC,081500.00,A")},
		{"other sentence", nmeaSentence("GPGSV,3,1,11,03,03,111,00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := (&nmeaParser{imei: "A1"}).feed(tt.line)
			assert.False(t, ok)
		})
	}
}

func TestNMEAParserWithoutHeading(t *testing.T) {
	p := &nmeaParser{imei: "A1"}
	payload, ok := p.feed(nmeaSentence("GPRMC,081500,A,2537.2725,N,08510.2107,E,0.0,,150324,,,A"))
	require.True(t, ok)
	_, has := payload["heading"]
	assert.False(t, has)
	_, has = payload["satellites"]
	assert.False(t, has)
}
