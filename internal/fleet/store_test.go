package fleet

import (
	"context"
	"io"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetOutput(io.Discard)
}

func gps(imei string, lat, lng interface{}, extra ...interface{}) Payload {
	p := Payload{"imei": imei, "lat": lat, "lng": lng}
	for i := 0; i+1 < len(extra); i += 2 {
		p[extra[i].(string)] = extra[i+1]
	}
	return p
}

func stamp(sec int) string {
	return time.Date(2024, time.January, 1, 0, 0, sec, 0, time.UTC).Format(time.RFC3339)
}

func TestStoreIngestFirstFix(t *testing.T) {
	s := NewStore(DefaultConfig())

	u, err := s.Ingest(gps("A1", 25.0, 85.0, "heading", 90.0))
	require.NoError(t, err)

	assert.Equal(t, []LatLng{{25.0, 85.0}}, u.Segment.Path)
	assert.Equal(t, 2000*time.Millisecond, u.Segment.Duration)
	assert.Equal(t, 90.0, u.Segment.StartHeading)
	assert.Equal(t, 90.0, u.Segment.EndHeading)
	assert.Equal(t, 1, u.PathLen)

	dev, ok := s.Device("A1")
	require.True(t, ok)
	assert.Equal(t, LatLng{25.0, 85.0}, dev.LastFix.Position)
	assert.Equal(t, []LatLng{{25.0, 85.0}}, dev.PathHistory)
	assert.Equal(t, 1, dev.Updates)
}

func TestStoreIngestSecondFix(t *testing.T) {
	s := NewStore(DefaultConfig())

	_, err := s.Ingest(gps("A1", 25.0, 85.0, "heading", 45.0, "timestamp", stamp(0)))
	require.NoError(t, err)
	u, err := s.Ingest(gps("A1", 25.001, 85.002, "heading", 90.0, "timestamp", stamp(2)))
	require.NoError(t, err)

	assert.Equal(t, []LatLng{{25.0, 85.0}, {25.001, 85.002}}, u.Segment.Path)
	assert.Equal(t, LatLng{25.0, 85.0}, u.Segment.Start())
	assert.Equal(t, LatLng{25.001, 85.002}, u.Segment.End())
	assert.Equal(t, 2*time.Second, u.Segment.Duration)
	assert.Equal(t, 45.0, u.Segment.StartHeading)
	assert.Equal(t, 90.0, u.Segment.EndHeading)

	dev, _ := s.Device("A1")
	assert.Equal(t, dev.LastFix.Position, dev.PathHistory[len(dev.PathHistory)-1])
	assert.Len(t, dev.PathHistory, 2)
}

func TestStoreDurationClamp(t *testing.T) {
	tests := []struct {
		name   string
		first  string
		second string
		want   time.Duration
	}{
		{"identical timestamps", stamp(10), stamp(10), time.Second},
		{"inverted timestamps", stamp(10), stamp(4), time.Second},
		{"half a second apart", "2024-01-01T00:00:10Z", "2024-01-01T00:00:10.5Z", time.Second},
		{"five seconds apart", stamp(10), stamp(15), 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(DefaultConfig())
			_, err := s.Ingest(gps("A1", 1.0, 1.0, "timestamp", tt.first))
			require.NoError(t, err)
			u, err := s.Ingest(gps("A1", 1.0, 1.0, "timestamp", tt.second))
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.Segment.Duration)
			assert.GreaterOrEqual(t, u.Segment.Duration, time.Second)
		})
	}
}

func TestStoreHeadingDefaultsToLastKnown(t *testing.T) {
	s := NewStore(DefaultConfig())

	u, err := s.Ingest(gps("A1", 1.0, 1.0))
	require.NoError(t, err)
	assert.Equal(t, 0.0, u.Fix.Heading)

	_, err = s.Ingest(gps("A1", 1.0, 1.1, "heading", 120.0))
	require.NoError(t, err)
	u, err = s.Ingest(gps("A1", 1.0, 1.2))
	require.NoError(t, err)
	assert.Equal(t, 120.0, u.Fix.Heading)
	assert.Equal(t, 120.0, u.Segment.StartHeading)
	assert.Equal(t, 120.0, u.Segment.EndHeading)
}

func TestStoreMalformedLeavesStateUnchanged(t *testing.T) {
	s := NewStore(DefaultConfig())
	_, err := s.Ingest(gps("A1", 25.0, 85.0))
	require.NoError(t, err)
	_, err = s.Ingest(gps("B2", 26.0, 86.0))
	require.NoError(t, err)
	before := s.Snapshot()

	notified := 0
	s.OnUpdate(func(Update) { notified++ })

	for _, p := range []Payload{
		{"lat": 25.1, "lng": 85.1},
		{"imei": "A1", "lat": "north", "lng": 85.1},
		{"imei": "A1", "lat": 25.1},
		{"imei": "C3", "lat": 25.1, "lng": []interface{}{1}},
	} {
		_, err := s.Ingest(p)
		assert.ErrorIs(t, err, ErrMalformed)
	}

	assert.Equal(t, before, s.Snapshot())
	assert.Equal(t, 0, notified)
	assert.Equal(t, 2, s.Len())
}

func TestStorePathCapEvictsOldest(t *testing.T) {
	s := NewStore(Config{PathCap: 100})

	for i := 0; i < 150; i++ {
		u, err := s.Ingest(gps("A1", float64(i), 0.0))
		require.NoError(t, err)
		assert.LessOrEqual(t, u.PathLen, 100)
	}

	dev, _ := s.Device("A1")
	require.Len(t, dev.PathHistory, 100)
	assert.Equal(t, LatLng{50, 0}, dev.PathHistory[0])
	assert.Equal(t, LatLng{149, 0}, dev.PathHistory[99])
	assert.Equal(t, dev.LastFix.Position, dev.PathHistory[99])
	assert.Equal(t, 150, dev.Updates)
}

func TestStoreOutOfOrderFixIsApplied(t *testing.T) {
	s := NewStore(DefaultConfig())
	_, err := s.Ingest(gps("A1", 1.0, 1.0, "timestamp", stamp(30)))
	require.NoError(t, err)
	_, err = s.Ingest(gps("A1", 2.0, 2.0, "timestamp", stamp(10)))
	require.NoError(t, err)

	dev, _ := s.Device("A1")
	assert.Equal(t, LatLng{2.0, 2.0}, dev.LastFix.Position)
}

func TestStoreSnapshotIsACopy(t *testing.T) {
	s := NewStore(DefaultConfig())
	_, err := s.Ingest(gps("A1", 1.0, 1.0, "battery", 12.1))
	require.NoError(t, err)

	snap := s.Snapshot()
	snap[0].PathHistory[0] = LatLng{9, 9}
	snap[0].LastFix.Telemetry["battery"] = 0.0

	dev, _ := s.Device("A1")
	assert.Equal(t, LatLng{1, 1}, dev.PathHistory[0])
	assert.Equal(t, 12.1, dev.LastFix.Telemetry["battery"])
}

func TestStoreSubscriptions(t *testing.T) {
	s := NewStore(DefaultConfig())

	var got []Update
	cancel := s.OnUpdate(func(u Update) { got = append(got, u) })
	_, err := s.Ingest(gps("A1", 1.0, 1.0))
	require.NoError(t, err)
	cancel()
	_, err = s.Ingest(gps("A1", 1.0, 2.0))
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "A1", got[0].Fix.IMEI)

	var statuses []string
	s.OnStatus(func(source string, st ConnStatus) { statuses = append(statuses, source+"="+st.String()) })
	s.SetStatus("ws", Connected())
	s.SetStatus("ws", Connected())
	s.SetStatus("ws", Errored(assert.AnError))
	s.SetStatus("ws", Disconnected())

	assert.Equal(t, []string{
		"ws=connected",
		"ws=error: " + assert.AnError.Error(),
		"ws=disconnected",
	}, statuses)
	assert.Equal(t, Disconnected(), s.Status("unknown"))
}

func TestStoreHandleGatesOnStatus(t *testing.T) {
	s := NewStore(DefaultConfig())

	s.handle(Message{Source: "ws", Event: EventGPSUpdate, Payload: gps("A1", 1.0, 1.0)})
	s.SetStatus("ws", Connected())
	s.handle(Message{Source: "ws", Event: "device_connect", Payload: gps("B2", 1.0, 1.0)})
	s.handle(Message{Source: "ws", Event: EventGPSUpdate, Payload: gps("C3", 1.0, 1.0)})
	s.SetStatus("ws", Disconnected())
	s.handle(Message{Source: "ws", Event: EventGPSUpdate, Payload: gps("D4", 1.0, 1.0)})

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "C3", snap[0].IMEI)
}

func TestStoreRunKeepsFixesQueuedBeforeDisconnect(t *testing.T) {
	t0 := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	now = func() time.Time { return t0 }
	t.Cleanup(func() { now = time.Now })

	s := NewStore(DefaultConfig())
	s.SetStatus("ws", Connected())

	in := make(chan Message, 3)
	in <- Message{Source: "ws", Event: EventGPSUpdate, Payload: gps("A1", 1.0, 1.0), Received: t0.Add(-time.Second)}
	in <- Message{Source: "ws", Event: EventGPSUpdate, Payload: gps("B2", 1.0, 1.0), Received: t0.Add(time.Second)}
	in <- Message{Source: "ws", Event: EventGPSUpdate, Payload: gps("C3", 1.0, 1.0)}
	close(in)

	// The link drops with all three still buffered.
	s.SetStatus("ws", Disconnected())
	s.SetStatus("ws", Errored(assert.AnError))
	s.Run(context.Background(), in)

	_, applied := s.Device("A1")
	assert.True(t, applied, "received while connected")
	_, applied = s.Device("B2")
	assert.False(t, applied, "received after the drop")
	_, applied = s.Device("C3")
	assert.False(t, applied, "no receipt time counts as now")
}

func TestStoreRunStopsOnCancel(t *testing.T) {
	s := NewStore(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, make(chan Message))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStoreRunUsesReceiptTime(t *testing.T) {
	s := NewStore(DefaultConfig())
	s.SetStatus("demo", Connected())
	in := make(chan Message, 2)
	t0 := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	in <- Message{Source: "demo", Event: EventGPSUpdate, Payload: gps("A1", 1.0, 1.0), Received: t0}
	in <- Message{Source: "demo", Event: EventGPSUpdate, Payload: gps("A1", 1.0, 2.0), Received: t0.Add(3 * time.Second)}
	close(in)

	var last Update
	s.OnUpdate(func(u Update) { last = u })
	s.Run(context.Background(), in)

	assert.Equal(t, 3*time.Second, last.Segment.Duration)
	dev, _ := s.Device("A1")
	assert.Equal(t, t0.Add(3*time.Second), dev.LastUpdate)
}

func TestStoreSetAddress(t *testing.T) {
	s := NewStore(DefaultConfig())
	t0 := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

	assert.False(t, s.SetAddress("A1", t0, "nowhere"))

	_, err := s.Ingest(gps("A1", 1.0, 1.0))
	require.NoError(t, err)
	assert.True(t, s.SetAddress("A1", t0.Add(time.Minute), "Boring Road, Patna"))
	assert.False(t, s.SetAddress("A1", t0, "stale"))

	dev, _ := s.Device("A1")
	assert.Equal(t, "Boring Road, Patna", dev.Address)
}

func TestConnStatusString(t *testing.T) {
	assert.Equal(t, "connected", Connected().String())
	assert.Equal(t, "disconnected", Disconnected().String())
	assert.Equal(t, "error: dial tcp: refused", ConnStatus{State: StateError, Message: "dial tcp: refused"}.String())
	assert.Equal(t, "error: unknown", Errored(nil).String())
}

func TestStoreOdometer(t *testing.T) {
	s := NewStore(DefaultConfig())

	_, err := s.Ingest(gps("A1", 0.0, 0.0))
	require.NoError(t, err)
	_, err = s.Ingest(gps("A1", 0.0, 0.00001)) // ~1m, jitter
	require.NoError(t, err)
	u, err := s.Ingest(gps("A1", 0.0, 0.01))
	require.NoError(t, err)

	// The jitter step is skipped; the long step counts from where it ended.
	assert.InDelta(t, 1.1108, u.DistanceKm, 0.001)
	dev, _ := s.Device("A1")
	assert.Equal(t, u.DistanceKm, dev.DistanceKm)
}

func TestDistanceKm(t *testing.T) {
	patna := LatLng{Lat: 25.5941, Lng: 85.1376}
	delhi := LatLng{Lat: 28.6139, Lng: 77.2090}
	assert.InDelta(t, 850, patna.DistanceKm(delhi), 10)
	assert.Equal(t, 0.0, patna.DistanceKm(patna))
}
