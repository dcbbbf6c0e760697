package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/fleet-dash/internal/metrics"
)

var now = time.Now // swapped in tests

// Steps shorter than this are GPS jitter and don't count towards the odometer.
const minOdometerStepKm = 0.002

// Config holds the Store limits.
type Config struct {
	PathCap         int           // Max points kept per device trail, <= 0 means unbounded
	MinDuration     time.Duration // Lower clamp for the time between two fixes
	DefaultDuration time.Duration // Duration used for a device's first fix
}

// DefaultConfig returns the limits the dashboard has always used.
func DefaultConfig() Config {
	return Config{
		PathCap:         100,
		MinDuration:     1000 * time.Millisecond,
		DefaultDuration: 2000 * time.Millisecond,
	}
}

// Store keeps the latest fix and trail for every device seen this session.
//
// Fixes are applied by a single writer (Run, or direct Ingest calls from one
// goroutine). Readers get copies and may call from any goroutine.
type Store struct {
	cfg Config
	log *log.Entry

	mu       sync.RWMutex
	devices  map[string]*DeviceState
	statuses map[string]ConnStatus
	downAt   map[string]time.Time // when each source last left connected

	subMu     sync.RWMutex
	updateSub map[uuid.UUID]func(Update)
	statusSub map[uuid.UUID]func(string, ConnStatus)
}

// NewStore creates an empty Store. Zero values in cfg fall back to defaults.
func NewStore(cfg Config) *Store {
	def := DefaultConfig()
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = def.MinDuration
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = def.DefaultDuration
	}
	return &Store{
		cfg:       cfg,
		log:       log.WithField("component", "store"),
		devices:   make(map[string]*DeviceState),
		statuses:  make(map[string]ConnStatus),
		downAt:    make(map[string]time.Time),
		updateSub: make(map[uuid.UUID]func(Update)),
		statusSub: make(map[uuid.UUID]func(string, ConnStatus)),
	}
}

// Ingest validates a gps_update payload and applies it. Malformed payloads
// are logged and dropped without touching any device state.
func (s *Store) Ingest(p Payload) (Update, error) {
	return s.ingestAt(p, now())
}

func (s *Store) ingestAt(p Payload, received time.Time) (Update, error) {
	fix, err := ParsePayload(p, received)
	if err != nil {
		metrics.PayloadsDropped.WithLabelValues("malformed").Inc()
		s.log.WithError(err).Warn("dropping gps payload")
		return Update{}, err
	}
	u := s.apply(fix)
	s.notifyUpdate(u)
	return u, nil
}

func (s *Store) apply(fix Fix) Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, seen := s.devices[fix.IMEI]
	if !seen {
		dev = &DeviceState{IMEI: fix.IMEI}
		s.devices[fix.IMEI] = dev
		metrics.DevicesTracked.Set(float64(len(s.devices)))
	}

	seg := Segment{IMEI: fix.IMEI, EndHeading: fix.Heading}
	if seen {
		prev := dev.LastFix
		if !fix.hasHeading {
			fix.Heading = prev.Heading
			seg.EndHeading = prev.Heading
		}
		seg.Duration = fix.Timestamp.Sub(prev.Timestamp)
		if seg.Duration < s.cfg.MinDuration {
			seg.Duration = s.cfg.MinDuration
		}
		seg.Path = []LatLng{prev.Position, fix.Position}
		seg.StartHeading = prev.Heading
		if d := prev.Position.DistanceKm(fix.Position); d > minOdometerStepKm {
			dev.DistanceKm += d
		}
	} else {
		seg.Duration = s.cfg.DefaultDuration
		seg.Path = []LatLng{fix.Position}
		seg.StartHeading = fix.Heading
	}

	dev.PathHistory = append(dev.PathHistory, fix.Position)
	if s.cfg.PathCap > 0 && len(dev.PathHistory) > s.cfg.PathCap {
		trimmed := make([]LatLng, s.cfg.PathCap)
		copy(trimmed, dev.PathHistory[len(dev.PathHistory)-s.cfg.PathCap:])
		dev.PathHistory = trimmed
	}
	dev.LastFix = fix
	dev.LastUpdate = fix.Received
	dev.Updates++
	metrics.FixesApplied.Inc()

	return Update{Fix: fix, Segment: seg, PathLen: len(dev.PathHistory), DistanceKm: dev.DistanceKm}
}

// Run drains in until ctx is done, applying messages in arrival order.
// While a source is not connected its messages are dropped, except those it
// received before the link went down.
func (s *Store) Run(ctx context.Context, in <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			s.handle(msg)
		}
	}
}

func (s *Store) handle(msg Message) {
	start := time.Now()
	defer metrics.ObserveIngestLatency(start)

	metrics.PayloadsReceived.WithLabelValues(msg.Source).Inc()
	if msg.Event != EventGPSUpdate {
		s.log.WithFields(log.Fields{"source": msg.Source, "event": msg.Event}).Debug("ignoring event")
		return
	}
	received := msg.Received
	if received.IsZero() {
		received = now()
	}
	if msg.Source != "" && !s.acceptFrom(msg.Source, received) {
		metrics.PayloadsDropped.WithLabelValues("disconnected").Inc()
		s.log.WithField("source", msg.Source).Debug("dropping update from disconnected source")
		return
	}
	_, _ = s.ingestAt(msg.Payload, received)
}

// acceptFrom reports whether a message the source received at the given
// time may be applied: the source is connected, or the message predates the
// moment it disconnected.
func (s *Store) acceptFrom(source string, received time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.statuses[source]; ok && st.State == StateConnected {
		return true
	}
	down, ok := s.downAt[source]
	return ok && received.Before(down)
}

// SetAddress merges a reverse geocode result for the fix taken at fixTime.
// Results older than the address already held are ignored.
func (s *Store) SetAddress(imei string, fixTime time.Time, address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[imei]
	if !ok || fixTime.Before(dev.AddressAt) {
		return false
	}
	dev.Address = address
	dev.AddressAt = fixTime
	return true
}

// Device returns a copy of one device's state.
func (s *Store) Device(imei string) (DeviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, ok := s.devices[imei]
	if !ok {
		return DeviceState{}, false
	}
	return dev.clone(), true
}

// Snapshot returns copies of every device, ordered by IMEI.
func (s *Store) Snapshot() []DeviceState {
	s.mu.RLock()
	out := make([]DeviceState, 0, len(s.devices))
	for _, dev := range s.devices {
		out = append(out, dev.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IMEI < out[j].IMEI })
	return out
}

// Len returns the number of tracked devices.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// SetStatus records a feed's connection status and notifies subscribers
// when it changed.
func (s *Store) SetStatus(source string, st ConnStatus) {
	s.mu.Lock()
	prev, known := s.statuses[source]
	s.statuses[source] = st
	if known && prev.State == StateConnected && st.State != StateConnected {
		s.downAt[source] = now()
	}
	s.mu.Unlock()

	if known && prev == st {
		return
	}
	metrics.FeedStatus.WithLabelValues(source, st.State.String()).Inc()
	s.log.WithFields(log.Fields{"source": source, "status": st.String()}).Info("feed status changed")
	s.notifyStatus(source, st)
}

// Status returns a feed's status; unknown feeds are disconnected.
func (s *Store) Status(source string) ConnStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[source]
	if !ok {
		return Disconnected()
	}
	return st
}

// Statuses returns every known feed status keyed by source name.
func (s *Store) Statuses() map[string]ConnStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ConnStatus, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v
	}
	return out
}

// OnUpdate registers fn for applied fixes. Callbacks run on the writer
// goroutine and must not block. The returned func unsubscribes.
func (s *Store) OnUpdate(fn func(Update)) (cancel func()) {
	id := uuid.New()
	s.subMu.Lock()
	s.updateSub[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.updateSub, id)
		s.subMu.Unlock()
	}
}

// OnStatus registers fn for feed status changes.
func (s *Store) OnStatus(fn func(source string, st ConnStatus)) (cancel func()) {
	id := uuid.New()
	s.subMu.Lock()
	s.statusSub[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.statusSub, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notifyUpdate(u Update) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, fn := range s.updateSub {
		fn(u)
	}
}

func (s *Store) notifyStatus(source string, st ConnStatus) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, fn := range s.statusSub {
		fn(source, st)
	}
}
