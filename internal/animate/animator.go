package animate

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/fleet-dash/internal/fleet"
	"github.com/shaunagostinho/fleet-dash/internal/metrics"
)

// RestartMode decides where a transition starts when it supersedes one that
// is still in flight.
type RestartMode int

const (
	// RestartFromFix starts exactly at the segment's first point, i.e. the
	// previous fix, so the marker may jump back slightly.
	RestartFromFix RestartMode = iota
	// RestartFromRendered starts from whatever is on screen right now.
	RestartFromRendered
)

func (m RestartMode) String() string {
	if m == RestartFromRendered {
		return "rendered"
	}
	return "fix"
}

// ParseRestartMode resolves a config name. Empty means fix.
func ParseRestartMode(name string) (RestartMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "fix":
		return RestartFromFix, nil
	case "rendered":
		return RestartFromRendered, nil
	}
	return RestartFromFix, fmt.Errorf("animate: unknown restart mode %q", name)
}

// Config selects the animator's easing, heading and restart behaviour.
type Config struct {
	Easing  Easing
	Heading HeadingMode
	Restart RestartMode
}

// Sample is the rendered position and heading of one device.
type Sample struct {
	IMEI     string       `json:"imei"`
	Position fleet.LatLng `json:"position"`
	Heading  float64      `json:"heading"`
	Progress float64      `json:"progress"`
	Done     bool         `json:"done"`
}

// Transition animates one segment from Start on the animator clock. A
// Transition built outside an Animator eases with Cosine and turns literally.
type Transition struct {
	Segment fleet.Segment
	Start   time.Duration

	easing  Easing
	heading HeadingMode
}

func (t *Transition) instant() bool {
	return len(t.Segment.Path) < 2 || t.Segment.Duration <= 0
}

// Progress returns clamp((now-start)/duration, 0, 1).
func (t *Transition) Progress(now time.Duration) float64 {
	if t.instant() {
		return 1
	}
	p := float64(now-t.Start) / float64(t.Segment.Duration)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// At samples the transition at now. Progress 0 yields the exact start
// values and progress 1 the exact end values.
func (t *Transition) At(now time.Duration) Sample {
	seg := t.Segment
	p := t.Progress(now)
	s := Sample{IMEI: seg.IMEI, Progress: p}

	switch p {
	case 0:
		s.Position = seg.Start()
		s.Heading = seg.StartHeading
	case 1:
		s.Position = seg.End()
		s.Heading = seg.EndHeading
		s.Done = true
	default:
		ease := t.easing
		if ease == nil {
			ease = Cosine
		}
		e := ease(p)
		from, to := seg.Start(), seg.End()
		s.Position = fleet.LatLng{
			Lat: from.Lat + (to.Lat-from.Lat)*e,
			Lng: from.Lng + (to.Lng-from.Lng)*e,
		}
		s.Heading = interpolateHeading(t.heading, seg.StartHeading, seg.EndHeading, e)
	}
	return s
}

// Animator owns one transition per device and a clock that only moves when
// the host render loop calls Advance.
type Animator struct {
	cfg Config

	mu       sync.Mutex
	clock    time.Duration
	active   map[string]*Transition
	rendered map[string]Sample
	dirty    map[string]bool
}

// New creates an Animator. A nil easing means Cosine.
func New(cfg Config) *Animator {
	if cfg.Easing == nil {
		cfg.Easing = Cosine
	}
	return &Animator{
		cfg:      cfg,
		active:   make(map[string]*Transition),
		rendered: make(map[string]Sample),
		dirty:    make(map[string]bool),
	}
}

// Begin starts animating seg, abandoning any transition still in flight
// for the same device. Segments without two points or a positive duration
// are placed immediately.
func (a *Animator) Begin(seg fleet.Segment) {
	a.mu.Lock()
	defer a.mu.Unlock()

	imei := seg.IMEI
	prev, inFlight := a.active[imei]
	if inFlight {
		delete(a.active, imei)
		metrics.TransitionsSuperseded.Inc()
	}

	t := &Transition{Segment: seg, Start: a.clock, easing: a.cfg.Easing, heading: a.cfg.Heading}
	if t.instant() {
		a.rendered[imei] = t.At(a.clock)
		a.dirty[imei] = true
		return
	}

	if a.cfg.Restart == RestartFromRendered {
		cur, ok := a.rendered[imei]
		if inFlight {
			cur, ok = prev.At(a.clock), true
		}
		if ok {
			t.Segment.Path = []fleet.LatLng{cur.Position, seg.End()}
			t.Segment.StartHeading = cur.Heading
		}
	}

	a.active[imei] = t
	a.rendered[imei] = t.At(a.clock)
	a.dirty[imei] = true
	metrics.TransitionsStarted.Inc()
}

// Advance moves the clock by dt and returns a sample for every device whose
// rendered state changed: running transitions, fresh placements, and the
// final snap of transitions that just completed.
func (a *Animator) Advance(dt time.Duration) []Sample {
	a.mu.Lock()
	defer a.mu.Unlock()

	if dt > 0 {
		a.clock += dt
	}

	out := make([]Sample, 0, len(a.active)+len(a.dirty))
	for imei, t := range a.active {
		s := t.At(a.clock)
		a.rendered[imei] = s
		if s.Done {
			delete(a.active, imei)
		}
		delete(a.dirty, imei)
		out = append(out, s)
	}
	for imei := range a.dirty {
		out = append(out, a.rendered[imei])
		delete(a.dirty, imei)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IMEI < out[j].IMEI })
	return out
}

// Sample returns a device's rendered state at the current clock.
func (a *Animator) Sample(imei string) (Sample, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sampleAt(imei, a.clock)
}

// SampleAt evaluates a device at an arbitrary clock value without advancing.
func (a *Animator) SampleAt(imei string, now time.Duration) (Sample, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sampleAt(imei, now)
}

func (a *Animator) sampleAt(imei string, now time.Duration) (Sample, bool) {
	if t, ok := a.active[imei]; ok {
		return t.At(now), true
	}
	s, ok := a.rendered[imei]
	return s, ok
}

// Now returns the animator clock.
func (a *Animator) Now() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clock
}

// Active returns the number of transitions still in flight.
func (a *Animator) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// Samples returns the rendered state of every known device.
func (a *Animator) Samples() []Sample {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Sample, 0, len(a.rendered))
	for imei := range a.rendered {
		s, _ := a.sampleAt(imei, a.clock)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IMEI < out[j].IMEI })
	return out
}
