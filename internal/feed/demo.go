package feed

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/fleet-dash/internal/fleet"
)

// DemoSource simulates a handful of vehicles driving circles around a centre
// point, one fix per vehicle per interval.
type DemoSource struct {
	name     string
	vehicles int
	interval time.Duration
	center   fleet.LatLng

	mu sync.Mutex
	t  float64
}

func NewDemo(cfg SourceConfig) *DemoSource {
	d := &DemoSource{
		name:     cfg.SourceName(),
		vehicles: cfg.Vehicles,
		interval: cfg.Interval,
		center:   fleet.LatLng{Lat: cfg.CenterLat, Lng: cfg.CenterLng},
	}
	if d.vehicles <= 0 {
		d.vehicles = 3
	}
	if d.interval <= 0 {
		d.interval = 2 * time.Second
	}
	if d.center == (fleet.LatLng{}) {
		d.center = fleet.LatLng{Lat: 25.621209, Lng: 85.170179} // Patna
	}
	return d
}

func (d *DemoSource) Name() string   { return d.name }
func (d *DemoSource) Connect() error { return nil }
func (d *DemoSource) Close() error   { return nil }

func (d *DemoSource) Listen(ctx context.Context, out chan<- fleet.Message) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		for _, p := range d.tick() {
			if !forward(ctx, out, d.name, fleet.EventGPSUpdate, p) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// tick advances the simulation one step and returns a payload per vehicle.
func (d *DemoSource) tick() []fleet.Payload {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += d.interval.Seconds()

	stamp := time.Now().UTC()
	out := make([]fleet.Payload, 0, d.vehicles)
	for i := 0; i < d.vehicles; i++ {
		radius := 0.004 * float64(i+1) // ~450m per ring
		omega := 0.05 / float64(i+1)   // rad/s, outer rings slower
		theta := d.t*omega + float64(i)*2*math.Pi/float64(d.vehicles)

		lat := d.center.Lat + radius*math.Sin(theta)
		lng := d.center.Lng + radius*math.Cos(theta)
		// Direction of travel is the tangent: north component cos, east component -sin.
		heading := math.Atan2(-math.Sin(theta), math.Cos(theta)) * 180 / math.Pi
		if heading < 0 {
			heading += 360
		}

		out = append(out, fleet.Payload{
			"imei":            fmt.Sprintf("8620950%08d", i+1),
			"lat":             lat,
			"lng":             lng,
			"heading":         heading,
			"speed":           radius * omega * 111320 * 3.6, // deg/s -> km/h
			"timestamp":       stamp.Format(time.RFC3339Nano),
			"battery_voltage": 12.2 + rand.Float64()*0.6,
			"satellites":      9 + rand.Intn(4),
			"signal":          20 + rand.Intn(11),
		})
	}
	return out
}
