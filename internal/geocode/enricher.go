package geocode

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/fleet-dash/internal/fleet"
	"github.com/shaunagostinho/fleet-dash/internal/metrics"
)

// EnricherConfig sizes the worker pool.
type EnricherConfig struct {
	Workers int           `yaml:"workers" json:"workers" validate:"gte=0"`
	Queue   int           `yaml:"queue" json:"queue" validate:"gte=0"`
	Every   time.Duration `yaml:"every" json:"every"`     // Minimum gap between lookups per device
	Timeout time.Duration `yaml:"timeout" json:"timeout"` // Per lookup
}

type job struct {
	imei string
	pos  fleet.LatLng
	at   time.Time
}

// Enricher resolves addresses for applied fixes on a bounded worker pool
// and merges them back through Store.SetAddress.
type Enricher struct {
	store *fleet.Store
	rev   Reverser
	cfg   EnricherConfig

	ch     chan job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()

	mu   sync.Mutex
	last map[string]time.Time
}

func NewEnricher(store *fleet.Store, rev Reverser, cfg EnricherConfig) *Enricher {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Enricher{
		store:  store,
		rev:    rev,
		cfg:    cfg,
		ch:     make(chan job, cfg.Queue),
		ctx:    ctx,
		cancel: cancel,
		last:   make(map[string]time.Time),
	}
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.unsub = store.OnUpdate(func(u fleet.Update) { e.Enqueue(u.Fix) })
	return e
}

// Enqueue schedules a lookup for fix and never blocks. It reports false when
// the lookup was throttled or the queue was full.
func (e *Enricher) Enqueue(fix fleet.Fix) bool {
	if e.ctx.Err() != nil {
		return false
	}
	e.mu.Lock()
	if prev, ok := e.last[fix.IMEI]; ok && e.cfg.Every > 0 && fix.Received.Sub(prev) < e.cfg.Every {
		e.mu.Unlock()
		metrics.GeocodeRequests.WithLabelValues("throttled").Inc()
		return false
	}
	e.last[fix.IMEI] = fix.Received
	e.mu.Unlock()

	select {
	case e.ch <- job{imei: fix.IMEI, pos: fix.Position, at: fix.Received}:
		return true
	default:
		metrics.GeocodeRequests.WithLabelValues("dropped").Inc()
		return false
	}
}

func (e *Enricher) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case j := <-e.ch:
			e.resolve(j)
		}
	}
}

func (e *Enricher) resolve(j job) {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Timeout)
	defer cancel()

	l := log.WithFields(log.Fields{"component": "geocode", "imei": j.imei})
	addr, err := e.rev.Reverse(ctx, j.pos)
	switch {
	case errors.Is(err, ErrNoAddress):
		metrics.GeocodeRequests.WithLabelValues("empty").Inc()
		return
	case err != nil:
		metrics.GeocodeRequests.WithLabelValues("error").Inc()
		l.WithField("err", err).Warn("reverse geocode failed")
		return
	}
	if !e.store.SetAddress(j.imei, j.at, addr) {
		metrics.GeocodeRequests.WithLabelValues("stale").Inc()
		return
	}
	metrics.GeocodeRequests.WithLabelValues("ok").Inc()
	l.WithField("address", addr).Debug("address resolved")
}

// Close stops listening for updates and waits for in-flight lookups.
// Queued jobs are discarded.
func (e *Enricher) Close() {
	e.unsub()
	e.cancel()
	e.wg.Wait()
}
