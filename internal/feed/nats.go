package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/fleet-dash/internal/fleet"
	"github.com/shaunagostinho/fleet-dash/internal/metrics"
)

const defaultNATSSubject = "fleet.gps_update"

// NATSSource subscribes to a NATS subject. The NATS client reconnects by
// itself, so mid-session status changes come from its handlers and the
// supervisor only sees the link drop once the client gives up.
type NATSSource struct {
	name          string
	url           string
	subject       string
	event         string
	maxReconnects int
	reconnectWait time.Duration

	mu     sync.Mutex
	sink   StatusSink
	conn   *nats.Conn
	closed chan struct{}
}

func NewNATS(cfg SourceConfig) *NATSSource {
	s := &NATSSource{
		name:          cfg.SourceName(),
		url:           cfg.URL,
		subject:       cfg.Subject,
		event:         cfg.event(),
		maxReconnects: cfg.MaxReconnects,
		reconnectWait: cfg.ReconnectWait,
	}
	if s.subject == "" {
		s.subject = defaultNATSSubject
	}
	if s.maxReconnects == 0 {
		s.maxReconnects = 5
	}
	if s.reconnectWait <= 0 {
		s.reconnectWait = time.Second
	}
	return s
}

func (s *NATSSource) Name() string { return s.name }

func (s *NATSSource) SetStatusSink(sink StatusSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *NATSSource) report(st fleet.ConnStatus) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.SetStatus(s.name, st)
	}
}

func (s *NATSSource) Connect() error {
	closed := make(chan struct{})
	var once sync.Once

	conn, err := nats.Connect(s.url,
		nats.Name("fleetdash"),
		nats.MaxReconnects(s.maxReconnects),
		nats.ReconnectWait(s.reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithFields(log.Fields{"component": "feed", "source": s.name, "err": err}).Warn("nats disconnected")
			}
			s.report(fleet.Disconnected())
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			metrics.FeedReconnects.WithLabelValues(s.name).Inc()
			s.report(fleet.Connected())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			once.Do(func() { close(closed) })
		}),
	)
	if err != nil {
		return fmt.Errorf("feed: nats connect %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.closed = closed
	s.mu.Unlock()
	return nil
}

func (s *NATSSource) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}

func (s *NATSSource) Listen(ctx context.Context, out chan<- fleet.Message) error {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	msgs := make(chan *nats.Msg, 64)
	sub, err := conn.ChanSubscribe(s.subject, msgs)
	if err != nil {
		return fmt.Errorf("feed: nats subscribe %s: %w", s.subject, err)
	}
	defer sub.Unsubscribe()

	l := log.WithFields(log.Fields{"component": "feed", "source": s.name})
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			return fmt.Errorf("%w: nats connection closed", ErrNotConnected)
		case m := <-msgs:
			event, p, err := DecodeEnvelope(m.Data, s.event)
			if err != nil {
				metrics.PayloadsDropped.WithLabelValues("malformed").Inc()
				l.WithField("err", err).Warn("undecodable message")
				continue
			}
			if !forward(ctx, out, s.name, event, p) {
				return nil
			}
		}
	}
}
