package feed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/fleet-dash/internal/fleet"
	"github.com/shaunagostinho/fleet-dash/internal/metrics"
)

// WebSocketSource reads event frames from a push server over a WebSocket.
type WebSocketSource struct {
	name   string
	url    string
	event  string
	dialer *websocket.Dialer
	header http.Header

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWebSocket(cfg SourceConfig) *WebSocketSource {
	return &WebSocketSource{
		name:  cfg.SourceName(),
		url:   cfg.URL,
		event: cfg.event(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		header: http.Header{},
	}
}

func (s *WebSocketSource) Name() string { return s.name }

func (s *WebSocketSource) Connect() error {
	conn, _, err := s.dialer.Dial(s.url, s.header)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", s.url, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *WebSocketSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *WebSocketSource) Listen(ctx context.Context, out chan<- fleet.Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	l := log.WithFields(log.Fields{"component": "feed", "source": s.name})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("%w: server closed the connection", ErrNotConnected)
			}
			return fmt.Errorf("feed: read: %w", err)
		}

		event, p, err := DecodeEnvelope(data, s.event)
		if err != nil {
			metrics.PayloadsDropped.WithLabelValues("malformed").Inc()
			l.WithField("err", err).Warn("undecodable frame")
			continue
		}
		if !forward(ctx, out, s.name, event, p) {
			return nil
		}
	}
}
