package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/fleet-dash/internal/animate"
	"github.com/shaunagostinho/fleet-dash/internal/fleet"
	"github.com/shaunagostinho/fleet-dash/internal/metrics"
)

// Server serves the map page and pushes fixes, connection status and
// animation samples to WebSocket clients.
type Server struct {
	cfg   *Config
	store *fleet.Store
	anim  *animate.Animator
	webFS fs.FS
	log   *log.Entry

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
	started  time.Time

	subOnce sync.Once
	unsub   func()
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to WebSocket clients. Each frame carries
// only the parts that changed; the first frame a client gets carries the
// display config, every device and every feed status.
type Frame struct {
	Config  *DisplayConfig              `json:"config,omitempty"`
	Devices []fleet.DeviceState         `json:"devices,omitempty"`
	Status  map[string]fleet.ConnStatus `json:"status,omitempty"`
	Fixes   []fleet.Update              `json:"fixes,omitempty"`
	Samples []animate.Sample            `json:"samples,omitempty"`
	Stamp   int64                       `json:"stamp"` // Unix ms
}

// New creates a new Server.
func New(cfg *Config, store *fleet.Store, anim *animate.Animator, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		anim:    anim,
		webFS:   webFS,
		log:     log.WithField("component", "server"),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))

	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/devices/{imei}", s.handleDevice)
	mux.HandleFunc("/api/status", s.handleStatus)

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return mux
}

// Run starts the HTTP server and the render loop and blocks until ctx is
// done or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	defer s.Subscribe()()

	go s.renderLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.WithField("addr", s.cfg.Server.ListenAddr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Subscribe wires store events to the animator and the clients. Call it
// before the store starts applying fixes so first placements are animated;
// Run calls it too. Repeat calls return the same cancel func.
func (s *Server) Subscribe() (cancel func()) {
	s.subOnce.Do(func() { s.unsub = s.subscribe() })
	return s.unsub
}

func (s *Server) subscribe() func() {
	offUpdate := s.store.OnUpdate(func(u fleet.Update) {
		s.anim.Begin(u.Segment)
		s.broadcast(Frame{Fixes: []fleet.Update{u}, Stamp: time.Now().UnixMilli()})
	})
	offStatus := s.store.OnStatus(func(source string, st fleet.ConnStatus) {
		s.broadcast(Frame{Status: map[string]fleet.ConnStatus{source: st}, Stamp: time.Now().UnixMilli()})
	})
	return func() {
		offUpdate()
		offStatus()
	}
}

// renderLoop advances the animator at server.render_hz and pushes whatever
// moved.
func (s *Server) renderLoop(ctx context.Context) {
	hz := s.cfg.Server.RenderHz
	if hz <= 0 {
		hz = 20
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.renderTick(now.Sub(last))
			last = now
		}
	}
}

func (s *Server) renderTick(dt time.Duration) {
	samples := s.anim.Advance(dt)
	if len(samples) == 0 {
		return
	}
	s.broadcast(Frame{Samples: samples, Stamp: time.Now().UnixMilli()})
}

func (s *Server) hello() Frame {
	display := s.cfg.DisplaySnapshot()
	return Frame{
		Config:  &display,
		Devices: s.store.Snapshot(),
		Status:  s.store.Statuses(),
		Samples: s.anim.Samples(),
		Stamp:   time.Now().UnixMilli(),
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithField("err", err).Warn("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Hello goes in first so it precedes any broadcast.
	if data, err := json.Marshal(s.hello()); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	metrics.WSClients.Inc()
	s.log.WithFields(log.Fields{"remote": r.RemoteAddr, "clients": n}).Info("client connected")

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; the map page doesn't send anything)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			metrics.WSClients.Dec()
			s.log.WithField("clients", n).Info("client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.DisplayJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateDisplayFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.WithField("err", err).Warn("config save failed")
		}
		// Broadcast updated config
		display := s.cfg.DisplaySnapshot()
		s.broadcast(Frame{Config: &display, Stamp: time.Now().UnixMilli()})

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.store.Snapshot())
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dev, ok := s.store.Device(r.PathValue("imei"))
	if !ok {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}
	writeJSON(w, dev)
}

type statusResponse struct {
	Feeds         map[string]fleet.ConnStatus `json:"feeds"`
	Devices       int                         `json:"devices"`
	Clients       int                         `json:"clients"`
	Animating     int                         `json:"animating"`
	UptimeSeconds int64                       `json:"uptimeSeconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clients := len(s.clients)
	s.clientsMu.RUnlock()

	writeJSON(w, statusResponse{
		Feeds:         s.store.Statuses(),
		Devices:       s.store.Len(),
		Clients:       clients,
		Animating:     s.anim.Active(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.WithField("err", err).Error("frame marshal failed")
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
