package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shaunagostinho/fleet-dash/internal/fleet"
)

var (
	ErrUnknownSource = errors.New("feed: unknown source type")
	ErrNotConnected  = errors.New("feed: not connected")
)

// Source is a push transport delivering device events.
type Source interface {
	Name() string
	Connect() error
	Close() error
	// Listen forwards events to out until ctx is done or the link drops.
	// It returns nil only when ctx ended the session.
	Listen(ctx context.Context, out chan<- fleet.Message) error
}

// StatusSink receives connection status changes. *fleet.Store satisfies it.
type StatusSink interface {
	SetStatus(source string, st fleet.ConnStatus)
}

// StatusAware is implemented by sources whose client library reconnects on
// its own and therefore reports mid-session status changes itself.
type StatusAware interface {
	Source
	SetStatusSink(sink StatusSink)
}

// SourceConfig describes one feed. Fields not used by a type are ignored.
type SourceConfig struct {
	Type  string `yaml:"type" json:"type" validate:"required,oneof=websocket nats redis nmea demo"`
	Name  string `yaml:"name" json:"name"`
	Event string `yaml:"event" json:"event"` // Event name for bare payloads

	// websocket / nats / redis
	URL     string `yaml:"url" json:"url" validate:"required_if=Type websocket,required_if=Type nats,required_if=Type redis"`
	Subject string `yaml:"subject" json:"subject"` // NATS subject or Redis channel

	// redis
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db" validate:"gte=0"`

	// nats
	MaxReconnects int           `yaml:"max_reconnects" json:"maxReconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" json:"reconnectWait"`

	// nmea
	PortPath string `yaml:"port_path" json:"portPath" validate:"required_if=Type nmea"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	IMEI     string `yaml:"imei" json:"imei" validate:"required_if=Type nmea"`

	// demo
	Vehicles  int           `yaml:"vehicles" json:"vehicles" validate:"gte=0"`
	Interval  time.Duration `yaml:"interval" json:"interval"`
	CenterLat float64       `yaml:"center_lat" json:"centerLat" validate:"gte=-90,lte=90"`
	CenterLng float64       `yaml:"center_lng" json:"centerLng" validate:"gte=-180,lte=180"`
}

// SourceName returns the configured name, falling back to the type.
func (c SourceConfig) SourceName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Type
}

func (c SourceConfig) event() string {
	if c.Event != "" {
		return c.Event
	}
	return fleet.EventGPSUpdate
}

// New builds the source for cfg.Type.
func New(cfg SourceConfig) (Source, error) {
	switch strings.ToLower(cfg.Type) {
	case "websocket":
		return NewWebSocket(cfg), nil
	case "nats":
		return NewNATS(cfg), nil
	case "redis":
		return NewRedis(cfg), nil
	case "nmea":
		return NewNMEA(cfg), nil
	case "demo":
		return NewDemo(cfg), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSource, cfg.Type)
}

// forward stamps and delivers one decoded event, giving up if ctx ends.
func forward(ctx context.Context, out chan<- fleet.Message, source, event string, p fleet.Payload) bool {
	msg := fleet.Message{Source: source, Event: event, Payload: p, Received: time.Now()}
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
