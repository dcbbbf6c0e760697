package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shaunagostinho/fleet-dash/internal/fleet"
)

const (
	DefaultNominatimURL = "https://nominatim.openstreetmap.org"
	defaultUserAgent    = "fleetdash/1.0"
)

// Nominatim queries an OpenStreetMap Nominatim server's /reverse endpoint.
type Nominatim struct {
	baseURL   string
	userAgent string
	language  string
	client    *http.Client
}

// NominatimConfig configures the HTTP client.
type NominatimConfig struct {
	URL       string        `yaml:"url" json:"url" validate:"omitempty,url"`
	UserAgent string        `yaml:"user_agent" json:"userAgent"`
	Language  string        `yaml:"language" json:"language"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

func NewNominatim(cfg NominatimConfig) *Nominatim {
	if cfg.URL == "" {
		cfg.URL = DefaultNominatimURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Nominatim{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		userAgent: cfg.UserAgent,
		language:  cfg.Language,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
}

type nominatimResponse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

func (n *Nominatim) Reverse(ctx context.Context, p fleet.LatLng) (string, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(p.Lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(p.Lng, 'f', 6, 64))
	q.Set("zoom", "18")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("geocode: build request: %w", err)
	}
	req.Header.Set("User-Agent", n.userAgent)
	if n.language != "" {
		req.Header.Set("Accept-Language", n.language)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("geocode: reverse %s: %w", p, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geocode: reverse %s: status %d", p, resp.StatusCode)
	}
	var body nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("geocode: decode response: %w", err)
	}
	if body.Error != "" || body.DisplayName == "" {
		return "", ErrNoAddress
	}
	return body.DisplayName, nil
}
