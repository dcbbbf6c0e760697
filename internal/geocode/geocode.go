// Package geocode resolves device positions to street addresses without
// holding up ingestion.
package geocode

import (
	"context"
	"errors"

	"github.com/shaunagostinho/fleet-dash/internal/fleet"
)

// ErrNoAddress is returned when a lookup succeeded but found nothing.
var ErrNoAddress = errors.New("geocode: no address for position")

// Reverser turns a position into a human readable address.
type Reverser interface {
	Reverse(ctx context.Context, p fleet.LatLng) (string, error)
}

// ReverserFunc adapts a function to Reverser.
type ReverserFunc func(ctx context.Context, p fleet.LatLng) (string, error)

func (f ReverserFunc) Reverse(ctx context.Context, p fleet.LatLng) (string, error) {
	return f(ctx, p)
}
