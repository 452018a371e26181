// README: Google Maps Geolocation provider (coarse network-derived fixes).
package location

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"hatid/internal/types"
)

// MapsProvider resolves a coarse position via the Google Maps Geolocation API.
// Accuracy is typically in the hundreds of meters, so the geolocator usually
// discards these fixes unless nothing better arrives.
type MapsProvider struct {
	client *maps.Client
}

func NewMapsProvider(apiKey string) (*MapsProvider, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating maps client: %w", err)
	}
	return &MapsProvider{client: client}, nil
}

func (p *MapsProvider) Locate(ctx context.Context, _ Subject) (types.Point, float64, error) {
	res, err := p.client.Geolocate(ctx, &maps.GeolocationRequest{ConsiderIP: true})
	if err != nil {
		return types.Point{}, 0, fmt.Errorf("maps geolocate: %w", err)
	}
	return types.Point{Lat: res.Location.Lat, Lng: res.Location.Lng}, res.Accuracy, nil
}
