package geospatial

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ParseLocation parses a "lon,lat" pair into a point
func ParseLocation(location string) (orb.Point, error) {
	parts := strings.Split(location, ",")
	if len(parts) != 2 {
		return orb.Point{}, fmt.Errorf("location %q must be \"lon,lat\"", location)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("invalid longitude %q: %w", parts[0], err)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("invalid latitude %q: %w", parts[1], err)
	}
	point := orb.Point{lon, lat}
	if err := ValidatePoint(point); err != nil {
		return orb.Point{}, err
	}
	return point, nil
}

// ValidatePoint bounds-checks a coordinate pair
func ValidatePoint(p orb.Point) error {
	if p.Lon() < -180 || p.Lon() > 180 {
		return fmt.Errorf("longitude %f outside [-180,180]", p.Lon())
	}
	if p.Lat() < -90 || p.Lat() > 90 {
		return fmt.Errorf("latitude %f outside [-90,90]", p.Lat())
	}
	return nil
}

// ToGeoJSON renders a point as a GeoJSON feature for API consumers
func ToGeoJSON(p orb.Point, properties map[string]interface{}) ([]byte, error) {
	feature := geojson.NewFeature(p)
	feature.Properties = properties
	return feature.MarshalJSON()
}
