package route

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/example/ride-tracking/internal/geo"
	"github.com/example/ride-tracking/internal/models"
)

// PriceCents converts an estimated duration into a price in minor units.
// Fractional cents are truncated.
func PriceCents(minutes, centsPerMinute float64) int64 {
	if minutes <= 0 || centsPerMinute <= 0 {
		return 0
	}
	return int64(minutes * centsPerMinute)
}

// EstimateSeconds is a straight-line travel time used when ranking queued
// rides, where a provider round trip per candidate would be too slow.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}

func FormatCoord(c models.Coord) string {
	return strconv.FormatFloat(c.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(c.Lon, 'f', -1, 64)
}

// ParseCoord reads "lat,lng".
func ParseCoord(s string) (models.Coord, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return models.Coord{}, fmt.Errorf("coordinate %q: want lat,lng", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return models.Coord{}, fmt.Errorf("coordinate %q: %w", s, err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return models.Coord{}, fmt.Errorf("coordinate %q: %w", s, err)
	}
	if math.Abs(lat) > 90 || math.Abs(lng) > 180 {
		return models.Coord{}, fmt.Errorf("coordinate %q out of range", s)
	}
	return models.Coord{Lat: lat, Lon: lng}, nil
}
