package route

import (
	"errors"
	"math"
	"strings"

	"github.com/example/ride-tracking/internal/models"
)

// ErrMalformedPolyline is returned when a point string ends mid-value.
var ErrMalformedPolyline = errors.New("malformed polyline")

const polylinePrecision = 1e5

// Decode expands an encoded polyline (signed deltas, 5-bit chunks offset by
// 63, 1e-5 degree precision) into coordinates.
func Decode(encoded string) ([]models.Coord, error) {
	out := make([]models.Coord, 0, len(encoded)/4)
	var lat, lng int64
	for i := 0; i < len(encoded); {
		dlat, next, err := decodeValue(encoded, i)
		if err != nil {
			return nil, err
		}
		dlng, next, err := decodeValue(encoded, next)
		if err != nil {
			return nil, err
		}
		i = next
		lat += dlat
		lng += dlng
		out = append(out, models.Coord{Lat: float64(lat) / polylinePrecision, Lon: float64(lng) / polylinePrecision})
	}
	return out, nil
}

func decodeValue(s string, i int) (int64, int, error) {
	var result int64
	var shift uint
	for {
		if i >= len(s) {
			return 0, i, ErrMalformedPolyline
		}
		b := int64(s[i]) - 63
		i++
		if b < 0 || shift > 60 {
			return 0, i, ErrMalformedPolyline
		}
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			break
		}
	}
	if result&1 != 0 {
		return ^(result >> 1), i, nil
	}
	return result >> 1, i, nil
}

// Encode is the inverse of Decode. Coordinates are rounded to 1e-5.
func Encode(path []models.Coord) string {
	var sb strings.Builder
	var prevLat, prevLng int64
	for _, c := range path {
		lat := int64(math.Round(c.Lat * polylinePrecision))
		lng := int64(math.Round(c.Lon * polylinePrecision))
		encodeValue(&sb, lat-prevLat)
		encodeValue(&sb, lng-prevLng)
		prevLat, prevLng = lat, lng
	}
	return sb.String()
}

func encodeValue(sb *strings.Builder, v int64) {
	u := v << 1
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		sb.WriteByte(byte((0x20 | (u & 0x1f)) + 63))
		u >>= 5
	}
	sb.WriteByte(byte(u + 63))
}
