// Package geo holds coordinates and the distance helpers shared by moving
// agents, stations and the route cache.
package geo

import (
	"math"
	"strconv"
	"strings"
)

// Coordinate is a [lat, lon] pair in degrees.
type Coordinate [2]float64

const (
	earthRadiusMeters = 6371008.8

	// NearThresholdMeters bounds the proximity predicate used by stations.
	NearThresholdMeters = 100.0
)

func New(lat, lon float64) Coordinate {
	return Coordinate{lat, lon}
}

func (c Coordinate) Lat() float64 { return c[0] }
func (c Coordinate) Lon() float64 { return c[1] }

func deg2rad(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// Distance is the great-circle distance in meters.
func Distance(a, b Coordinate) float64 {
	lat1, lat2 := deg2rad(a[0]), deg2rad(b[0])
	dLat := lat2 - lat1
	dLon := deg2rad(b[1] - a[1])
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Near reports whether b is within NearThresholdMeters of a.
func Near(a, b Coordinate) bool {
	return Distance(a, b) <= NearThresholdMeters
}

func PathDistance(path []Coordinate) float64 {
	total := 0.0
	for i := 1; i < len(path); i++ {
		total += Distance(path[i-1], path[i])
	}
	return total
}

func KmhToMs(kmh float64) float64 {
	return kmh / 3.6
}

// ChunkPath inserts interpolated points so that consecutive points are at
// most maxStep meters apart. The first and every original point are kept.
func ChunkPath(path []Coordinate, maxStep float64) []Coordinate {
	if len(path) < 2 || maxStep <= 0 {
		return append([]Coordinate{}, path...)
	}
	out := []Coordinate{path[0]}
	for i := 1; i < len(path); i++ {
		from, to := path[i-1], path[i]
		d := Distance(from, to)
		n := int(math.Ceil(d / maxStep))
		for k := 1; k < n; k++ {
			f := float64(k) / float64(n)
			out = append(out, Coordinate{
				from[0] + (to[0]-from[0])*f,
				from[1] + (to[1]-from[1])*f,
			})
		}
		out = append(out, to)
	}
	return out
}

// IndexOf returns the first index of c in list, or -1.
func IndexOf(list []Coordinate, c Coordinate) int {
	for i, x := range list {
		if x == c {
			return i
		}
	}
	return -1
}

func Contains(list []Coordinate, c Coordinate) bool {
	return IndexOf(list, c) >= 0
}

// Nearest returns the index of the candidate closest to from, or -1.
func Nearest(from Coordinate, candidates []Coordinate) int {
	best, bestDist := -1, math.Inf(1)
	for i, c := range candidates {
		if d := Distance(from, c); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// Reverse returns a reversed copy.
func Reverse(list []Coordinate) []Coordinate {
	out := make([]Coordinate, len(list))
	for i, c := range list {
		out[len(list)-1-i] = c
	}
	return out
}

// FromAny converts a decoded JSON value ([]any of two numbers) into a
// coordinate.
func FromAny(v any) (Coordinate, bool) {
	switch x := v.(type) {
	case Coordinate:
		return x, true
	case []float64:
		if len(x) == 2 {
			return Coordinate{x[0], x[1]}, true
		}
	case []any:
		if len(x) != 2 {
			return Coordinate{}, false
		}
		lat, ok1 := x[0].(float64)
		lon, ok2 := x[1].(float64)
		if ok1 && ok2 {
			return Coordinate{lat, lon}, true
		}
	}
	return Coordinate{}, false
}

// FormatList renders c the way route_cache.json keys spell coordinates:
// "[39.46, -0.36]".
func FormatList(c Coordinate) string {
	return "[" + formatFloat(c[0]) + ", " + formatFloat(c[1]) + "]"
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}
