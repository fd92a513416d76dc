package source

import (
	"errors"
	"math"
	"time"
)

var (
	ErrAlreadyRequested = errors.New("source: updates already requested")
	ErrNotRequested     = errors.New("source: updates not requested")
)

// Fix is one position reported by a device.
type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  float32
	Time      time.Time
}

// Result is a batch of fixes delivered together, oldest first.
type Result struct {
	Locations []Fix
}

// LastLocation returns the newest fix of the batch.
func (r Result) LastLocation() (Fix, bool) {
	if len(r.Locations) == 0 {
		return Fix{}, false
	}
	return r.Locations[len(r.Locations)-1], true
}

type Request struct {
	Interval          time.Duration
	MinInterval       time.Duration
	MinDistanceMeters float32
}

type Callback func(Result)

// Source pushes location results to a single registered callback.
type Source interface {
	RequestUpdates(req Request, cb Callback) error
	RemoveUpdates() error
}

// Throttle applies the MinInterval and MinDistanceMeters limits of a request.
// It is not safe for concurrent use.
type Throttle struct {
	req  Request
	last Fix
	seen bool
	at   time.Time
}

func NewThrottle(req Request) *Throttle {
	return &Throttle{req: req}
}

// Allow reports whether f received at t passes the request limits, and
// remembers it if so.
func (th *Throttle) Allow(f Fix, t time.Time) bool {
	if th.seen {
		if t.Sub(th.at) < th.req.MinInterval {
			return false
		}
		if th.req.MinDistanceMeters > 0 && Distance(th.last, f) < float64(th.req.MinDistanceMeters) {
			return false
		}
	}
	th.last = f
	th.at = t
	th.seen = true
	return true
}

const earthRadius = 6371008.8

// Distance is the haversine distance between a and b in meters.
func Distance(a, b Fix) float64 {
	rad := math.Pi / 180
	lat1 := a.Latitude * rad
	lat2 := b.Latitude * rad
	dlat := (b.Latitude - a.Latitude) * rad
	dlon := (b.Longitude - a.Longitude) * rad
	h := math.Sin(dlat/2)*math.Sin(dlat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(h))
}
