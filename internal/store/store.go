package store

import (
	"time"
)

// Prefs is a process-wide persisted mapping from string key to string value.
// Reads and writes are synchronous.
type Prefs interface {
	Get(key string) (value string, ok bool, err error)
	Put(key, value string) error
}

// LocationStore receives every recorded fix for long-term keeping.
// Put must not block the caller.
type LocationStore interface {
	Put(rec Record)
}

type Record struct {
	Latitude   float64
	Longitude  float64
	Accuracy   float32
	GpsTime    time.Time
	CapturedAt time.Time
}
