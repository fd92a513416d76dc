package logstore

import (
	"github.com/phuslu/log"
	"townpass.dev/locationtracker/internal/store"
)

// LogStore is the archive used when nothing should be persisted; each record
// is written to the log at debug level.
type LogStore struct {
	log log.Logger
}

func NewStore() *LogStore {
	l := &LogStore{}
	l.log = log.DefaultLogger
	l.log.Context = log.NewContext(nil).Str("module", "logstore").Value()
	return l
}

func (l *LogStore) Put(rec store.Record) {
	l.log.Debug().Float64("lat", rec.Latitude).Float64("lon", rec.Longitude).Float32("accuracy", rec.Accuracy).Time("gpstime", rec.GpsTime).Time("captured_at", rec.CapturedAt).Msg("location archived")
}
