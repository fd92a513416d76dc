package main

import (
	"encoding/json"
	"flag"
	"math/rand"
	"net"
	"time"

	"github.com/phuslu/log"
	"townpass.dev/locationtracker/internal/source/droid"
)

func frame(typ string, data interface{}) []byte {
	d, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	b, err := json.Marshal(droid.Message{Type: typ, Data: d})
	if err != nil {
		panic(err)
	}
	return append(b, '\n')
}

func main() {
	addr := flag.String("addr", "127.0.0.1:6000", "droid server address")
	device := flag.String("device", "fakedroid", "device name sent at login")
	interval := flag.Duration("interval", 5*time.Second, "time between fixes")
	count := flag.Int("count", 0, "number of fixes to send, 0 for unlimited")
	lat := flag.Float64("lat", 25.0478, "starting latitude")
	lon := flag.Float64("lon", 121.5170, "starting longitude")
	batch := flag.Int("batch", 1, "fixes per frame")
	flag.Parse()
	log.DefaultLogger.Level = log.DebugLevel
	log.DefaultLogger.Writer = &log.ConsoleWriter{ColorOutput: true}

	c, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}
	defer c.Close()
	if _, err = c.Write(frame(droid.LOGIN, droid.LoginData{Device: *device})); err != nil {
		log.Fatal().Err(err).Msg("")
	}
	log.Info().Str("device", *device).Str("addr", *addr).Msg("logged in")

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for sent := 0; *count == 0 || sent < *count; {
		locs := make([]droid.LocationData, 0, *batch)
		for i := 0; i < *batch; i++ {
			// roughly a few meters per step
			*lat += (rand.Float64() - 0.5) * 0.0001
			*lon += (rand.Float64() - 0.5) * 0.0001
			locs = append(locs, droid.LocationData{GpsTime: time.Now().UTC(), Latitude: *lat, Longitude: *lon, Accuracy: 5})
		}
		var b []byte
		if len(locs) == 1 {
			b = frame(droid.LOCATION, locs[0])
		} else {
			b = frame(droid.BATCH, droid.BatchData{Locations: locs})
		}
		if _, err = c.Write(b); err != nil {
			log.Fatal().Err(err).Msg("")
		}
		sent += len(locs)
		log.Debug().Float64("lat", *lat).Float64("lon", *lon).Int("sent", sent).Msg("fix sent")
		<-ticker.C
	}
}
