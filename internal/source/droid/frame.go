package droid

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	LOGIN    string = "login"
	LOCATION string = "location"
	BATCH    string = "batch"
	STATUS   string = "status"
)

// Message is one newline-terminated frame sent by a device.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type LoginData struct {
	Device string `json:"device" validate:"required"`
}

type LocationData struct {
	GpsTime   time.Time `json:"gps_time"`
	Latitude  float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Accuracy  float32   `json:"accuracy" validate:"gte=0"`
}

type BatchData struct {
	Locations []LocationData `json:"locations" validate:"required,min=1,dive"`
}

type StatusData struct {
	Status string `json:"status"`
}

// ParseLocations decodes and validates a location or batch frame.
func ParseLocations(vld *validator.Validate, m *Message) ([]LocationData, error) {
	switch m.Type {
	case LOCATION:
		loc := LocationData{}
		if err := decode(vld, m.Data, &loc); err != nil {
			return nil, err
		}
		return []LocationData{loc}, nil
	case BATCH:
		batch := BatchData{}
		if err := decode(vld, m.Data, &batch); err != nil {
			return nil, err
		}
		return batch.Locations, nil
	default:
		return nil, fmt.Errorf("droid: %q is not a location frame", m.Type)
	}
}

func decode(vld *validator.Validate, data json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	return vld.Struct(v)
}
