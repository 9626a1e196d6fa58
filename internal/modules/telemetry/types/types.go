package types

import (
	"errors"
	"time"
)

var ErrUnknownDevice = errors.New("unknown device")

// Outcome is the result of committing a record.
type Outcome string

const (
	OutcomeStored    Outcome = "stored"
	OutcomeDuplicate Outcome = "duplicate"
)

// Transport names an ingress path.
type Transport string

const (
	TransportHTTP Transport = "http"
	TransportMQTT Transport = "mqtt"
)

// SleepSession is one sleep summary reported by a device.
type SleepSession struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"deviceId"`
	SleepQuality string    `json:"sleepQuality"`
	Duration     float64   `json:"duration"`
	ReceivedAt   time.Time `json:"receivedAt"`
}
