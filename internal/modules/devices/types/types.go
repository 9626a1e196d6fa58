package types

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("device not found")
	ErrAlreadyExists = errors.New("device already exists")
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

type WiFiStatus string

const (
	WiFiConnected WiFiStatus = "connected"
	WiFiFailed    WiFiStatus = "failed"
	WiFiUnknown   WiFiStatus = "unknown"
)

type Device struct {
	ID              string     `json:"deviceId"`
	Status          Status     `json:"status"`
	LastActiveAt    *time.Time `json:"lastActiveAt"`
	WiFiStatus      WiFiStatus `json:"wifiStatus"`
	WiFiConnectedAt *time.Time `json:"wifiConnectedAt,omitempty"`
	WiFiLastAttempt *time.Time `json:"wifiLastAttempt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Activity is a device's stored status next to its newest telemetry.
type Activity struct {
	DeviceID         string
	Status           Status
	LastActiveAt     *time.Time
	LatestReceivedAt *time.Time
}
