package main

import (
	"encoding/json"
	"math/rand/v2"
	"time"
)

// reading is one simulated health sample in the abbreviated encoding.
type reading struct {
	TS int64   `json:"TS"`
	HR int     `json:"HR"`
	RE int     `json:"RE"`
	T  float64 `json:"T"`
	H  float64 `json:"H"`
	V  float64 `json:"V"`
	CO int     `json:"CO"`
}

func newReading(at time.Time, rng *rand.Rand) reading {
	return reading{
		TS: at.Unix(),
		HR: 55 + rng.IntN(40),
		RE: 12 + rng.IntN(8),
		T:  float64(200+rng.IntN(60)) / 10,
		H:  float64(350+rng.IntN(200)) / 10,
		V:  float64(360+rng.IntN(60)) / 100,
		CO: 400 + rng.IntN(600),
	}
}

// healthPayload renders a reading as the body a device would send.
func healthPayload(r reading) ([]byte, error) {
	return json.Marshal(r)
}

type ingestBody struct {
	DeviceID string          `json:"deviceId"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
}

// ingestRequest wraps a device payload in the HTTP ingest envelope.
func ingestRequest(deviceID string, payload []byte) ([]byte, error) {
	return json.Marshal(ingestBody{DeviceID: deviceID, Type: "health", Data: payload})
}
