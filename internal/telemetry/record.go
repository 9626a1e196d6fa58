// Package telemetry holds the canonical record shape shared by every ingress path.
package telemetry

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// Record is one observation from one device at one instant.
//
// Records are produced by the normalize package and are treated as immutable
// afterwards: readers that need to change anything work on Clone().
type Record struct {
	ID                string
	DeviceID          string
	ObservedAtSeconds *int64
	ReceivedAt        time.Time

	Fields  map[string]float64
	Metrics map[string]float64
	Signals Signals
	Extras  map[string]any
}

// Signals carries discrete channels (motion, presence, battery, ...) and
// numeric series (RR intervals, waveform samples).
type Signals struct {
	Channels map[string]float64
	Series   map[string][]float64
}

// Empty reports whether no channel or series is set.
func (s Signals) Empty() bool {
	return len(s.Channels) == 0 && len(s.Series) == 0
}

func (s Signals) clone() Signals {
	out := Signals{Channels: maps.Clone(s.Channels)}
	if s.Series != nil {
		out.Series = make(map[string][]float64, len(s.Series))
		for k, v := range s.Series {
			out.Series[k] = slices.Clone(v)
		}
	}
	return out
}

// MarshalJSON flattens channels and series into one object.
func (s Signals) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(s.Channels)+len(s.Series))
	for k, v := range s.Channels {
		flat[k] = v
	}
	for k, v := range s.Series {
		flat[k] = v
	}
	return json.Marshal(flat)
}

// UnmarshalJSON splits a flat object back into channels (numbers) and series (arrays).
func (s *Signals) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	*s = Signals{}
	for k, raw := range flat {
		var n float64
		if err := json.Unmarshal(raw, &n); err == nil {
			if s.Channels == nil {
				s.Channels = make(map[string]float64)
			}
			s.Channels[k] = n
			continue
		}
		var series []float64
		if err := json.Unmarshal(raw, &series); err != nil {
			return err
		}
		if s.Series == nil {
			s.Series = make(map[string][]float64)
		}
		s.Series[k] = series
	}
	return nil
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	if r.ObservedAtSeconds != nil {
		ts := *r.ObservedAtSeconds
		out.ObservedAtSeconds = &ts
	}
	out.Fields = maps.Clone(r.Fields)
	out.Metrics = maps.Clone(r.Metrics)
	out.Signals = r.Signals.clone()
	out.Extras = maps.Clone(r.Extras)
	return out
}

// Projection is the sanitized view of a record handed to real-time subscribers
// and read APIs. It never carries extras or the internal record id.
type Projection struct {
	DeviceID          string             `json:"deviceId"`
	ObservedAtSeconds *int64             `json:"observedAtSeconds,omitempty"`
	ReceivedAt        time.Time          `json:"receivedAt"`
	Fields            map[string]float64 `json:"fields"`
	Metrics           map[string]float64 `json:"metrics"`
	Signals           Signals            `json:"signals"`
}

// Sanitized builds the subscriber-facing projection of r.
func (r Record) Sanitized() Projection {
	c := r.Clone()
	p := Projection{
		DeviceID:          c.DeviceID,
		ObservedAtSeconds: c.ObservedAtSeconds,
		ReceivedAt:        c.ReceivedAt,
		Fields:            c.Fields,
		Metrics:           c.Metrics,
		Signals:           c.Signals,
	}
	if p.Fields == nil {
		p.Fields = map[string]float64{}
	}
	if p.Metrics == nil {
		p.Metrics = map[string]float64{}
	}
	return p
}
