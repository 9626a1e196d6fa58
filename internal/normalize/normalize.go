// Package normalize turns raw transport payloads into canonical telemetry records.
//
// Three encodings are accepted: abbreviated JSON keyed by short codes, tagged
// comma-separated lines (bare or inside an object's "line"/"lines"), and
// structured vendor JSON with nested metrics and signals. Normalization is a
// pure function of its inputs.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"vitals-ingest/internal/telemetry"
)

// ErrUnparsable is returned for payloads that match none of the encodings.
var ErrUnparsable = errors.New("unparsable payload")

// Normalize parses payload into a record for deviceID. The record has no ID;
// one is assigned when it is committed.
func Normalize(deviceID string, payload []byte, receivedAt time.Time) (telemetry.Record, error) {
	b := newBuilder()

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return telemetry.Record{}, ErrUnparsable
	}

	switch trimmed[0] {
	case '{':
		obj, err := decodeObject(trimmed)
		if err != nil {
			return telemetry.Record{}, errors.Join(ErrUnparsable, err)
		}
		b.object(obj)
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return telemetry.Record{}, errors.Join(ErrUnparsable, err)
		}
		if !looksLikeTaggedLine(s) || !b.text(s) {
			return telemetry.Record{}, ErrUnparsable
		}
	case '[':
		var items []string
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return telemetry.Record{}, errors.Join(ErrUnparsable, err)
		}
		parsed := false
		for _, item := range items {
			if b.text(item) {
				parsed = true
			}
		}
		if !parsed {
			return telemetry.Record{}, ErrUnparsable
		}
	default:
		s := string(trimmed)
		if !looksLikeTaggedLine(s) || !b.text(s) {
			return telemetry.Record{}, ErrUnparsable
		}
	}

	return b.record(deviceID, receivedAt), nil
}

func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after object")
	}
	return obj, nil
}

type builder struct {
	observedAt *int64
	fields     map[string]float64
	metrics    map[string]float64
	channels   map[string]float64
	series     map[string][]float64
	extras     map[string]any
}

func newBuilder() *builder {
	return &builder{
		fields:   map[string]float64{},
		metrics:  map[string]float64{},
		channels: map[string]float64{},
		series:   map[string][]float64{},
		extras:   map[string]any{},
	}
}

func (b *builder) field(name string, v float64)   { b.fields[name] = v }
func (b *builder) metric(name string, v float64)  { b.metrics[name] = v }
func (b *builder) channel(name string, v float64) { b.channels[name] = v }

func (b *builder) appendSeries(name string, v []float64) {
	b.series[name] = append(b.series[name], v...)
}

func (b *builder) extra(key string, v any) { b.extras[key] = plain(v) }

func (b *builder) keepLine(line string) {
	kept, _ := b.extras["lines"].([]any)
	b.extras["lines"] = append(kept, line)
}

// numberInto coerces raw and hands it to set; invalid values land in extras
// under name.
func (b *builder) numberInto(set func(string, float64), name string, raw any) {
	n, kind := coerceNumber(raw)
	switch kind {
	case valueNumber:
		set(name, n)
	case valueInvalid:
		b.extra(name, raw)
	}
}

func (b *builder) timestamp(key string, raw any, scale float64) bool {
	n, kind := coerceNumber(raw)
	switch kind {
	case valueAbsent:
		return false
	case valueNumber:
		if ts, ok := seconds(n / scale); ok {
			b.observedAt = &ts
			return true
		}
	}
	b.extra(key, raw)
	return false
}

// text parses one or more newline-separated tagged lines. It reports whether
// any non-blank line was seen.
func (b *builder) text(s string) bool {
	seen := false
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		seen = true
		parseLine(b, strings.TrimRight(line, "\r"))
	}
	return seen
}

func (b *builder) object(obj map[string]any) {
	if v, ok := obj["line"]; ok {
		if s, isString := v.(string); isString {
			b.text(s)
		} else {
			b.extra("line", v)
		}
	}
	if v, ok := obj["lines"]; ok {
		items, isList := v.([]any)
		if !isList {
			b.extra("lines", v)
		}
		for _, item := range items {
			if s, isString := item.(string); isString {
				b.text(s)
			} else {
				b.keepLine(toLine(item))
			}
		}
	}

	if hasAbbreviatedKey(obj) {
		b.abbreviated(obj)
		return
	}
	b.vendor(obj)
}

func (b *builder) abbreviated(obj map[string]any) {
	var millis any
	for key, v := range obj {
		if key == "line" || key == "lines" {
			continue
		}
		name, ok := abbreviatedCodes[key]
		if !ok {
			b.extra(key, v)
			continue
		}
		if name == FieldTimestampSeconds {
			b.timestamp(key, v, 1)
			continue
		}
		if key == "TS_ms" {
			millis = v
		}
		n, kind := coerceNumber(v)
		switch kind {
		case valueNumber:
			b.field(name, n)
		case valueInvalid:
			b.extra(key, v)
		}
	}
	if b.observedAt == nil && millis != nil {
		if n, kind := coerceNumber(millis); kind == valueNumber {
			if ts, ok := seconds(n / 1000); ok {
				b.observedAt = &ts
			}
		}
	}
}

func (b *builder) vendor(obj map[string]any) {
	for key, v := range obj {
		switch {
		case key == "line" || key == "lines":
		case key == "metrics":
			b.vendorMetrics(v)
		case key == "signals":
			b.vendorSignals(v)
		case key == FieldTimestampSeconds || key == "observedAtSeconds":
			b.timestamp(key, v, 1)
		case canonicalFields[key]:
			b.numberInto(b.field, key, v)
		default:
			b.extra(key, v)
		}
	}
}

func (b *builder) vendorMetrics(v any) {
	obj, ok := v.(map[string]any)
	if !ok {
		if v != nil {
			b.extra("metrics", v)
		}
		return
	}
	rest := map[string]any{}
	for name, raw := range obj {
		n, kind := coerceNumber(raw)
		switch kind {
		case valueNumber:
			b.metric(name, n)
		case valueInvalid:
			rest[name] = raw
		}
	}
	if len(rest) > 0 {
		b.extra("metrics", rest)
	}
}

func (b *builder) vendorSignals(v any) {
	obj, ok := v.(map[string]any)
	if !ok {
		if v != nil {
			b.extra("signals", v)
		}
		return
	}
	rest := map[string]any{}
	for name, raw := range obj {
		if items, isList := raw.([]any); isList {
			if len(items) == 0 {
				continue
			}
			if series, ok := coerceSeries(items); ok {
				b.appendSeries(name, series)
			} else {
				rest[name] = raw
			}
			continue
		}
		n, kind := coerceSignal(raw)
		switch kind {
		case valueNumber:
			b.channel(name, n)
		case valueInvalid:
			rest[name] = raw
		}
	}
	if len(rest) > 0 {
		b.extra("signals", rest)
	}
}

func (b *builder) record(deviceID string, receivedAt time.Time) telemetry.Record {
	rec := telemetry.Record{
		DeviceID:          deviceID,
		ObservedAtSeconds: b.observedAt,
		ReceivedAt:        receivedAt.UTC(),
	}
	if len(b.fields) > 0 {
		rec.Fields = b.fields
	}
	if len(b.metrics) > 0 {
		rec.Metrics = b.metrics
	}
	if len(b.channels) > 0 {
		rec.Signals.Channels = b.channels
	}
	if len(b.series) > 0 {
		rec.Signals.Series = b.series
	}
	if len(b.extras) > 0 {
		rec.Extras = b.extras
	}
	return rec
}

func toLine(v any) string {
	data, err := json.Marshal(plain(v))
	if err != nil {
		return ""
	}
	return string(data)
}
