package normalize

import (
	"regexp"
	"strings"
)

var tagRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// hrvMetrics is the positional layout of an HRV_DATA line.
var hrvMetrics = []string{
	"mean_rr", "sdnn", "rmssd", "pnn50", "hr_median", "rr_tri_index", "tin_rmssd",
	"sd1", "sd2", "lf", "hf", "lfhf", "sample_entropy", "sd1sd2", "sns_index", "pns_index",
}

// lineSchema applies the values following a tag to the record under
// construction. It returns false when the line does not fit the schema.
type lineSchema func(b *builder, values []string) bool

var lineSchemas = map[string]lineSchema{
	"HRV_DATA": parseHRV,
	"TEMP_HUM": positionalFields("temperature", "humidity"),
	"HR":       positionalFields("heartRate"),
	"RES":      positionalFields("respiration"),
	"STRESS":   positionalFields("stress"),
	"MOTION":   flagSignal("motion"),
	"PRESENCE": flagSignal("presence"),
	"ACT":      numericSignal("activity"),
	"ACTIVITY": numericSignal("activity"),
	"BAT":      numericSignal("battery"),
	"MIC":      numericSignal("mic"),
	"RR":       parseRR,
}

// Tags returns the tags that have a positional schema.
func Tags() []string {
	out := make([]string, 0, len(lineSchemas))
	for tag := range lineSchemas {
		out = append(out, tag)
	}
	return out
}

func parseLine(b *builder, line string) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	schema, ok := lineSchemas[strings.ToUpper(parts[0])]
	if !ok || !schema(b, parts[1:]) {
		b.keepLine(line)
	}
}

func looksLikeTaggedLine(s string) bool {
	first, _, _ := strings.Cut(strings.TrimSpace(s), ",")
	return tagRe.MatchString(strings.TrimSpace(first))
}

func positionalFields(names ...string) lineSchema {
	return func(b *builder, values []string) bool {
		if len(values) == 0 {
			return false
		}
		for i, name := range names {
			if i >= len(values) {
				break
			}
			b.numberInto(b.field, name, values[i])
		}
		return true
	}
}

func parseHRV(b *builder, values []string) bool {
	if len(values) < len(hrvMetrics) {
		return false
	}
	for i, name := range hrvMetrics {
		b.numberInto(b.metric, name, values[i])
	}
	if v, ok := b.metrics["rmssd"]; ok {
		b.field("hrv", v)
	}
	if v, ok := b.metrics["hr_median"]; ok {
		b.field("heartRate", v)
	}
	return true
}

func flagSignal(name string) lineSchema {
	return func(b *builder, values []string) bool {
		if len(values) == 0 || values[0] == "" {
			return false
		}
		n, kind := coerceNumber(values[0])
		if kind == valueNumber && n == 1 {
			b.channel(name, 1)
		} else {
			b.channel(name, 0)
		}
		return true
	}
}

func numericSignal(name string) lineSchema {
	return func(b *builder, values []string) bool {
		if len(values) == 0 {
			return false
		}
		b.numberInto(b.channel, name, values[0])
		return true
	}
}

func parseRR(b *builder, values []string) bool {
	items := make([]any, 0, len(values))
	for _, v := range values {
		if v != "" {
			items = append(items, v)
		}
	}
	series, ok := coerceSeries(items)
	if !ok || len(series) == 0 {
		return false
	}
	b.appendSeries("rrIntervals", series)
	return true
}
