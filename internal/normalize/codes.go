package normalize

import "maps"

// Abbreviated wire codes and the canonical names they map to. The table is the
// single source of truth for the abbreviated JSON encoding; keys outside it are
// kept verbatim in extras.
var abbreviatedCodes = map[string]string{
	"TS":    FieldTimestampSeconds,
	"TS_ms": "timestampMilliseconds",
	"T":     "temperature",
	"H":     "humidity",
	"MS":    "motionStart",
	"MST":   "motionEndReason",
	"AS":    "absenceStart",
	"AST":   "absenceEnd",
	"SS":    "snoringStart",
	"SST":   "snoringStop",
	"SF":    "snoringFrequency",
	"RST":   "respirationStop",
	"RS":    "respirationStart",
	"V":     "voltage",
	"L":     "level",
	"S":     "status",
	"HR":    "heartRate",
	"RE":    "respiration",
	"IA":    "pm10",
	"CO":    "co2",
	"VO":    "voc",
	"ET":    "etoh",
}

// FieldTimestampSeconds is the canonical name of the device clock. It never
// lands in Fields; it becomes Record.ObservedAtSeconds.
const FieldTimestampSeconds = "timestampSeconds"

// canonicalFields are the top-level names accepted from vendor JSON.
var canonicalFields = func() map[string]bool {
	out := make(map[string]bool, len(abbreviatedCodes)+3)
	for _, name := range abbreviatedCodes {
		out[name] = true
	}
	out["stress"] = true
	out["hrv"] = true
	delete(out, FieldTimestampSeconds)
	return out
}()

// CanonicalName returns the canonical field name for an abbreviated code.
func CanonicalName(code string) (string, bool) {
	name, ok := abbreviatedCodes[code]
	return name, ok
}

// Codes returns a copy of the abbreviated code table.
func Codes() map[string]string {
	return maps.Clone(abbreviatedCodes)
}

func hasAbbreviatedKey(obj map[string]any) bool {
	for k := range obj {
		if _, ok := abbreviatedCodes[k]; ok {
			return true
		}
	}
	return false
}
