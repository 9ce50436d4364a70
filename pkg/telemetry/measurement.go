package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValueKind enumerates the kinds of values a device can report.
type ValueKind int

const (
	ValueNumber ValueKind = iota
	ValueText
	ValueGeometry
)

// Geometry is a GeoJSON geometry object, as reported by GeoProperty attributes.
// Coordinates are kept raw: the pipeline never interprets them, it only
// forwards them to storage and to the context broker.
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Value holds exactly one of a number, a text string, or a geometry.
// Only numeric values participate in delta-threshold comparisons.
type Value struct {
	Kind     ValueKind
	Number   float64
	Text     string
	Geometry *Geometry
}

func NumberValue(n float64) Value    { return Value{Kind: ValueNumber, Number: n} }
func TextValue(s string) Value       { return Value{Kind: ValueText, Text: s} }
func GeometryValue(g Geometry) Value { return Value{Kind: ValueGeometry, Geometry: &g} }

// Float returns the numeric value and whether the value is numeric.
func (v Value) Float() (float64, bool) {
	if v.Kind == ValueNumber {
		return v.Number, true
	}
	return 0, false
}

// Raw returns the value in its natural Go representation, suitable for
// embedding into a JSON payload.
func (v Value) Raw() any {
	switch v.Kind {
	case ValueNumber:
		return v.Number
	case ValueGeometry:
		return v.Geometry
	default:
		return v.Text
	}
}

// MarshalJSON writes the value in its wire-natural shape: a bare number,
// a string, or a geometry object.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Raw())
}

// UnmarshalJSON probes the raw token to decide the value kind. Objects that
// do not look like a geometry, and any other unrecognised token, degrade to
// text so that no reported value is ever lost.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return fmt.Errorf("empty value")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = TextValue(s)
		return nil
	case '{':
		var g Geometry
		if err := json.Unmarshal(data, &g); err == nil && g.Type != "" && len(g.Coordinates) > 0 {
			*v = GeometryValue(g)
			return nil
		}
		*v = TextValue(trimmed)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = TextValue(strconv.FormatBool(b))
		return nil
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			*v = TextValue(trimmed)
			return nil
		}
		*v = NumberValue(n)
		return nil
	}
}

// Measurement is a single reading produced by a device. Immutable once
// created.
type Measurement struct {
	Attribute  string    `json:"attribute"`
	Value      Value     `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// MeasurementSet groups the measurements of one device submission.
type MeasurementSet []Measurement

// Attributes returns the attribute names present in the set, in order.
func (s MeasurementSet) Attributes() []string {
	names := make([]string, 0, len(s))
	for _, m := range s {
		names = append(names, m.Attribute)
	}
	return names
}

// Get returns the measurement for the named attribute, if present.
func (s MeasurementSet) Get(attribute string) (Measurement, bool) {
	for _, m := range s {
		if m.Attribute == attribute {
			return m, true
		}
	}
	return Measurement{}, false
}

// ObservedAt returns the latest observation time in the set, or the zero
// time for an empty set.
func (s MeasurementSet) ObservedAt() time.Time {
	var latest time.Time
	for _, m := range s {
		if m.ObservedAt.After(latest) {
			latest = m.ObservedAt
		}
	}
	return latest
}

// Reading is a device submission: the device identity plus its measurements.
type Reading struct {
	DeviceID   string         `json:"deviceId"`
	DeviceType string         `json:"deviceType"`
	Set        MeasurementSet `json:"measurements"`
}
