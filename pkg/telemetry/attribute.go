package telemetry

import (
	"encoding/json"
	"fmt"
	"time"
)

// AttributeKind is the closed set of NGSI-LD attribute kinds. Extraction
// switches over this enum so that adding a new kind is a compile-time change,
// not a new dynamically-keyed branch.
type AttributeKind int

const (
	KindProperty AttributeKind = iota
	KindGeoProperty
	KindRelationship
)

func (k AttributeKind) String() string {
	switch k {
	case KindProperty:
		return "Property"
	case KindGeoProperty:
		return "GeoProperty"
	case KindRelationship:
		return "Relationship"
	default:
		return fmt.Sprintf("AttributeKind(%d)", int(k))
	}
}

// ParseAttributeKind maps the NGSI-LD "type" member to an AttributeKind.
func ParseAttributeKind(s string) (AttributeKind, bool) {
	switch s {
	case "Property":
		return KindProperty, true
	case "GeoProperty":
		return KindGeoProperty, true
	case "Relationship":
		return KindRelationship, true
	default:
		return 0, false
	}
}

// EntityAttribute is one decoded typed attribute of an NGSI-LD entity.
type EntityAttribute struct {
	Kind       AttributeKind
	Value      Value     // Property and GeoProperty
	Object     string    // Relationship target URI
	Unit       string    // Property unitCode, when present
	ObservedAt time.Time // zero when the notification carried none
}

// wireAttribute mirrors the JSON shape of a typed attribute on the wire.
type wireAttribute struct {
	Type       string          `json:"type"`
	Value      json.RawMessage `json:"value,omitempty"`
	Object     string          `json:"object,omitempty"`
	UnitCode   string          `json:"unitCode,omitempty"`
	ObservedAt string          `json:"observedAt,omitempty"`
}

// decodeEntityAttribute decodes a raw JSON member into an EntityAttribute.
// The second return is false when the member is not a typed attribute at all
// (e.g. a plain scalar), which callers treat as "not NGSI-LD shaped".
func decodeEntityAttribute(raw json.RawMessage) (EntityAttribute, bool, error) {
	var wire wireAttribute
	if err := json.Unmarshal(raw, &wire); err != nil {
		return EntityAttribute{}, false, nil
	}
	kind, ok := ParseAttributeKind(wire.Type)
	if !ok {
		return EntityAttribute{}, false, nil
	}

	attr := EntityAttribute{Kind: kind, Unit: wire.UnitCode}
	if wire.ObservedAt != "" {
		ts, err := time.Parse(time.RFC3339, wire.ObservedAt)
		if err != nil {
			return EntityAttribute{}, true, fmt.Errorf("bad observedAt %q: %w", wire.ObservedAt, err)
		}
		attr.ObservedAt = ts
	}

	switch kind {
	case KindRelationship:
		if wire.Object == "" {
			return EntityAttribute{}, true, fmt.Errorf("relationship attribute missing object")
		}
		attr.Object = wire.Object
	case KindProperty, KindGeoProperty:
		if len(wire.Value) == 0 {
			return EntityAttribute{}, true, fmt.Errorf("%s attribute missing value", kind)
		}
		var v Value
		if err := v.UnmarshalJSON(wire.Value); err != nil {
			return EntityAttribute{}, true, fmt.Errorf("decoding %s value: %w", kind, err)
		}
		attr.Value = v
	}
	return attr, true, nil
}

// Measurement converts the attribute into the pipeline's measurement shape.
// Relationships carry their target URI as a text value so governance rules
// can filter them like any other attribute.
func (a EntityAttribute) Measurement(name string, fallback time.Time) Measurement {
	observed := a.ObservedAt
	if observed.IsZero() {
		observed = fallback
	}
	value := a.Value
	if a.Kind == KindRelationship {
		value = TextValue(a.Object)
	}
	return Measurement{
		Attribute:  name,
		Value:      value,
		Unit:       a.Unit,
		ObservedAt: observed,
	}
}
