package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNoMeasurements is returned when a well-formed event carries nothing the
// pipeline could persist.
var ErrNoMeasurements = errors.New("event contains no extractable measurements")

// Keys that are entity metadata, never attributes.
var reservedEntityKeys = map[string]struct{}{
	"id":       {},
	"type":     {},
	"@context": {},
	"scope":    {},
}

// Keys that are submission metadata in the flat telemetry shape.
var reservedFlatKeys = map[string]struct{}{
	"deviceId":   {},
	"deviceType": {},
	"observedAt": {},
	"timestamp":  {},
}

// Extract pulls a Reading out of a raw event payload. Two shapes are
// supported: an NGSI-LD entity (typed attributes keyed beside id/type) and a
// flat telemetry object (attribute name to bare value). The entity shape is
// tried first; a payload with id, type and at least one typed attribute is
// treated as an entity.
func Extract(payload []byte, now time.Time) (Reading, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(payload, &members); err != nil {
		return Reading{}, fmt.Errorf("event is not a JSON object: %w", err)
	}

	if looksLikeEntity(members) {
		return extractEntity(members, now)
	}
	return extractFlat(members, now)
}

func looksLikeEntity(members map[string]json.RawMessage) bool {
	if _, ok := members["id"]; !ok {
		return false
	}
	if _, ok := members["type"]; !ok {
		return false
	}
	for key, raw := range members {
		if _, reserved := reservedEntityKeys[key]; reserved {
			continue
		}
		if _, typed, _ := decodeEntityAttribute(raw); typed {
			return true
		}
	}
	return false
}

// extractEntity decodes an NGSI-LD entity into a Reading. The device ID is
// the last segment of the entity URN, so "urn:ngsi-ld:AgriSensor:sensor-7"
// and a bare "sensor-7" resolve to the same device.
func extractEntity(members map[string]json.RawMessage, now time.Time) (Reading, error) {
	var entityID, entityType string
	if err := json.Unmarshal(members["id"], &entityID); err != nil || entityID == "" {
		return Reading{}, fmt.Errorf("entity has no usable id")
	}
	if err := json.Unmarshal(members["type"], &entityType); err != nil || entityType == "" {
		return Reading{}, fmt.Errorf("entity %s has no usable type", entityID)
	}

	reading := Reading{
		DeviceID:   DeviceIDFromEntityID(entityID),
		DeviceType: entityType,
	}

	for _, key := range sortedKeys(members) {
		if _, reserved := reservedEntityKeys[key]; reserved {
			continue
		}
		attr, typed, err := decodeEntityAttribute(members[key])
		if err != nil {
			return Reading{}, fmt.Errorf("attribute %q: %w", key, err)
		}
		if !typed {
			// Untyped members on an entity payload are metadata, not readings.
			continue
		}
		reading.Set = append(reading.Set, attr.Measurement(key, now))
	}

	if len(reading.Set) == 0 {
		return Reading{}, ErrNoMeasurements
	}
	return reading, nil
}

// extractFlat decodes the flat telemetry shape: deviceId/deviceType metadata
// plus attribute→value members. A member may also be an object of the form
// {"value": ..., "unit": ..., "observedAt": ...}.
func extractFlat(members map[string]json.RawMessage, now time.Time) (Reading, error) {
	reading := Reading{}
	if raw, ok := members["deviceId"]; ok {
		_ = json.Unmarshal(raw, &reading.DeviceID)
	}
	if raw, ok := members["deviceType"]; ok {
		_ = json.Unmarshal(raw, &reading.DeviceType)
	}
	if reading.DeviceID == "" {
		return Reading{}, fmt.Errorf("flat event missing deviceId")
	}

	observed := now
	for _, key := range []string{"observedAt", "timestamp"} {
		if raw, ok := members[key]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				if ts, err := time.Parse(time.RFC3339, s); err == nil {
					observed = ts
				}
			}
		}
	}

	for _, key := range sortedKeys(members) {
		if _, reserved := reservedFlatKeys[key]; reserved {
			continue
		}
		m, ok, err := decodeFlatMember(key, members[key], observed)
		if err != nil {
			return Reading{}, fmt.Errorf("attribute %q: %w", key, err)
		}
		if ok {
			reading.Set = append(reading.Set, m)
		}
	}

	if len(reading.Set) == 0 {
		return Reading{}, ErrNoMeasurements
	}
	return reading, nil
}

func decodeFlatMember(key string, raw json.RawMessage, observed time.Time) (Measurement, bool, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return Measurement{}, false, nil
	}

	// Structured member: {"value": ..., "unit": ..., "observedAt": ...}.
	if trimmed[0] == '{' {
		var wrapped struct {
			Value      json.RawMessage `json:"value"`
			Unit       string          `json:"unit"`
			ObservedAt string          `json:"observedAt"`
		}
		if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Value) > 0 {
			var v Value
			if err := v.UnmarshalJSON(wrapped.Value); err != nil {
				return Measurement{}, false, err
			}
			m := Measurement{Attribute: key, Value: v, Unit: wrapped.Unit, ObservedAt: observed}
			if wrapped.ObservedAt != "" {
				if ts, err := time.Parse(time.RFC3339, wrapped.ObservedAt); err == nil {
					m.ObservedAt = ts
				}
			}
			return m, true, nil
		}
	}

	var v Value
	if err := v.UnmarshalJSON(raw); err != nil {
		return Measurement{}, false, err
	}
	return Measurement{Attribute: key, Value: v, ObservedAt: observed}, true, nil
}

// DeviceIDFromEntityID strips the URN prefix from an NGSI-LD entity ID.
func DeviceIDFromEntityID(entityID string) string {
	if idx := strings.LastIndex(entityID, ":"); idx >= 0 {
		return entityID[idx+1:]
	}
	return entityID
}

func sortedKeys(members map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
