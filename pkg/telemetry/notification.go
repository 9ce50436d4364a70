package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Notification is a decoded batch of entity-change notifications from the
// context broker. Both the current NGSI-LD envelope and the legacy v2-style
// envelope decode to this shape.
type Notification struct {
	SubscriptionID string
	NotifiedAt     time.Time
	Readings       []Reading
}

// DecodeNotification decodes a push notification payload. Three envelope
// shapes are tolerated:
//
//   - current: {"id": ..., "type": "Notification", "subscriptionId": ...,
//     "notifiedAt": ..., "data": [entity, ...]}
//   - legacy:  {"subscriptionId": ..., "data": [entity, ...]}
//   - bare:    [entity, ...]
//
// Entities without a single extractable measurement are skipped rather than
// failing the whole batch; a notification where every entity is empty is an
// error.
func DecodeNotification(payload []byte, now time.Time) (Notification, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return Notification{}, fmt.Errorf("empty notification payload")
	}

	var entities []json.RawMessage
	note := Notification{NotifiedAt: now}

	if trimmed[0] == '[' {
		if err := json.Unmarshal(payload, &entities); err != nil {
			return Notification{}, fmt.Errorf("decoding notification array: %w", err)
		}
	} else {
		var envelope struct {
			SubscriptionID string            `json:"subscriptionId"`
			NotifiedAt     string            `json:"notifiedAt"`
			Data           []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return Notification{}, fmt.Errorf("decoding notification envelope: %w", err)
		}
		if len(envelope.Data) == 0 {
			return Notification{}, fmt.Errorf("notification envelope has no data entities")
		}
		note.SubscriptionID = envelope.SubscriptionID
		if envelope.NotifiedAt != "" {
			if ts, err := time.Parse(time.RFC3339, envelope.NotifiedAt); err == nil {
				note.NotifiedAt = ts
			}
		}
		entities = envelope.Data
	}

	for _, raw := range entities {
		reading, err := Extract(raw, note.NotifiedAt)
		if err != nil {
			// One unusable entity must not poison the rest of the batch.
			continue
		}
		note.Readings = append(note.Readings, reading)
	}

	if len(note.Readings) == 0 {
		return Notification{}, ErrNoMeasurements
	}
	return note, nil
}
