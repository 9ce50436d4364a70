package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-iot/floodgate/pkg/ingest"
	"github.com/meridian-iot/floodgate/pkg/queue"
	"github.com/meridian-iot/floodgate/pkg/telemetry"
)

const maxBodyBytes = 1 << 20

// newIngestHandler serves the direct ingestion path. The credential travels
// in the X-API-Key header (or an Authorization bearer token) and is digested
// immediately; the raw value is never logged.
func newIngestHandler(pipeline *ingest.Pipeline, logger zerolog.Logger) http.Handler {
	log := logger.With().Str("component", "IngestHandler").Logger()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		credential := r.Header.Get("X-API-Key")
		if credential == "" {
			credential = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if credential == "" {
			http.Error(w, "missing credential", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}

		outcome, err := pipeline.Ingest(r.Context(), body, credential)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]any{
				"deviceId":  outcome.DeviceID,
				"persisted": outcome.Persisted,
				"reason":    outcome.Reason,
			})
		case errors.Is(err, ingest.ErrInvalidCredential):
			http.Error(w, "invalid credential", http.StatusUnauthorized)
		case errors.Is(err, ingest.ErrMalformedEvent):
			http.Error(w, "no extractable measurements", http.StatusBadRequest)
		case errors.Is(err, ingest.ErrStorageFailure):
			http.Error(w, "storage unavailable, retry later", http.StatusServiceUnavailable)
		default:
			log.Error().Err(err).Msg("Unexpected ingest failure")
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	})
}

// newNotificationHandler accepts context-broker push notifications and fans
// each entity out as an ingestion task. The broker identifies the tenant via
// the NGSILD-Tenant header; entities that cannot be decoded are skipped by
// the decoder rather than failing the batch.
func newNotificationHandler(taskQueue queue.TaskQueue, logger zerolog.Logger) http.Handler {
	log := logger.With().Str("component", "NotificationHandler").Logger()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tenantID := r.Header.Get("NGSILD-Tenant")
		if tenantID == "" {
			http.Error(w, "missing NGSILD-Tenant header", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}

		note, err := telemetry.DecodeNotification(body, time.Now().UTC())
		if err != nil {
			http.Error(w, "no usable entities in notification", http.StatusBadRequest)
			return
		}

		enqueued := 0
		for _, reading := range note.Readings {
			task := &queue.Task{
				TenantID:     tenantID,
				DeviceID:     reading.DeviceID,
				DeviceType:   reading.DeviceType,
				Measurements: reading.Set,
			}
			if err := taskQueue.Enqueue(r.Context(), task); err != nil {
				log.Error().Err(err).Str("device_id", reading.DeviceID).Msg("Failed to enqueue notification entity")
				continue
			}
			enqueued++
		}
		if enqueued == 0 {
			http.Error(w, "could not enqueue any entity", http.StatusServiceUnavailable)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"subscriptionId": note.SubscriptionID,
			"entities":       len(note.Readings),
			"enqueued":       enqueued,
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
