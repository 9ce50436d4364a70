// Package broker is the client side of the external shared-state endpoint:
// an NGSI-LD context broker holding the current live view of each entity.
// The pipeline patches entity attributes after every durable commit; a push
// failure is logged by callers and never rolls the commit back.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-iot/floodgate/pkg/telemetry"
)

const tenantHeader = "NGSILD-Tenant"

// EntityID derives the synthetic entity identifier for a device. It is
// deterministic so the direct and queued paths always address the same
// entity.
func EntityID(entityType, tenantID, deviceID string) string {
	return fmt.Sprintf("urn:ngsi-ld:%s:%s:%s", entityType, tenantID, deviceID)
}

// Config holds the broker endpoint configuration.
type Config struct {
	// BaseURL is the broker root, e.g. "http://orion:1026".
	BaseURL string
	// Timeout bounds each PATCH call.
	Timeout time.Duration
}

// Client pushes partial attribute updates to the broker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a broker client. A nil httpClient gets a default client
// with the configured timeout.
func NewClient(cfg *Config, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With().Str("component", "BrokerClient").Logger(),
	}
}

// PushMeasurements PATCHes the entity's attributes with the given
// measurement set. Numeric and text measurements become Property attributes,
// geometries become GeoProperty attributes.
func (c *Client) PushMeasurements(ctx context.Context, tenantID, entityID string, set telemetry.MeasurementSet) error {
	if len(set) == 0 {
		return nil
	}

	fragment := AttributeFragment(set)
	body, err := json.Marshal(fragment)
	if err != nil {
		return fmt.Errorf("encoding attribute fragment for %s: %w", entityID, err)
	}

	url := fmt.Sprintf("%s/ngsi-ld/v1/entities/%s/attrs", c.baseURL, entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building broker request for %s: %w", entityID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(tenantHeader, tenantID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("patching entity %s: %w", entityID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("broker rejected update for %s: status %d: %s", entityID, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	c.logger.Debug().Str("entity_id", entityID).Int("attributes", len(set)).
		Msg("Pushed attribute update to broker")
	return nil
}

// AttributeFragment builds the NGSI-LD attribute fragment for a measurement
// set. If an attribute appears more than once, the last measurement wins,
// matching the broker's own last-write semantics.
func AttributeFragment(set telemetry.MeasurementSet) map[string]any {
	fragment := make(map[string]any, len(set))
	for _, m := range set {
		attr := map[string]any{}
		if m.Value.Kind == telemetry.ValueGeometry {
			attr["type"] = telemetry.KindGeoProperty.String()
		} else {
			attr["type"] = telemetry.KindProperty.String()
		}
		attr["value"] = m.Value.Raw()
		if m.Unit != "" {
			attr["unitCode"] = m.Unit
		}
		if !m.ObservedAt.IsZero() {
			attr["observedAt"] = m.ObservedAt.UTC().Format(time.RFC3339)
		}
		fragment[m.Attribute] = attr
	}
	return fragment
}
