package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"edgecam/internal/pipeline"
)

// CreationTimeLayout is the sortable timestamp attached to telemetry
const CreationTimeLayout = "2006-01-02T15:04:05"

// MessagePublisher sends a payload to a topic
type MessagePublisher interface {
	Publish(topic string, payload []byte) error
}

// MQTTTelemetry emits each tally as a flat JSON object on
// "<prefix>/telemetry/creation-time-utc=<timestamp>"
type MQTTTelemetry struct {
	client MessagePublisher
	prefix string
}

// NewMQTTTelemetry creates a telemetry sink over an MQTT connection
func NewMQTTTelemetry(client MessagePublisher, prefix string) *MQTTTelemetry {
	return &MQTTTelemetry{client: client, prefix: prefix}
}

func (m *MQTTTelemetry) Name() string {
	return "mqtt"
}

// Topic returns the telemetry topic for a record created at ts
func (m *MQTTTelemetry) Topic(ts time.Time) string {
	props := url.Values{}
	props.Set("creation-time-utc", ts.UTC().Format(CreationTimeLayout))
	return m.prefix + "/telemetry/" + props.Encode()
}

// Emit implements pipeline.TelemetrySink
func (m *MQTTTelemetry) Emit(ctx context.Context, tally pipeline.Tally, timestamp time.Time) error {
	if tally == nil {
		tally = pipeline.Tally{}
	}
	payload, err := json.Marshal(tally)
	if err != nil {
		return fmt.Errorf("failed to encode tally: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.client.Publish(m.Topic(timestamp), payload) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ pipeline.TelemetrySink = (*MQTTTelemetry)(nil)
