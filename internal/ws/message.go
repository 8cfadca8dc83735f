package ws

import (
	"time"

	"edgecam/internal/pipeline"
)

// CycleMessage is broadcast for every finished cycle
type CycleMessage struct {
	Type        string               `json:"type"` // "cycle"
	ID          string               `json:"id"`
	StartedAt   time.Time            `json:"started_at"`
	DurationMs  int64                `json:"duration_ms"`
	Interesting bool                 `json:"interesting"`
	Tally       pipeline.Tally       `json:"tally"`
	Detections  []pipeline.Detection `json:"detections"`
	Stage       string               `json:"stage,omitempty"`
	Error       string               `json:"error,omitempty"`
	PublishErr  string               `json:"publish_error,omitempty"`
}

// NewCycleMessage converts a cycle result
func NewCycleMessage(r *pipeline.CycleResult) *CycleMessage {
	msg := &CycleMessage{
		Type:        "cycle",
		ID:          r.ID,
		StartedAt:   r.StartedAt,
		DurationMs:  r.Duration.Milliseconds(),
		Interesting: r.Interesting,
		Tally:       r.Tally,
		Detections:  r.Detections,
	}
	if msg.Tally == nil {
		msg.Tally = pipeline.Tally{}
	}
	if msg.Detections == nil {
		msg.Detections = []pipeline.Detection{}
	}
	if r.Err != nil {
		msg.Stage = string(r.Stage)
		msg.Error = r.Err.Error()
	}
	if r.PublishErr != nil {
		msg.PublishErr = r.PublishErr.Error()
	}
	return msg
}
