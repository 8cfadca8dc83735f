// Package control exposes the scheduler to remote operators: start and stop
// the timer, change the schedule and apply partial desired-state updates.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"edgecam/internal/pipeline"
	"edgecam/internal/scheduler"
)

// Command method names accepted by Invoke
const (
	MethodTimerStart  = "TimerStart"
	MethodTimerStop   = "TimerStop"
	MethodTimerRun    = "TimerRun"
	MethodStatus      = "Status"
	MethodSetSchedule = "SetSchedule"
)

// ConfigError reports an invalid configuration value. The previous
// configuration is left untouched.
type ConfigError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Scheduler is the part of the cycle scheduler driven remotely
type Scheduler interface {
	Start() error
	Stop() error
	Trigger() bool
	Reconfigure(cfg pipeline.CycleConfig) error
	Config() pipeline.CycleConfig
	State() scheduler.State
}

// DesiredState is a partial update; nil fields are left unchanged
type DesiredState struct {
	Due    *string `json:"due,omitempty"`
	Period *string `json:"period,omitempty"`
}

// ReportedState is the effective schedule after an update
type ReportedState struct {
	Due    string `json:"due"`
	Period string `json:"period"`
}

// Status is the operator-facing view of the daemon
type Status struct {
	Running          bool      `json:"running"`
	Busy             bool      `json:"busy"`
	Due              string    `json:"due"`
	Period           string    `json:"period"`
	Overrun          string    `json:"overrun"`
	ScoreThreshold   float64   `json:"score_threshold"`
	LabelsOfInterest []string  `json:"labels_of_interest"`
	LabelsMinimum    []string  `json:"labels_minimum"`
	NextRun          time.Time `json:"next_run,omitempty"`
	Cycles           uint64    `json:"cycles"`
	Skipped          uint64    `json:"skipped"`
	LastStartedAt    time.Time `json:"last_started_at,omitempty"`
	LastDuration     string    `json:"last_duration"`
	LastError        string    `json:"last_error,omitempty"`
}

// RemoteControl serializes remote commands against the scheduler
type RemoteControl struct {
	scheduler Scheduler
	logger    *zap.SugaredLogger
	mu        sync.Mutex
}

// New creates a RemoteControl
func New(s Scheduler, logger *zap.SugaredLogger) *RemoteControl {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RemoteControl{scheduler: s, logger: logger}
}

// StartTimer arms the scheduler without touching its config
func (rc *RemoteControl) StartTimer() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.logger.Info("Timer start requested")
	return rc.scheduler.Start()
}

// StopTimer disarms the scheduler without touching its config
func (rc *RemoteControl) StopTimer() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.logger.Info("Timer stop requested")
	return rc.scheduler.Stop()
}

// RunNow starts a cycle immediately. It reports false when one is running.
func (rc *RemoteControl) RunNow() bool {
	return rc.scheduler.Trigger()
}

// SetSchedule validates and applies a new due/period pair
func (rc *RemoteControl) SetSchedule(due, period time.Duration) (pipeline.Schedule, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.setScheduleLocked(pipeline.Schedule{Due: due, Period: period})
}

func (rc *RemoteControl) setScheduleLocked(sched pipeline.Schedule) (pipeline.Schedule, error) {
	if sched.Due < 0 {
		return pipeline.Schedule{}, &ConfigError{Field: "due", Value: sched.Due.String(), Err: scheduler.ErrInvalidSchedule}
	}
	if sched.Period < 0 {
		return pipeline.Schedule{}, &ConfigError{Field: "period", Value: sched.Period.String(), Err: scheduler.ErrInvalidSchedule}
	}

	cfg := rc.scheduler.Config()
	cfg.Schedule = sched
	if err := rc.scheduler.Reconfigure(cfg); err != nil {
		return pipeline.Schedule{}, fmt.Errorf("failed to apply schedule: %w", err)
	}
	rc.logger.Infow("Schedule applied", "due", sched.Due, "period", sched.Period)
	return sched, nil
}

// ApplyDesiredState merges a partial update onto the current schedule and
// reports the effective values
func (rc *RemoteControl) ApplyDesiredState(desired DesiredState) (ReportedState, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	sched := rc.scheduler.Config().Schedule
	if desired.Due != nil {
		d, err := pipeline.ParseDuration(*desired.Due)
		if err != nil {
			return ReportedState{}, &ConfigError{Field: "due", Value: *desired.Due, Err: err}
		}
		sched.Due = d
	}
	if desired.Period != nil {
		d, err := pipeline.ParseDuration(*desired.Period)
		if err != nil {
			return ReportedState{}, &ConfigError{Field: "period", Value: *desired.Period, Err: err}
		}
		sched.Period = d
	}

	applied, err := rc.setScheduleLocked(sched)
	if err != nil {
		return ReportedState{}, err
	}
	return reported(applied), nil
}

// ReplaceConfig swaps the whole cycle config, e.g. after a config file reload
func (rc *RemoteControl) ReplaceConfig(cfg pipeline.CycleConfig) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if cfg.Schedule.Due < 0 {
		return &ConfigError{Field: "due", Value: cfg.Schedule.Due.String(), Err: scheduler.ErrInvalidSchedule}
	}
	if cfg.Schedule.Period < 0 {
		return &ConfigError{Field: "period", Value: cfg.Schedule.Period.String(), Err: scheduler.ErrInvalidSchedule}
	}
	if err := rc.scheduler.Reconfigure(cfg); err != nil {
		return fmt.Errorf("failed to apply config: %w", err)
	}
	rc.logger.Info("Cycle config replaced")
	return nil
}

// Reported returns the current schedule in reported form
func (rc *RemoteControl) Reported() ReportedState {
	return reported(rc.scheduler.Config().Schedule)
}

// Status returns the current scheduler state
func (rc *RemoteControl) Status() Status {
	st := rc.scheduler.State()
	cfg := st.Config
	labels := cfg.LabelsOfInterest.Slice()
	if labels == nil {
		labels = []string{}
	}
	minimum := cfg.LabelsMinimum
	if minimum == nil {
		minimum = []string{}
	}
	return Status{
		Running:          st.Running,
		Busy:             st.Busy,
		Due:              cfg.Schedule.Due.String(),
		Period:           cfg.Schedule.Period.String(),
		Overrun:          string(cfg.Overrun),
		ScoreThreshold:   cfg.ScoreThreshold,
		LabelsOfInterest: labels,
		LabelsMinimum:    minimum,
		NextRun:          st.NextRun,
		Cycles:           st.Cycles,
		Skipped:          st.Skipped,
		LastStartedAt:    st.LastStartedAt,
		LastDuration:     st.LastDuration.String(),
		LastError:        st.LastError,
	}
}

// Invoke dispatches a named remote command and returns an HTTP-style status
// code with a JSON body
func (rc *RemoteControl) Invoke(ctx context.Context, method string, payload []byte) (int, []byte) {
	rc.logger.Infow("Remote command received", "method", method)

	switch method {
	case MethodTimerStart:
		if err := rc.StartTimer(); err != nil {
			return errorBody(http.StatusInternalServerError, err)
		}
		return body(http.StatusOK, map[string]string{"status": "started"})

	case MethodTimerStop:
		if err := rc.StopTimer(); err != nil {
			return errorBody(http.StatusInternalServerError, err)
		}
		return body(http.StatusOK, map[string]string{"status": "stopped"})

	case MethodTimerRun:
		if !rc.RunNow() {
			return body(http.StatusConflict, map[string]string{"status": "busy"})
		}
		return body(http.StatusAccepted, map[string]string{"status": "triggered"})

	case MethodStatus:
		return body(http.StatusOK, rc.Status())

	case MethodSetSchedule:
		var desired DesiredState
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &desired); err != nil {
				return errorBody(http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
			}
		}
		applied, err := rc.ApplyDesiredState(desired)
		if err != nil {
			return errorBody(StatusFor(err), err)
		}
		return body(http.StatusOK, applied)

	default:
		return errorBody(http.StatusNotFound, fmt.Errorf("unknown method %q", method))
	}
}

// StatusFor maps a control error to an HTTP-style status code
func StatusFor(err error) int {
	var ce *ConfigError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ce):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func reported(s pipeline.Schedule) ReportedState {
	return ReportedState{Due: s.Due.String(), Period: s.Period.String()}
}

func body(status int, v any) (int, []byte) {
	b, err := json.Marshal(v)
	if err != nil {
		return http.StatusInternalServerError, []byte(`{"error":"encoding failed"}`)
	}
	return status, b
}

func errorBody(status int, err error) (int, []byte) {
	return body(status, map[string]string{"error": err.Error()})
}
