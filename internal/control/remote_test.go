package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"edgecam/internal/pipeline"
	"edgecam/internal/scheduler"
)

type fakeScheduler struct {
	mu             sync.Mutex
	cfg            pipeline.CycleConfig
	running        bool
	busy           bool
	startErr       error
	reconfigureErr error
	reconfigures   int
	triggers       int
}

func newFakeScheduler(due, period time.Duration) *fakeScheduler {
	cfg := pipeline.DefaultCycleConfig()
	cfg.Schedule = pipeline.Schedule{Due: due, Period: period}
	return &fakeScheduler{cfg: cfg}
}

func (f *fakeScheduler) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeScheduler) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

func (f *fakeScheduler) Trigger() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return false
	}
	f.triggers++
	return true
}

func (f *fakeScheduler) Reconfigure(cfg pipeline.CycleConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reconfigureErr != nil {
		return f.reconfigureErr
	}
	f.reconfigures++
	f.cfg = cfg
	return nil
}

func (f *fakeScheduler) Config() pipeline.CycleConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.Clone()
}

func (f *fakeScheduler) State() scheduler.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return scheduler.State{Running: f.running, Busy: f.busy, Config: f.cfg.Clone()}
}

func newRemote(t *testing.T, s Scheduler) *RemoteControl {
	t.Helper()
	return New(s, zaptest.NewLogger(t).Sugar())
}

func strptr(s string) *string { return &s }

func TestStartStopTimer(t *testing.T) {
	s := newFakeScheduler(time.Second, time.Minute)
	rc := newRemote(t, s)

	require.NoError(t, rc.StartTimer())
	assert.True(t, s.State().Running)

	require.NoError(t, rc.StopTimer())
	assert.False(t, s.State().Running)
	assert.Zero(t, s.reconfigures, "start/stop must not touch config")
}

func TestSetSchedule(t *testing.T) {
	t.Run("applies valid schedule", func(t *testing.T) {
		s := newFakeScheduler(time.Second, time.Minute)
		rc := newRemote(t, s)

		applied, err := rc.SetSchedule(2*time.Second, 10*time.Second)

		require.NoError(t, err)
		assert.Equal(t, pipeline.Schedule{Due: 2 * time.Second, Period: 10 * time.Second}, applied)
		assert.Equal(t, applied, s.Config().Schedule)
	})

	t.Run("rejects negative due", func(t *testing.T) {
		s := newFakeScheduler(time.Second, time.Minute)
		rc := newRemote(t, s)

		_, err := rc.SetSchedule(-time.Second, 10*time.Second)

		var ce *ConfigError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "due", ce.Field)
		assert.ErrorIs(t, err, scheduler.ErrInvalidSchedule)
		assert.Equal(t, pipeline.Schedule{Due: time.Second, Period: time.Minute}, s.Config().Schedule)
		assert.Zero(t, s.reconfigures)
	})

	t.Run("rejects negative period", func(t *testing.T) {
		s := newFakeScheduler(time.Second, time.Minute)
		rc := newRemote(t, s)

		_, err := rc.SetSchedule(time.Second, -time.Second)

		var ce *ConfigError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "period", ce.Field)
	})

	t.Run("surfaces timer rejection", func(t *testing.T) {
		s := newFakeScheduler(time.Second, time.Minute)
		s.reconfigureErr = errors.New("timer refused")
		rc := newRemote(t, s)

		_, err := rc.SetSchedule(time.Second, time.Second)

		assert.Error(t, err)
		assert.Equal(t, http.StatusInternalServerError, StatusFor(err))
	})
}

func TestApplyDesiredState(t *testing.T) {
	t.Run("merges partial update", func(t *testing.T) {
		s := newFakeScheduler(5*time.Second, 30*time.Second)
		rc := newRemote(t, s)

		got, err := rc.ApplyDesiredState(DesiredState{Period: strptr("10s")})

		require.NoError(t, err)
		assert.Equal(t, ReportedState{Due: "5s", Period: "10s"}, got)
		assert.Equal(t, pipeline.Schedule{Due: 5 * time.Second, Period: 10 * time.Second}, s.Config().Schedule)
	})

	t.Run("applies both fields", func(t *testing.T) {
		rc := newRemote(t, newFakeScheduler(5*time.Second, 30*time.Second))

		got, err := rc.ApplyDesiredState(DesiredState{Due: strptr("2s"), Period: strptr("00:00:10")})

		require.NoError(t, err)
		assert.Equal(t, ReportedState{Due: "2s", Period: "10s"}, got)
	})

	t.Run("empty update reports current values", func(t *testing.T) {
		rc := newRemote(t, newFakeScheduler(5*time.Second, 30*time.Second))

		got, err := rc.ApplyDesiredState(DesiredState{})

		require.NoError(t, err)
		assert.Equal(t, ReportedState{Due: "5s", Period: "30s"}, got)
	})

	t.Run("unparseable value names the field", func(t *testing.T) {
		s := newFakeScheduler(5*time.Second, 30*time.Second)
		rc := newRemote(t, s)

		_, err := rc.ApplyDesiredState(DesiredState{Due: strptr("1s"), Period: strptr("often")})

		var ce *ConfigError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "period", ce.Field)
		assert.Equal(t, "often", ce.Value)
		assert.Equal(t, pipeline.Schedule{Due: 5 * time.Second, Period: 30 * time.Second}, s.Config().Schedule)
	})

	t.Run("negative value rejected", func(t *testing.T) {
		s := newFakeScheduler(5*time.Second, 30*time.Second)
		rc := newRemote(t, s)

		_, err := rc.ApplyDesiredState(DesiredState{Due: strptr("-1s")})

		assert.Equal(t, http.StatusBadRequest, StatusFor(err))
		assert.Equal(t, 5*time.Second, s.Config().Schedule.Due)
	})
}

func TestReplaceConfig(t *testing.T) {
	s := newFakeScheduler(time.Second, time.Minute)
	rc := newRemote(t, s)

	cfg := pipeline.DefaultCycleConfig()
	cfg.ScoreThreshold = 0.8
	require.NoError(t, rc.ReplaceConfig(cfg))
	assert.Equal(t, 0.8, s.Config().ScoreThreshold)

	cfg.Schedule.Period = -time.Second
	var ce *ConfigError
	assert.ErrorAs(t, rc.ReplaceConfig(cfg), &ce)
}

func TestInvoke(t *testing.T) {
	ctx := context.Background()

	t.Run("timer start and stop", func(t *testing.T) {
		s := newFakeScheduler(time.Second, time.Minute)
		rc := newRemote(t, s)

		code, _ := rc.Invoke(ctx, MethodTimerStart, nil)
		assert.Equal(t, http.StatusOK, code)
		assert.True(t, s.State().Running)

		code, _ = rc.Invoke(ctx, MethodTimerStop, nil)
		assert.Equal(t, http.StatusOK, code)
		assert.False(t, s.State().Running)
	})

	t.Run("timer start failure", func(t *testing.T) {
		s := newFakeScheduler(time.Second, time.Minute)
		s.startErr = errors.New("closed")
		rc := newRemote(t, s)

		code, body := rc.Invoke(ctx, MethodTimerStart, nil)
		assert.Equal(t, http.StatusInternalServerError, code)
		assert.Contains(t, string(body), "closed")
	})

	t.Run("run now while busy", func(t *testing.T) {
		s := newFakeScheduler(time.Second, time.Minute)
		s.busy = true
		rc := newRemote(t, s)

		code, _ := rc.Invoke(ctx, MethodTimerRun, nil)
		assert.Equal(t, http.StatusConflict, code)
	})

	t.Run("set schedule", func(t *testing.T) {
		rc := newRemote(t, newFakeScheduler(time.Second, time.Minute))

		code, body := rc.Invoke(ctx, MethodSetSchedule, []byte(`{"due":"2s","period":"10s"}`))

		assert.Equal(t, http.StatusOK, code)
		assert.JSONEq(t, `{"due":"2s","period":"10s"}`, string(body))
	})

	t.Run("set schedule bad payload", func(t *testing.T) {
		rc := newRemote(t, newFakeScheduler(time.Second, time.Minute))

		code, _ := rc.Invoke(ctx, MethodSetSchedule, []byte(`{`))
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("status", func(t *testing.T) {
		rc := newRemote(t, newFakeScheduler(time.Second, time.Minute))

		code, body := rc.Invoke(ctx, MethodStatus, nil)

		require.Equal(t, http.StatusOK, code)
		var st Status
		require.NoError(t, json.Unmarshal(body, &st))
		assert.Equal(t, "1s", st.Due)
		assert.Equal(t, "1m0s", st.Period)
		assert.Equal(t, []string{}, st.LabelsOfInterest)
	})

	t.Run("unknown method", func(t *testing.T) {
		rc := newRemote(t, newFakeScheduler(time.Second, time.Minute))

		code, _ := rc.Invoke(ctx, "Reboot", nil)
		assert.Equal(t, http.StatusNotFound, code)
	})
}

func TestProperties(t *testing.T) {
	rc := newRemote(t, newFakeScheduler(time.Second, time.Minute))

	props := rc.Properties("1.2.3")

	assert.Equal(t, "1.2.3", props.ApplicationVersion)
	assert.NotEmpty(t, props.OSVersion)
	assert.NotEmpty(t, props.MachineName)
	assert.Equal(t, "1m0s", props.Period)
}
