package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgecam/internal/pipeline"
)

func TestOnCycleResult(t *testing.T) {
	m := New()
	started := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	m.OnCycleResult(&pipeline.CycleResult{
		StartedAt:   started,
		Duration:    time.Second,
		Tally:       pipeline.Tally{"dog": 2, "cat": 0},
		Interesting: true,
		Stage:       pipeline.StagePublish,
	})
	m.OnCycleResult(&pipeline.CycleResult{
		Duration: 100 * time.Millisecond,
		Stage:    pipeline.StageDetect,
		Err:      errors.New("detector down"),
	})
	m.OnCycleResult(&pipeline.CycleResult{Stage: pipeline.StagePublish})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("interesting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageErrors.WithLabelValues("detect")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.detections.WithLabelValues("dog")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.detections), "zero counts are not recorded")
	assert.Equal(t, int64(started.Unix()), m.lastInteresting.Load())
}

func TestObservers(t *testing.T) {
	m := New()

	m.CycleSkipped()
	m.CycleSkipped()
	m.PublishFailed("blob")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.skipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishErrors.WithLabelValues("blob")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.CycleSkipped()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "edgecam_cycles_skipped_total 1")
	assert.Contains(t, string(body), "edgecam_last_interesting_timestamp_seconds 0")
}
