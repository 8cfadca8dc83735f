package stream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"edgecam/internal/pipeline"
)

func setup(t *testing.T) (*Snapshots, pipeline.Paths) {
	t.Helper()
	dir := t.TempDir()
	paths := pipeline.Paths{
		Camera:   filepath.Join(dir, "camera.jpg"),
		MarkedUp: filepath.Join(dir, "markedup.jpg"),
	}
	require.NoError(t, os.WriteFile(paths.Camera, []byte("raw"), 0o644))
	require.NoError(t, os.WriteFile(paths.MarkedUp, []byte("boxes"), 0o644))
	return New(paths, zaptest.NewLogger(t).Sugar()), paths
}

func TestSnapshotPicksImage(t *testing.T) {
	s, _ := setup(t)

	rec := httptest.NewRecorder()
	s.SnapshotHandler(rec, httptest.NewRequest("GET", "/snapshot", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.OnCycleResult(&pipeline.CycleResult{ID: "c1", Stage: pipeline.StagePublish})
	frame, id, _ := s.Latest()
	assert.Equal(t, "boxes", string(frame))
	assert.Equal(t, "c1", id)

	s.OnCycleResult(&pipeline.CycleResult{ID: "c2", Stage: pipeline.StageDetect, Err: errors.New("down")})
	frame, _, _ = s.Latest()
	assert.Equal(t, "raw", string(frame))

	s.OnCycleResult(&pipeline.CycleResult{ID: "c3", Stage: pipeline.StageCapture, Err: errors.New("offline")})
	_, id, _ = s.Latest()
	assert.Equal(t, "c2", id)

	rec = httptest.NewRecorder()
	s.SnapshotHandler(rec, httptest.NewRequest("GET", "/snapshot", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "c2", rec.Header().Get("X-Cycle-ID"))
	assert.Equal(t, "raw", rec.Body.String())
}

func TestMJPEGStream(t *testing.T) {
	s, _ := setup(t)
	s.OnCycleResult(&pipeline.CycleResult{ID: "c1"})

	srv := httptest.NewServer(s)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "multipart/x-mixed-replace"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "--frame\r\n", line)

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	_, _ = io.Copy(io.Discard, reader)
	require.Eventually(t, func() bool { return s.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
