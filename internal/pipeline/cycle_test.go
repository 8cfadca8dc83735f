package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSource struct {
	image []byte
	err   error
	block bool
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Capture(ctx context.Context) ([]byte, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.image, s.err
}

type fakeDetector struct {
	detections []Detection
	err        error
	calls      int
}

func (d *fakeDetector) Name() string { return "fake" }
func (d *fakeDetector) Close() error { return nil }

func (d *fakeDetector) Detect(ctx context.Context, image []byte) ([]Detection, error) {
	d.calls++
	return d.detections, d.err
}

type fakeAnnotator struct {
	err  error
	path string
}

func (a *fakeAnnotator) Annotate(image []byte, detections []Detection, outputPath string) error {
	a.path = outputPath
	return a.err
}

type fakePublisher struct {
	mu      sync.Mutex
	results []*CycleResult
	err     error
}

func (p *fakePublisher) Publish(ctx context.Context, cfg CycleConfig, result *CycleResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, result)
	return p.err
}

func newTestRunner(t *testing.T, src ImageSource, d Detector, opts ...RunnerOption) (*Runner, Paths) {
	t.Helper()
	dir := t.TempDir()
	paths := Paths{
		Camera:   filepath.Join(dir, "camera.jpg"),
		MarkedUp: filepath.Join(dir, "markedup.jpg"),
	}
	r, err := NewRunner(src, d, paths, zaptest.NewLogger(t).Sugar(), opts...)
	require.NoError(t, err)
	return r, paths
}

func TestRunnerHappyPath(t *testing.T) {
	src := &fakeSource{image: []byte("jpeg")}
	detector := &fakeDetector{detections: []Detection{det("person", 0.9), det("car", 0.2)}}
	annotator := &fakeAnnotator{}
	publisher := &fakePublisher{}
	bus := NewEventBus()
	results, unsubscribe := bus.SubscribeChannel(1)
	defer unsubscribe()

	mock := clock.NewMock()
	r, paths := newTestRunner(t, src, detector,
		WithAnnotator(annotator), WithPublisher(publisher), WithEventBus(bus), WithClock(mock))

	cfg := DefaultCycleConfig()
	cfg.LabelsOfInterest = NewLabelSet([]string{"Person"})
	cfg.LabelsMinimum = []string{"bicycle"}

	result := r.Run(context.Background(), cfg, mock.Now())

	require.NoError(t, result.Err)
	assert.NotEmpty(t, result.ID)
	assert.Equal(t, Tally{"person": 1, "bicycle": 0}, result.Tally)
	assert.True(t, result.Interesting)
	assert.Equal(t, StagePublish, result.Stage)
	assert.Equal(t, paths.MarkedUp, annotator.path)
	assert.Len(t, publisher.results, 1)

	written, err := os.ReadFile(paths.Camera)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), written)

	select {
	case got := <-results:
		assert.Equal(t, result.ID, got.ID)
	default:
		t.Fatal("cycle result was not published on the event bus")
	}
}

func TestRunnerSkipsPublishWhenNotInteresting(t *testing.T) {
	publisher := &fakePublisher{}
	r, _ := newTestRunner(t, &fakeSource{image: []byte("x")},
		&fakeDetector{detections: []Detection{det("car", 0.9)}}, WithPublisher(publisher))

	cfg := DefaultCycleConfig()
	cfg.LabelsOfInterest = NewLabelSet([]string{"person"})

	result := r.Run(context.Background(), cfg, time.Now())

	require.NoError(t, result.Err)
	assert.False(t, result.Interesting)
	assert.Empty(t, publisher.results)
}

func TestRunnerDetectorFailureSkipsPublish(t *testing.T) {
	publisher := &fakePublisher{}
	boom := errors.New("model offline")
	r, _ := newTestRunner(t, &fakeSource{image: []byte("x")}, &fakeDetector{err: boom}, WithPublisher(publisher))

	result := r.Run(context.Background(), DefaultCycleConfig(), time.Now())

	require.Error(t, result.Err)
	assert.ErrorIs(t, result.Err, boom)
	assert.Equal(t, StageDetect, StageOf(result.Err))
	assert.Empty(t, publisher.results)
}

func TestRunnerCaptureTimeout(t *testing.T) {
	detector := &fakeDetector{}
	r, _ := newTestRunner(t, &fakeSource{block: true}, detector)

	cfg := DefaultCycleConfig()
	cfg.CaptureTimeout = 10 * time.Millisecond

	result := r.Run(context.Background(), cfg, time.Now())

	var se *StageError
	require.ErrorAs(t, result.Err, &se)
	assert.Equal(t, StageCapture, se.Stage)
	assert.True(t, se.Timeout())
	assert.Zero(t, detector.calls)
}

func TestRunnerEmptyCaptureFails(t *testing.T) {
	r, _ := newTestRunner(t, &fakeSource{}, &fakeDetector{})

	result := r.Run(context.Background(), DefaultCycleConfig(), time.Now())

	assert.Equal(t, StageCapture, StageOf(result.Err))
}

func TestRunnerAnnotateFailureAbortsCycle(t *testing.T) {
	publisher := &fakePublisher{}
	r, _ := newTestRunner(t, &fakeSource{image: []byte("x")},
		&fakeDetector{detections: []Detection{det("person", 0.9)}},
		WithAnnotator(&fakeAnnotator{err: errors.New("decode")}), WithPublisher(publisher))

	result := r.Run(context.Background(), DefaultCycleConfig(), time.Now())

	assert.Equal(t, StageAnnotate, StageOf(result.Err))
	assert.Empty(t, publisher.results)
}

func TestRunnerPublishFailureDoesNotFailCycle(t *testing.T) {
	publisher := &fakePublisher{err: errors.New("broker down")}
	r, _ := newTestRunner(t, &fakeSource{image: []byte("x")}, &fakeDetector{}, WithPublisher(publisher))

	err := r.Cycle(context.Background(), DefaultCycleConfig(), time.Now())

	assert.NoError(t, err)
	assert.Len(t, publisher.results, 1)
}

func TestNewRunnerValidation(t *testing.T) {
	_, err := NewRunner(nil, &fakeDetector{}, Paths{Camera: "x"}, nil)
	assert.Error(t, err)

	_, err = NewRunner(&fakeSource{}, nil, Paths{Camera: "x"}, nil)
	assert.Error(t, err)

	_, err = NewRunner(&fakeSource{}, &fakeDetector{}, Paths{}, nil)
	assert.Error(t, err)
}

func TestEventBusSubscribe(t *testing.T) {
	bus := NewEventBus()
	var got []*CycleResult
	unsubscribe := bus.Subscribe(CycleResultHandlerFunc(func(r *CycleResult) {
		got = append(got, r)
	}))

	bus.Publish(&CycleResult{ID: "a"})
	unsubscribe()
	bus.Publish(&CycleResult{ID: "b"})
	bus.Publish(nil)

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
	assert.Zero(t, bus.SubscriberCount())
}
