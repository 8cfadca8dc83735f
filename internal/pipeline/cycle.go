package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Paths are the local files a cycle writes
type Paths struct {
	Camera   string // captured image
	MarkedUp string // annotated image, empty disables annotation
}

// Runner executes the stages of one detection cycle:
// capture -> detect -> annotate -> tally -> interest -> publish.
type Runner struct {
	source    ImageSource
	detector  Detector
	annotator Annotator
	publisher Publisher
	eventBus  *EventBus
	paths     Paths
	clock     clock.Clock
	logger    *zap.SugaredLogger
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithAnnotator enables markup of the captured image
func WithAnnotator(a Annotator) RunnerOption {
	return func(r *Runner) { r.annotator = a }
}

// WithPublisher sets the sinks used for interesting cycles
func WithPublisher(p Publisher) RunnerOption {
	return func(r *Runner) { r.publisher = p }
}

// WithEventBus publishes every finished cycle to bus
func WithEventBus(bus *EventBus) RunnerOption {
	return func(r *Runner) { r.eventBus = bus }
}

// WithClock overrides the wall clock
func WithClock(c clock.Clock) RunnerOption {
	return func(r *Runner) { r.clock = c }
}

// NewRunner creates a cycle runner
func NewRunner(source ImageSource, detector Detector, paths Paths, logger *zap.SugaredLogger, opts ...RunnerOption) (*Runner, error) {
	if source == nil {
		return nil, fmt.Errorf("image source is required")
	}
	if detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if paths.Camera == "" {
		return nil, fmt.Errorf("camera image path is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	r := &Runner{
		source:   source,
		detector: detector,
		paths:    paths,
		clock:    clock.New(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Cycle runs one cycle and returns the error that aborted it, if any.
// It has the signature the scheduler expects.
func (r *Runner) Cycle(ctx context.Context, cfg CycleConfig, startedAt time.Time) error {
	return r.Run(ctx, cfg, startedAt).Err
}

// Run executes one cycle with the given config snapshot. Stage failures are
// recorded in the result; publish failures never abort the cycle.
func (r *Runner) Run(ctx context.Context, cfg CycleConfig, startedAt time.Time) *CycleResult {
	result := &CycleResult{
		ID:        uuid.NewString(),
		StartedAt: startedAt,
	}
	log := r.logger.With("cycle", result.ID)

	defer func() {
		result.Duration = r.clock.Since(startedAt)
		if r.eventBus != nil {
			r.eventBus.Publish(result)
		}
	}()

	result.Stage = StageCapture
	image, err := r.capture(ctx, cfg, log)
	if err != nil {
		result.Err = stageErr(StageCapture, err)
		return result
	}

	result.Stage = StageDetect
	log.Debug("Prediction start")
	detections, err := r.detector.Detect(ctx, image)
	if err != nil {
		result.Err = stageErr(StageDetect, err)
		return result
	}
	log.Debugw("Prediction done", "detections", len(detections))
	result.Detections = detections

	if r.annotator != nil && r.paths.MarkedUp != "" {
		result.Stage = StageAnnotate
		log.Debug("Image markup start")
		if err := r.annotator.Annotate(image, detections, r.paths.MarkedUp); err != nil {
			result.Err = stageErr(StageAnnotate, err)
			return result
		}
		log.Debug("Image markup done")
	}

	result.Tally = BuildTally(detections, cfg.ScoreThreshold, cfg.LabelsMinimum)
	result.Interesting = IsInteresting(detections, cfg.ScoreThreshold, cfg.LabelsOfInterest)
	if cfg.LabelsOfInterest != nil {
		log.Debugw("Predictions of interest", "labels", MatchedLabels(detections, cfg.ScoreThreshold, cfg.LabelsOfInterest))
	}

	if result.Interesting && r.publisher != nil {
		result.Stage = StagePublish
		if err := r.publisher.Publish(ctx, cfg, result); err != nil {
			result.PublishErr = err
			log.Warnw("Publish failed", "error", err)
		}
	}

	log.Infow("Predictions tally", "tally", result.Tally, "interesting", result.Interesting)
	return result
}

func (r *Runner) capture(ctx context.Context, cfg CycleConfig, log *zap.SugaredLogger) ([]byte, error) {
	if cfg.CaptureTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.CaptureTimeout)
		defer cancel()
	}

	log.Debugw("Image capture start", "source", r.source.Name())
	image, err := r.source.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.source.Name(), err)
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("%s: empty image", r.source.Name())
	}
	if err := WriteFileAtomic(r.paths.Camera, image); err != nil {
		return nil, err
	}
	log.Debugw("Image capture done", "bytes", len(image))
	return image, nil
}

// WriteFileAtomic writes data to a temporary file next to path and renames it
// into place, so readers never see a partial image
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return nil
}
