package pipeline

import (
	"context"
	"time"
)

// ImageSource acquires a single still image
type ImageSource interface {
	// Name returns the source identifier (e.g., "http", "ffmpeg", "libcamera")
	Name() string

	// Capture returns encoded image bytes. Implementations must honor ctx.
	Capture(ctx context.Context) ([]byte, error)
}

// Detector wraps an object-detection model service
type Detector interface {
	// Name returns the detector identifier
	Name() string

	// Detect scores an encoded image
	Detect(ctx context.Context, image []byte) ([]Detection, error)

	// Close releases detector resources
	Close() error
}

// HealthChecker is implemented by detectors that can be probed before the
// scheduler starts
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Annotator draws detections over an image and persists the result
type Annotator interface {
	Annotate(image []byte, detections []Detection, outputPath string) error
}

// TelemetrySink emits a tally as one structured record
type TelemetrySink interface {
	Name() string
	Emit(ctx context.Context, tally Tally, timestamp time.Time) error
}

// ArtifactSink uploads a local file under a remote name, overwriting any
// existing object with the same name
type ArtifactSink interface {
	Name() string
	Upload(ctx context.Context, localPath, remoteName string) error
}

// TaggedArtifactSink is implemented by artifact sinks that can attach the tally
// to the uploaded object
type TaggedArtifactSink interface {
	ArtifactSink
	UploadTagged(ctx context.Context, localPath, remoteName string, tags map[string]string) error
}

// Publisher sends the outcome of an interesting cycle to every configured sink
type Publisher interface {
	Publish(ctx context.Context, cfg CycleConfig, result *CycleResult) error
}

// CycleResultHandler handles finished cycles
type CycleResultHandler interface {
	OnCycleResult(result *CycleResult)
}

// CycleResultHandlerFunc adapts a function to CycleResultHandler
type CycleResultHandlerFunc func(result *CycleResult)

// OnCycleResult calls f(result)
func (f CycleResultHandlerFunc) OnCycleResult(result *CycleResult) {
	f(result)
}
