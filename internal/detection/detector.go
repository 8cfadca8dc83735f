package detection

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"edgecam/internal/pipeline"
)

// Config selects the detection backend
type Config struct {
	// Backend is "http", "grpc" or "grpc+http" (gRPC with HTTP fallback)
	Backend       string
	HTTPEndpoint  string
	GRPCEndpoint  string
	ConfThreshold float64
	ClassesFilter string
}

// New builds the detector described by cfg
func New(cfg Config, logger *zap.SugaredLogger) (pipeline.Detector, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.Named("detector")

	switch strings.ToLower(cfg.Backend) {
	case "", "http":
		if cfg.HTTPEndpoint == "" {
			return nil, fmt.Errorf("http detector requires an endpoint")
		}
		return NewYOLODetector(cfg.HTTPEndpoint, cfg.ConfThreshold, cfg.ClassesFilter), nil
	case "grpc":
		if cfg.GRPCEndpoint == "" {
			return nil, fmt.Errorf("grpc detector requires an endpoint")
		}
		return NewGRPCDetector(GRPCDetectorConfig{Endpoint: cfg.GRPCEndpoint, ConfThreshold: cfg.ConfThreshold}, logger)
	case "grpc+http":
		if cfg.GRPCEndpoint == "" || cfg.HTTPEndpoint == "" {
			return nil, fmt.Errorf("grpc+http detector requires both endpoints")
		}
		primary, err := NewGRPCDetector(GRPCDetectorConfig{Endpoint: cfg.GRPCEndpoint, ConfThreshold: cfg.ConfThreshold}, logger)
		if err != nil {
			return nil, err
		}
		return NewFallback(primary, NewYOLODetector(cfg.HTTPEndpoint, cfg.ConfThreshold, cfg.ClassesFilter), logger), nil
	default:
		return nil, fmt.Errorf("unknown detector backend %q", cfg.Backend)
	}
}

// Fallback tries the primary backend first and the secondary when it fails
type Fallback struct {
	primary   pipeline.Detector
	secondary pipeline.Detector
	logger    *zap.SugaredLogger
}

// NewFallback wraps two detectors
func NewFallback(primary, secondary pipeline.Detector, logger *zap.SugaredLogger) *Fallback {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Fallback{primary: primary, secondary: secondary, logger: logger}
}

func (f *Fallback) Name() string {
	return f.primary.Name() + "+" + f.secondary.Name()
}

func (f *Fallback) Detect(ctx context.Context, image []byte) ([]pipeline.Detection, error) {
	dets, err := f.primary.Detect(ctx, image)
	if err == nil {
		return dets, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	f.logger.Warnw("Primary detector failed, falling back",
		"primary", f.primary.Name(), "secondary", f.secondary.Name(), "error", err)

	dets, err2 := f.secondary.Detect(ctx, image)
	if err2 != nil {
		return nil, multierr.Append(err, err2)
	}
	return dets, nil
}

// CheckHealth succeeds when either backend is healthy. A primary without a
// health check counts as healthy; a secondary without one cannot vouch for a
// failed primary.
func (f *Fallback) CheckHealth(ctx context.Context) error {
	var errs error
	for i, d := range []pipeline.Detector{f.primary, f.secondary} {
		hc, ok := d.(pipeline.HealthChecker)
		if !ok {
			if i == 0 {
				return nil
			}
			errs = multierr.Append(errs, fmt.Errorf("%s: no health check", d.Name()))
			continue
		}
		err := hc.CheckHealth(ctx)
		if err == nil {
			return nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", d.Name(), err))
	}
	return errs
}

func (f *Fallback) Close() error {
	return multierr.Append(f.primary.Close(), f.secondary.Close())
}
