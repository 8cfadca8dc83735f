// Package publish sends interesting cycles to telemetry and artifact sinks.
package publish

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"edgecam/internal/pipeline"
)

// Artifact is a local file uploaded after an interesting cycle
type Artifact struct {
	// Kind names the artifact in logs and metrics ("camera", "markedup")
	Kind      string
	LocalPath string
	// NameTemplate is a strftime layout resolved against the cycle start (UTC)
	NameTemplate string
	Enabled      bool
}

// Observer is notified of sink failures
type Observer interface {
	PublishFailed(sink string)
}

// Publisher fans a cycle out to every telemetry sink and every enabled artifact
type Publisher struct {
	telemetry []pipeline.TelemetrySink
	sinks     []pipeline.ArtifactSink
	artifacts []Artifact
	observer  Observer
	logger    *zap.SugaredLogger
}

// Option configures a Publisher
type Option func(*Publisher)

// WithTelemetry adds telemetry sinks
func WithTelemetry(sinks ...pipeline.TelemetrySink) Option {
	return func(p *Publisher) { p.telemetry = append(p.telemetry, sinks...) }
}

// WithArtifactSinks adds upload targets
func WithArtifactSinks(sinks ...pipeline.ArtifactSink) Option {
	return func(p *Publisher) { p.sinks = append(p.sinks, sinks...) }
}

// WithArtifacts sets the files uploaded to every artifact sink
func WithArtifacts(artifacts ...Artifact) Option {
	return func(p *Publisher) { p.artifacts = append(p.artifacts, artifacts...) }
}

// WithObserver reports failures, e.g. to metrics
func WithObserver(o Observer) Option {
	return func(p *Publisher) { p.observer = o }
}

// New creates a Publisher
func New(logger *zap.SugaredLogger, opts ...Option) *Publisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	p := &Publisher{logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Empty reports whether no sink is configured
func (p *Publisher) Empty() bool {
	return len(p.telemetry) == 0 && (len(p.sinks) == 0 || !p.anyArtifactEnabled())
}

func (p *Publisher) anyArtifactEnabled() bool {
	for _, a := range p.artifacts {
		if a.Enabled {
			return true
		}
	}
	return false
}

// Publish implements pipeline.Publisher. Every sink is attempted; a failure in
// one never prevents the others.
func (p *Publisher) Publish(ctx context.Context, cfg pipeline.CycleConfig, result *pipeline.CycleResult) error {
	var errs error

	for _, sink := range p.telemetry {
		err := withTimeout(ctx, cfg.PublishTimeout, func(ctx context.Context) error {
			return sink.Emit(ctx, result.Tally, result.StartedAt)
		})
		if err != nil {
			errs = multierr.Append(errs, p.failed(sink.Name(), err))
			continue
		}
		p.logger.Debugw("Telemetry sent", "sink", sink.Name())
	}

	tags := result.Tally.Tags()
	for _, a := range p.artifacts {
		if !a.Enabled {
			continue
		}
		name := RemoteName(a.NameTemplate, result.StartedAt)
		if name == "" {
			p.logger.Debugw("Artifact skipped, empty remote name", "artifact", a.Kind)
			continue
		}

		for _, sink := range p.sinks {
			err := withTimeout(ctx, cfg.PublishTimeout, func(ctx context.Context) error {
				if tagged, ok := sink.(pipeline.TaggedArtifactSink); ok {
					return tagged.UploadTagged(ctx, a.LocalPath, name, tags)
				}
				return sink.Upload(ctx, a.LocalPath, name)
			})
			if err != nil {
				errs = multierr.Append(errs, p.failed(sink.Name(), fmt.Errorf("%s %s: %w", a.Kind, name, err)))
				continue
			}
			p.logger.Debugw("Artifact uploaded", "sink", sink.Name(), "artifact", a.Kind, "name", name)
		}
	}

	return errs
}

func (p *Publisher) failed(sink string, err error) error {
	if p.observer != nil {
		p.observer.PublishFailed(sink)
	}
	p.logger.Warnw("Publish to sink failed", "sink", sink, "error", err)
	return fmt.Errorf("%s: %w", sink, err)
}

func withTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

// RemoteName resolves a strftime template against t in UTC, e.g.
// "%Y%m%d/%H%M%S.jpg". Surrounding whitespace is trimmed.
func RemoteName(template string, t time.Time) string {
	if strings.TrimSpace(template) == "" {
		return ""
	}
	return strings.TrimSpace(strftime.Format(template, t.UTC()))
}

var _ pipeline.Publisher = (*Publisher)(nil)
