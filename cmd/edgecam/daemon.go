package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"edgecam/internal/annotate"
	"edgecam/internal/auth"
	"edgecam/internal/camera"
	"edgecam/internal/config"
	"edgecam/internal/control"
	"edgecam/internal/database"
	"edgecam/internal/detection"
	"edgecam/internal/metrics"
	"edgecam/internal/mqtt"
	"edgecam/internal/pipeline"
	"edgecam/internal/publish"
	"edgecam/internal/scheduler"
	"edgecam/internal/stream"
	"edgecam/internal/telegram"
	"edgecam/internal/ws"
)

const (
	shutdownTimeout = 30 * time.Second
	healthTimeout   = 10 * time.Second
)

type daemonOptions struct {
	configPath string
	debugHTTP  bool
}

// daemon owns every long-lived collaborator
type daemon struct {
	cfg    *config.Config
	opts   daemonOptions
	logger *zap.SugaredLogger

	closers []func() error

	bus           *pipeline.EventBus
	scheduler     *scheduler.CycleScheduler
	rc            *control.RemoteControl
	metrics       *metrics.Metrics
	hub           *ws.Hub
	snapshots     *stream.Snapshots
	journal       *database.Journal
	history       control.CycleHistory
	broker        *mqtt.Client
	bot           *telegram.Bot
	authenticator *auth.Authenticator
}

// newDetector builds the detector and requires it to be healthy
func newDetector(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (pipeline.Detector, error) {
	detector, err := detection.New(cfg.DetectorConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}

	if hc, ok := detector.(pipeline.HealthChecker); ok {
		hctx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		if err := hc.CheckHealth(hctx); err != nil {
			return nil, multierr.Append(fmt.Errorf("detector %s is not healthy: %w", detector.Name(), err), detector.Close())
		}
	}
	logger.Infow("Detector ready", "detector", detector.Name())
	return detector, nil
}

// newDaemon wires the daemon. On error everything opened so far is closed.
func newDaemon(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger, opts daemonOptions) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, opts: opts, logger: logger}
	defer func() {
		if err != nil {
			if cerr := d.close(); cerr != nil {
				logger.Warnw("Cleanup after failed startup", "error", cerr)
			}
		}
	}()

	source, err := camera.New(cfg.CameraConfig())
	if err != nil {
		return nil, err
	}
	logger.Infow("Image source ready", "source", source.Name())

	detector, err := newDetector(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	d.onClose(detector.Close)

	d.metrics = metrics.New()
	d.hub = ws.NewHub(logger.Named("ws"))
	d.onClose(func() error { d.hub.Close(); return nil })
	d.bus = pipeline.NewEventBus()
	d.onClose(func() error { d.bus.Close(); return nil })
	d.bus.Subscribe(d.metrics)
	d.bus.Subscribe(d.hub)
	d.snapshots = stream.New(cfg.PipelinePaths(), logger.Named("stream"))
	d.bus.Subscribe(d.snapshots)

	if cfg.Sinks.Journal.Enabled {
		if err := d.openJournal(); err != nil {
			return nil, err
		}
	}

	if cfg.Sinks.MQTT.Enabled || cfg.Control.MQTT.Enabled {
		d.broker = mqtt.New(cfg.MQTTClientConfig(), logger.Named("mqtt"))
		if err := d.broker.Connect(ctx); err != nil {
			return nil, err
		}
		d.onClose(d.broker.Close)
	}

	if cfg.Sinks.Telegram.Enabled || cfg.Control.Telegram.Enabled {
		if d.bot, err = telegram.NewBot(cfg.TelegramConfig()); err != nil {
			return nil, err
		}
	}

	if cfg.Control.HTTP.Addr != "" {
		if d.authenticator, err = auth.NewAuthenticator(cfg.AuthConfig()); err != nil {
			return nil, err
		}
	}

	publisher, err := d.newPublisher(ctx)
	if err != nil {
		return nil, err
	}

	runnerOpts := []pipeline.RunnerOption{pipeline.WithEventBus(d.bus)}
	if !publisher.Empty() {
		runnerOpts = append(runnerOpts, pipeline.WithPublisher(publisher))
	} else {
		logger.Warn("No sinks enabled, interesting cycles are only logged")
	}
	if cfg.Paths.MarkedUp != "" {
		runnerOpts = append(runnerOpts, pipeline.WithAnnotator(annotate.New(annotate.Options{})))
	}

	runner, err := pipeline.NewRunner(source, detector, cfg.PipelinePaths(), logger.Named("pipeline"), runnerOpts...)
	if err != nil {
		return nil, err
	}

	d.scheduler, err = scheduler.New(runner.Cycle, cfg.CycleConfig(),
		scheduler.WithLogger(logger.Named("scheduler")),
		scheduler.WithObserver(d.metrics),
	)
	if err != nil {
		return nil, err
	}
	d.rc = control.New(d.scheduler, logger.Named("control"))
	return d, nil
}

func (d *daemon) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

// close releases collaborators in reverse order of creation
func (d *daemon) close() error {
	var err error
	for i := len(d.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, d.closers[i]())
	}
	d.closers = nil
	return err
}

func (d *daemon) openJournal() error {
	jc := d.cfg.Sinks.Journal
	db, err := database.New(jc.Path)
	if err != nil {
		return err
	}
	d.onClose(db.Close)
	if err := db.Migrate(); err != nil {
		return err
	}

	d.journal = database.NewJournal(db, d.logger.Named("journal"))
	d.history = d.journal
	d.bus.Subscribe(d.journal)
	return nil
}

func (d *daemon) newPublisher(ctx context.Context) (*publish.Publisher, error) {
	cfg := d.cfg
	var (
		telemetry []pipeline.TelemetrySink
		artifacts []pipeline.ArtifactSink
	)

	if cfg.Sinks.MQTT.Enabled {
		telemetry = append(telemetry, publish.NewMQTTTelemetry(d.broker, cfg.MQTT.TopicPrefix))
	}
	if d.journal != nil {
		telemetry = append(telemetry, d.journal)
	}

	if cfg.Sinks.Blob.Enabled {
		blob, err := publish.NewBlobSink(cfg.BlobSinkConfig())
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, blob)
	}
	if cfg.Sinks.GCS.Enabled {
		gcs, err := publish.NewGCSSink(ctx, cfg.GCSSinkConfig())
		if err != nil {
			return nil, err
		}
		d.onClose(gcs.Close)
		artifacts = append(artifacts, gcs)
	}
	if cfg.Sinks.Telegram.Enabled {
		artifacts = append(artifacts, telegram.NewPhotoSink(d.bot, d.logger.Named("telegram")))
	}

	return publish.New(d.logger.Named("publish"),
		publish.WithTelemetry(telemetry...),
		publish.WithArtifactSinks(artifacts...),
		publish.WithArtifacts(cfg.PublishArtifacts()...),
		publish.WithObserver(d.metrics),
	), nil
}

// run arms the timer, serves the control channels until ctx is cancelled and
// then shuts everything down
func (d *daemon) run(ctx context.Context) error {
	cfg := d.cfg
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if cfg.Cycle.Start {
		if err := d.rc.StartTimer(); err != nil {
			d.shutdown()
			return err
		}
	}

	if d.journal != nil {
		g.Go(func() error {
			d.journal.RunRetention(gctx, cfg.Sinks.Journal.Retention.Std(), cfg.Sinks.Journal.Interval.Std())
			return nil
		})
	}

	if cfg.Control.MQTT.Enabled {
		channel := control.NewMQTTChannel(d.rc, d.broker, cfg.MQTT.TopicPrefix, d.logger.Named("control.mqtt"))
		g.Go(func() error { return channel.Start(gctx) })
		if err := channel.PublishProperties(d.rc.Properties(version)); err != nil {
			d.logger.Warnw("Failed to publish device properties", "error", err)
		}
	}

	if cfg.Control.Telegram.Enabled {
		handler := telegram.NewCommandHandler(d.bot, d.rc, d.history, d.logger.Named("telegram"))
		g.Go(func() error { return handler.Run(gctx) })
	}

	if cfg.Control.Watch && d.opts.configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, d.opts.configPath, d.logger.Named("config"), d.reload)
		})
	}

	if cfg.Control.HTTP.Addr != "" {
		g.Go(func() error { return d.serveHTTP(gctx) })
	}

	err := g.Wait()
	d.shutdown()
	return err
}

// reload applies the cycle section of a changed config file. Other sections
// take effect on restart.
func (d *daemon) reload(cfg *config.Config) {
	if err := d.rc.ReplaceConfig(cfg.CycleConfig()); err != nil {
		d.logger.Warnw("Rejected reloaded cycle config", "error", err)
		return
	}
	d.logger.Infow("Cycle config reloaded", "schedule", d.rc.Reported())
}

func (d *daemon) shutdown() {
	ctx, cancel := shutdownContext()
	defer cancel()

	d.logger.Info("Shutting down")
	err := d.scheduler.Close(ctx)
	err = multierr.Append(err, d.close())
	if err != nil {
		d.logger.Warnw("Shutdown finished with errors", "error", err)
		return
	}
	d.logger.Info("Shutdown complete")
}
