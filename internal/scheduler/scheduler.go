// Package scheduler drives detection cycles from a recurring timer while
// guaranteeing that at most one cycle runs at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"edgecam/internal/pipeline"
)

// ErrInvalidSchedule is returned for negative due or period values
var ErrInvalidSchedule = errors.New("invalid schedule")

// ErrClosed is returned once the scheduler has been shut down
var ErrClosed = errors.New("scheduler closed")

// immediateThreshold is the due time below which the first run is started
// immediately rather than at an absolute start time that may already be in
// the past when gocron validates it
const immediateThreshold = 50 * time.Millisecond

// Work runs one cycle with a config snapshot
type Work func(ctx context.Context, cfg pipeline.CycleConfig, startedAt time.Time) error

// Observer is notified of ticks that did not start a cycle
type Observer interface {
	CycleSkipped()
}

// State is a point-in-time view of the scheduler
type State struct {
	Running       bool                 `json:"running"`
	Busy          bool                 `json:"busy"`
	Pending       bool                 `json:"pending"`
	Config        pipeline.CycleConfig `json:"-"`
	NextRun       time.Time            `json:"next_run,omitempty"`
	Cycles        uint64               `json:"cycles"`
	Skipped       uint64               `json:"skipped"`
	LastStartedAt time.Time            `json:"last_started_at,omitempty"`
	LastDuration  time.Duration        `json:"last_duration"`
	LastError     string               `json:"last_error,omitempty"`
}

// CycleScheduler owns the timer and the busy guard. A single mutex protects
// all state; the cycle body runs outside of it.
type CycleScheduler struct {
	work     Work
	cron     gocron.Scheduler
	clock    clock.Clock
	logger   *zap.SugaredLogger
	observer Observer

	mu       sync.Mutex
	config   pipeline.CycleConfig
	jobID    uuid.UUID
	job      gocron.Job
	running  bool
	busy     bool
	pending  bool
	closed   bool
	cycles   uint64
	skipped  uint64
	lastAt   time.Time
	lastDur  time.Duration
	lastErr  string
	inflight sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// Option configures a CycleScheduler
type Option func(*CycleScheduler)

// WithClock overrides the clock used for cycle timestamps
func WithClock(c clock.Clock) Option {
	return func(s *CycleScheduler) { s.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *CycleScheduler) { s.logger = l }
}

// WithObserver registers an observer for skipped ticks
func WithObserver(o Observer) Option {
	return func(s *CycleScheduler) { s.observer = o }
}

// New creates a stopped scheduler
func New(work Work, cfg pipeline.CycleConfig, opts ...Option) (*CycleScheduler, error) {
	if work == nil {
		return nil, fmt.Errorf("work function is required")
	}
	if err := validate(cfg.Schedule); err != nil {
		return nil, err
	}

	s := &CycleScheduler{
		work:   work,
		clock:  clock.New(),
		logger: zap.NewNop().Sugar(),
		config: cfg.Clone(),
	}
	for _, opt := range opts {
		opt(s)
	}

	cron, err := gocron.NewScheduler(gocron.WithLogger(cronLogger{s.logger.Named("gocron")}))
	if err != nil {
		return nil, fmt.Errorf("failed to create timer: %w", err)
	}
	s.cron = cron
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.cron.Start()
	return s, nil
}

func validate(sched pipeline.Schedule) error {
	if sched.Due < 0 {
		return fmt.Errorf("%w: due %s is negative", ErrInvalidSchedule, sched.Due)
	}
	if sched.Period < 0 {
		return fmt.Errorf("%w: period %s is negative", ErrInvalidSchedule, sched.Period)
	}
	return nil
}

// Start arms the timer: the first cycle fires after Due, then every Period.
// Starting a running scheduler re-arms it from now.
func (s *CycleScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.armLocked(s.config.Schedule); err != nil {
		return err
	}
	s.running = true
	s.logger.Infow("Timer started", "due", s.config.Schedule.Due, "period", s.config.Schedule.Period)
	return nil
}

// Stop disarms the timer. A cycle already in flight runs to completion.
func (s *CycleScheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.disarmLocked(); err != nil {
		return err
	}
	s.running = false
	s.pending = false
	s.logger.Info("Timer stopped")
	return nil
}

// Reconfigure replaces the cycle config. When the scheduler is running and
// the schedule changed, the timer is re-armed with the new values without
// disturbing a cycle in flight. On failure the previous config stays active.
func (s *CycleScheduler) Reconfigure(cfg pipeline.CycleConfig) error {
	if err := validate(cfg.Schedule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	changed := cfg.Schedule != s.config.Schedule
	if s.running && changed {
		if err := s.armLocked(cfg.Schedule); err != nil {
			return err
		}
	}
	s.config = cfg.Clone()
	if changed {
		s.logger.Infow("Schedule updated", "due", cfg.Schedule.Due, "period", cfg.Schedule.Period, "running", s.running)
	}
	return nil
}

// Config returns a copy of the current cycle config
func (s *CycleScheduler) Config() pipeline.CycleConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Clone()
}

// State returns a snapshot of the scheduler
func (s *CycleScheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Running:       s.running,
		Busy:          s.busy,
		Pending:       s.pending,
		Config:        s.config.Clone(),
		Cycles:        s.cycles,
		Skipped:       s.skipped,
		LastStartedAt: s.lastAt,
		LastDuration:  s.lastDur,
		LastError:     s.lastErr,
	}
	if s.running && s.job != nil {
		if next, err := s.job.NextRun(); err == nil {
			st.NextRun = next
		}
	}
	return st
}

// Fire is the timer callback. It returns false without side effects on the
// running cycle when one is already in flight. Under the coalesce policy the
// tick is remembered and run once the current cycle finishes.
func (s *CycleScheduler) Fire(ctx context.Context) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.busy {
		s.skipped++
		if s.config.Overrun == pipeline.OverrunCoalesce {
			s.pending = true
		}
		s.mu.Unlock()
		s.logger.Info("Cycle skipped, previous still running")
		if s.observer != nil {
			s.observer.CycleSkipped()
		}
		return false
	}
	s.busy = true
	s.inflight.Add(1)
	s.mu.Unlock()

	defer s.inflight.Done()
	for {
		if !s.runOnce(ctx) {
			break
		}
	}
	return true
}

// Trigger starts a cycle in the background on the scheduler's own context.
// It reports false when a cycle is already running.
func (s *CycleScheduler) Trigger() bool {
	s.mu.Lock()
	busy, closed := s.busy, s.closed
	s.mu.Unlock()
	if busy || closed {
		return false
	}
	go s.Fire(s.baseCtx)
	return true
}

// runOnce runs a single cycle and reports whether a coalesced tick is waiting
func (s *CycleScheduler) runOnce(ctx context.Context) (again bool) {
	s.mu.Lock()
	cfg := s.config.Clone()
	startedAt := s.clock.Now()
	s.lastAt = startedAt
	s.mu.Unlock()

	s.logger.Info("Image processing start")

	var err error
	defer func() {
		duration := s.clock.Since(startedAt)

		s.mu.Lock()
		s.cycles++
		s.lastDur = duration
		s.lastErr = ""
		if err != nil {
			s.lastErr = err.Error()
		}
		again = s.pending && !s.closed
		s.pending = false
		if !again {
			s.busy = false
		}
		s.mu.Unlock()

		s.logger.Infof("Image processing done %.2f sec", duration.Seconds())
	}()

	err = s.safeWork(ctx, cfg, startedAt)
	if err != nil {
		s.logger.Errorw("Cycle failed", "stage", pipeline.StageOf(err), "error", err)
	}
	return
}

func (s *CycleScheduler) safeWork(ctx context.Context, cfg pipeline.CycleConfig, startedAt time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()
	return s.work(ctx, cfg, startedAt)
}

// Close disarms the timer, waits for the in-flight cycle and shuts down the
// underlying timer. If ctx expires first the cycle's context is cancelled.
func (s *CycleScheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	disarmErr := s.disarmLocked()
	s.running = false
	s.pending = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Shutdown deadline reached, cancelling in-flight cycle")
		s.cancel()
		<-done
	}
	s.cancel()

	if err := s.cron.Shutdown(); err != nil {
		return multierr.Append(disarmErr, fmt.Errorf("failed to shut down timer: %w", err))
	}
	return disarmErr
}

// armLocked replaces the current job with one for sched. The new job is
// created before the old one is removed so a failure leaves the old one armed.
func (s *CycleScheduler) armLocked(sched pipeline.Schedule) error {
	if err := validate(sched); err != nil {
		return err
	}

	var def gocron.JobDefinition
	if sched.OneShot() {
		if sched.Due < immediateThreshold {
			def = gocron.OneTimeJob(gocron.OneTimeJobStartImmediately())
		} else {
			def = gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(sched.Due)))
		}
	} else {
		def = gocron.DurationJob(sched.Period)
	}

	opts := []gocron.JobOption{gocron.WithName("detection-cycle")}
	if !sched.OneShot() {
		if sched.Due < immediateThreshold {
			opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
		} else {
			opts = append(opts, gocron.WithStartAt(gocron.WithStartDateTime(time.Now().Add(sched.Due))))
		}
	}

	job, err := s.cron.NewJob(def, gocron.NewTask(s.tick), opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	if s.job != nil {
		if err := s.cron.RemoveJob(s.jobID); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
			s.logger.Warnw("Failed to remove previous timer job", "error", err)
		}
	}
	s.job = job
	s.jobID = job.ID()
	return nil
}

func (s *CycleScheduler) disarmLocked() error {
	if s.job == nil {
		return nil
	}
	id := s.jobID
	s.job = nil
	s.jobID = uuid.Nil
	if err := s.cron.RemoveJob(id); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		return fmt.Errorf("failed to disarm timer: %w", err)
	}
	return nil
}

func (s *CycleScheduler) tick() {
	s.Fire(s.baseCtx)
}

// cronLogger adapts a sugared logger to gocron.Logger
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Debug(msg string, args ...any) { c.l.Debugw(msg, args...) }
func (c cronLogger) Error(msg string, args ...any) { c.l.Errorw(msg, args...) }
func (c cronLogger) Info(msg string, args ...any)  { c.l.Debugw(msg, args...) }
func (c cronLogger) Warn(msg string, args ...any)  { c.l.Warnw(msg, args...) }
