package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/metrics"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// ScanLock is an optional cross-process lock so only one replica scans per
// cycle. Conditional escalation keeps results correct without it.
type ScanLock interface {
	// TryLock returns ok=false when another holder owns the lock.
	TryLock(ctx context.Context, ttl time.Duration) (release func(), ok bool, err error)
}

// SchedulerConfig controls the escalation loop.
type SchedulerConfig struct {
	Schedule    string // cron spec, e.g. "@every 5m"
	BatchSize   int
	ScanTimeout time.Duration
	LockTTL     time.Duration
}

// ScanResult summarizes one scan.
type ScanResult struct {
	Candidates int
	Escalated  int
	NoOps      int
	Failed     int
	LockSkip   bool
	Duration   time.Duration
}

// SchedulerOption configures an EscalationScheduler.
type SchedulerOption func(*EscalationScheduler)

// WithScanLock installs a cross-process scan lock.
func WithScanLock(l ScanLock) SchedulerOption {
	return func(s *EscalationScheduler) { s.lock = l }
}

// WithSchedulerMetrics records scan durations and failures.
func WithSchedulerMetrics(m *metrics.Metrics) SchedulerOption {
	return func(s *EscalationScheduler) { s.metrics = m }
}

// EscalationScheduler periodically escalates overdue steps. One scan runs at
// a time; Stop waits for the running scan to finish.
type EscalationScheduler struct {
	orch    *Orchestrator
	cfg     SchedulerConfig
	lock    ScanLock
	metrics *metrics.Metrics
	log     *logger.Logger

	mu       sync.Mutex
	cron     *cron.Cron
	stopping context.Context // done once the last running scan returns
}

// NewEscalationScheduler creates a new EscalationScheduler.
func NewEscalationScheduler(orch *Orchestrator, cfg SchedulerConfig, log *logger.Logger, opts ...SchedulerOption) *EscalationScheduler {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.ScanTimeout
	}
	s := &EscalationScheduler{
		orch: orch,
		cfg:  cfg,
		log:  log.Component("escalation_scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the scan job and starts the cron loop.
func (s *EscalationScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	cl := cronLogger{log: s.log.Logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, s.runScheduled); err != nil {
		return errors.InvalidInput("escalation_schedule", fmt.Sprintf("invalid schedule %q: %v", s.cfg.Schedule, err))
	}
	c.Start()
	s.cron = c
	s.stopping = nil

	s.log.Info().
		Str("schedule", s.cfg.Schedule).
		Int("batch_size", s.cfg.BatchSize).
		Msg("Escalation scheduler started")
	return nil
}

// Stop prevents new scans and waits for the running one, or for ctx. After a
// timeout, calling Stop again keeps waiting for the same scan.
func (s *EscalationScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cron != nil {
		s.stopping = s.cron.Stop()
		s.cron = nil
	}
	stopping := s.stopping
	s.mu.Unlock()
	if stopping == nil {
		return nil
	}

	select {
	case <-stopping.Done():
		s.log.Info().Msg("Escalation scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *EscalationScheduler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ScanTimeout)
	defer cancel()

	res, err := s.RunOnce(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Escalation scan aborted; retrying next cycle")
		return
	}
	if res.Candidates > 0 || res.Failed > 0 {
		s.log.Info().
			Int("candidates", res.Candidates).
			Int("escalated", res.Escalated).
			Int("no_ops", res.NoOps).
			Int("failed", res.Failed).
			Dur("duration", res.Duration).
			Msg("Escalation scan finished")
	}
}

// RunOnce performs a single scan. Storage unavailability aborts the scan
// with an error; any other per-step failure is logged and the scan goes on.
func (s *EscalationScheduler) RunOnce(ctx context.Context) (res ScanResult, err error) {
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		s.metrics.ObserveScan(res.Duration, err != nil)
	}()

	if s.lock != nil {
		release, ok, lerr := s.lock.TryLock(ctx, s.cfg.LockTTL)
		switch {
		case lerr != nil:
			s.log.Warn().Err(lerr).Msg("Scan lock unavailable; scanning without it")
		case !ok:
			res.LockSkip = true
			return res, nil
		default:
			defer release()
		}
	}

	steps, err := s.orch.OverdueSteps(ctx, s.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	res.Candidates = len(steps)

	trigger := EscalationTrigger{
		Reason:  repository.EscalationDeadlineExceeded,
		ActorID: repository.SystemActorID,
	}
	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		escalated, err := s.orch.EscalateStep(ctx, st.ID, trigger)
		switch {
		case errors.HasCode(err, ErrCodeStorageUnavailable):
			return res, err
		case err != nil:
			res.Failed++
			s.log.Warn().Err(err).Str("step_id", st.ID).Msg("Step escalation failed")
		case escalated:
			res.Escalated++
		default:
			res.NoOps++
		}
	}
	return res, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
