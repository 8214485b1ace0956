package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"stageline/internal/evaluator"
	"stageline/internal/notify"
)

const (
	// DefaultInterval between evaluation batches.
	DefaultInterval = 15 * time.Minute
	// maxConsecutiveFailures of whole batches before the scheduler halts
	// itself and waits for an external restart.
	maxConsecutiveFailures = 5
)

// Environments in which the scheduler is allowed to run; elsewhere Start is
// a no-op (tests and ad-hoc tooling drive the evaluator directly).
var allowedEnvironments = map[string]bool{
	"production": true,
	"staging":    true,
}

// Status is a queryable snapshot of the scheduler.
type Status struct {
	Running             bool                   `json:"running"`
	Interval            string                 `json:"interval"`
	LastRun             *time.Time             `json:"last_run,omitempty"`
	NextRun             *time.Time             `json:"next_run,omitempty"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	Halted              bool                   `json:"halted"`
	LastResult          *evaluator.BatchResult `json:"last_result,omitempty"`
}

// Scheduler drives the evaluator on a fixed interval with a circuit breaker
// on repeated batch-level failures. Per-project failures are already
// isolated inside the batch and do not count here.
type Scheduler struct {
	Evaluator   *evaluator.Evaluator
	Notifier    *notify.Webhook
	Log         *zap.Logger
	Interval    time.Duration
	Environment string

	mu           sync.Mutex
	running      bool
	halted       bool
	cancel       context.CancelFunc
	failures     int
	lastRun      time.Time
	nextRun      time.Time
	lastResult   *evaluator.BatchResult
}

func New(ev *evaluator.Evaluator, notifier *notify.Webhook, environment string, interval time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		Evaluator:   ev,
		Notifier:    notifier,
		Log:         log,
		Interval:    interval,
		Environment: environment,
	}
}

// Start launches the recurring loop: one run immediately, then one per
// interval tick. It is idempotent and refuses to run outside the allowed
// environments.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.Log.Debug("scheduler already running")
		return
	}
	if !allowedEnvironments[s.Environment] {
		s.Log.Info("scheduler disabled in this environment", zap.String("environment", s.Environment))
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.halted = false
	s.failures = 0
	go s.loop(runCtx)
}

// Stop cancels the loop. Safe to call when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.runOnce(ctx) {
				return
			}
		}
	}
}

// runOnce executes one batch; returns false when the breaker trips.
func (s *Scheduler) runOnce(ctx context.Context) bool {
	s.mu.Lock()
	s.lastRun = time.Now()
	s.nextRun = s.lastRun.Add(s.Interval)
	s.mu.Unlock()

	res, err := s.Evaluator.EvaluateAll(ctx, false)
	s.mu.Lock()
	if err != nil {
		s.failures++
		failures := s.failures
		s.mu.Unlock()
		s.Log.Error("evaluation batch failed",
			zap.Int("consecutive_failures", failures),
			zap.Error(err))
		if failures >= maxConsecutiveFailures {
			s.halt()
			return false
		}
		return true
	}
	s.failures = 0
	s.lastResult = &res
	s.mu.Unlock()

	if res.Succeeded > 0 || res.Failed > 0 {
		s.notifySummary(ctx, res)
	}
	return true
}

// halt trips the breaker: the loop exits and an external Start is required.
func (s *Scheduler) halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.halted = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.Log.Error("scheduler halted after repeated batch failures",
		zap.Int("threshold", maxConsecutiveFailures))
}

// notifySummary posts the run outcome to the configured webhook, truncating
// the error list to the first few entries.
func (s *Scheduler) notifySummary(ctx context.Context, res evaluator.BatchResult) {
	if !s.Notifier.Enabled() {
		return
	}
	errs := res.Errors
	if len(errs) > 3 {
		errs = errs[:3]
	}
	s.Notifier.Send(ctx, "evaluation.summary", map[string]any{
		"total":     res.Total,
		"succeeded": res.Succeeded,
		"scheduled": res.Scheduled,
		"failed":    res.Failed,
		"errors":    errs,
	})
}

// Status returns a snapshot for the operational surface.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:             s.running,
		Interval:            s.Interval.String(),
		ConsecutiveFailures: s.failures,
		Halted:              s.halted,
		LastResult:          s.lastResult,
	}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastRun = &t
	}
	if s.running && !s.nextRun.IsZero() {
		t := s.nextRun
		st.NextRun = &t
	}
	return st
}
