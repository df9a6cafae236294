package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/smallbiznis/insurecard/internal/alert/domain"
	"github.com/smallbiznis/insurecard/internal/clock"
	"github.com/smallbiznis/insurecard/internal/config"
	issuancedomain "github.com/smallbiznis/insurecard/internal/issuance/domain"
	obsmetrics "github.com/smallbiznis/insurecard/internal/observability/metrics"
	"github.com/smallbiznis/insurecard/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const (
	JobSweepCreated   = "sweep_created"
	JobSweepSubmitted = "sweep_submitted"
	JobSweepConfirmed = "sweep_confirmed"

	passLockName = "sweeper:pass"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        issuancedomain.Repository
	IssuanceSvc issuancedomain.Service
	AlertSvc    alertdomain.Service
	Config      Config                       `optional:"true"`
	Tuning      *config.IssuanceTuningHolder `optional:"true"`
	Locker      *ratelimit.Locker            `optional:"true"`
	Metrics     *obsmetrics.SchedulerMetrics `optional:"true"`
}

// Scheduler is the reconciliation sweeper. It re-drives issuance requests
// whose driver went away and escalates the ones it cannot finish.
type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	repo        issuancedomain.Repository
	issuanceSvc issuancedomain.Service
	alertSvc    alertdomain.Service
	tuning      *config.IssuanceTuningHolder
	locker      *ratelimit.Locker
	metrics     *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Repo == nil || p.IssuanceSvc == nil || p.AlertSvc == nil {
		return nil, ErrInvalidConfig
	}
	m := p.Metrics
	if m == nil {
		m = obsmetrics.Scheduler()
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler").With(zap.String("component", "sweeper")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		issuanceSvc: p.IssuanceSvc,
		alertSvc:    p.AlertSvc,
		tuning:      p.Tuning,
		locker:      p.Locker,
		metrics:     m,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce performs one sweep pass over every enabled job.
func (s *Scheduler) RunOnce(parent context.Context) error {
	lease, ok := s.acquirePassLock(parent)
	if !ok {
		return nil
	}
	defer s.releasePassLock(parent, lease)

	jobs := []struct {
		Name  string
		State issuancedomain.State
		Age   time.Duration
	}{
		{JobSweepCreated, issuancedomain.StateCreated, s.cfg.CreatedThreshold},
		{JobSweepSubmitted, issuancedomain.StateSubmitted, s.confirmationTimeout()},
		{JobSweepConfirmed, issuancedomain.StateConfirmed, s.cfg.PersistRetryThreshold},
	}

	// The lease is refreshed before every job and every candidate, so a pass
	// never outlives PassLockTTL between two refreshes.
	lost := false
	keep := func(ctx context.Context) bool {
		if !lost && !s.extendPassLock(ctx, lease) {
			lost = true
		}
		return !lost
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		if !keep(parent) {
			break
		}
		job := job
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, func(ctx context.Context) error {
			return s.sweep(ctx, job.Name, job.State, job.Age, keep)
		}))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweeper run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// sweep drives every request that has sat in state for longer than age.
// Each candidate is handled once per pass. keep is consulted before each
// candidate; false means the pass lock went to another replica.
func (s *Scheduler) sweep(ctx context.Context, job string, state issuancedomain.State, age time.Duration, keep func(context.Context) bool) error {
	run := jobRunFromContext(ctx)
	now := s.clock.Now()

	candidates, err := s.repo.FindSweepCandidates(ctx, s.db, state, now.Add(-age), now, s.cfg.BatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.candidates.failed", job, "", err)
		return err
	}

	var jobErr error
	processed := 0
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		if keep != nil && !keep(ctx) {
			break
		}
		s.logRequestClaimed(ctx, job, candidate)
		outcome, err := s.sweepOne(ctx, job, candidate.RequestID)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.request.process.failed", job, candidate.RequestID, err,
				zap.String("state", string(candidate.State)),
			)
			continue
		}
		run.Record(outcome)
		processed++
	}
	run.AddProcessed(processed)
	s.metrics.AddBatchProcessed(job, "issuance_request", processed)
	return jobErr
}

func (s *Scheduler) sweepOne(ctx context.Context, job, requestID string) (sweepOutcome, error) {
	req, err := s.issuanceSvc.Drive(ctx, requestID, issuancedomain.DriverSweeper)
	switch {
	case errors.Is(err, issuancedomain.ErrLeaseHeld):
		s.metrics.IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonLeaseHeld)
		return outcomeDeferred, nil
	case errors.Is(err, issuancedomain.ErrNotFound):
		return outcomeGone, nil
	case err != nil:
		return "", err
	}
	if req == nil || req.State.Terminal() {
		return outcomeFinished, nil
	}
	if awaitingResubmitGrace(req) {
		return outcomeAwaitingGrace, nil
	}

	// Bookkeeping must land even when the job deadline ran out during Drive.
	ctx = context.WithoutCancel(ctx)
	attempts, err := s.repo.IncrementSweepAttempts(ctx, s.db, requestID)
	if err != nil {
		return "", err
	}
	if attempts < s.maxAttempts() {
		return outcomeRetrying, nil
	}

	raised, err := s.alertSvc.RaiseStuck(ctx, alertdomain.StuckRequest{
		RequestID:     requestID,
		State:         string(req.State),
		SweepAttempts: attempts,
		LastError:     req.LastError,
	})
	if err != nil {
		return "", fmt.Errorf("raise stuck alert: %w", err)
	}
	if raised {
		s.logger(s.withLogContext(ctx, requestID)).Warn("scheduler.request.stuck",
			zap.String("job", job),
			zap.String("state", string(req.State)),
			zap.Int("sweep_attempts", attempts),
		)
	}
	return outcomeStuck, nil
}

// awaitingResubmitGrace reports a CREATED request whose earlier submit left no
// trace on chain yet. The coordinator holds it back on purpose until the
// resubmit grace passes, so the wait does not count against the retry budget.
func awaitingResubmitGrace(req *issuancedomain.IssuanceRequest) bool {
	return req.State == issuancedomain.StateCreated &&
		req.LastError != nil &&
		*req.LastError == issuancedomain.ErrorCodeSubmissionUnknown
}

// acquirePassLock keeps concurrent replicas from sweeping the same rows.
// A Redis failure sweeps anyway since the request lease still guards each row.
func (s *Scheduler) acquirePassLock(ctx context.Context) (*ratelimit.Lease, bool) {
	if s.locker == nil {
		return nil, true
	}
	lease, err := s.locker.Acquire(ctx, passLockName, s.cfg.PassLockTTL)
	if err != nil {
		s.log.Warn("sweeper pass lock unavailable", zap.Error(err))
		return nil, true
	}
	if lease == nil {
		s.metrics.IncBatchDeferred("sweep", obsmetrics.SchedulerBatchDeferredReasonPassLock)
		s.log.Debug("sweeper pass lock held elsewhere")
		return nil, false
	}
	return lease, true
}

// extendPassLock refreshes the lock between jobs. Once another replica has
// taken it over the rest of the pass is left to that replica.
func (s *Scheduler) extendPassLock(ctx context.Context, lease *ratelimit.Lease) bool {
	if lease == nil {
		return true
	}
	err := lease.Extend(ctx)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ratelimit.ErrLockLost):
		s.metrics.IncBatchDeferred("sweep", obsmetrics.SchedulerBatchDeferredReasonPassLock)
		s.log.Warn("sweeper pass lock lost, ending pass early")
		return false
	default:
		s.log.Warn("sweeper pass lock refresh failed", zap.Error(err))
		return true
	}
}

func (s *Scheduler) releasePassLock(ctx context.Context, lease *ratelimit.Lease) {
	if lease == nil {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := lease.Release(releaseCtx); err != nil {
		s.log.Warn("sweeper pass lock release failed", zap.String("lock", lease.Name()), zap.Error(err))
	}
}

func (s *Scheduler) confirmationTimeout() time.Duration {
	if s.tuning != nil {
		return s.tuning.Get().ConfirmationTimeout
	}
	return s.cfg.ConfirmationTimeout
}

func (s *Scheduler) maxAttempts() int {
	if s.tuning != nil {
		if n := s.tuning.Get().MaxSweepAttempts; n > 0 {
			return n
		}
	}
	return s.cfg.MaxAttempts
}
