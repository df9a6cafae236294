package scheduler

import (
	"context"
	"sort"
	"time"

	issuancedomain "github.com/smallbiznis/insurecard/internal/issuance/domain"
	obscontext "github.com/smallbiznis/insurecard/internal/observability/context"
	obslogger "github.com/smallbiznis/insurecard/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/insurecard/internal/observability/metrics"
	"go.uber.org/zap"
)

// sweepOutcome is what one sweep did to one request.
type sweepOutcome string

const (
	// drive reached PERSISTED or FAILED
	outcomeFinished sweepOutcome = "finished"
	// still in flight, retried next pass
	outcomeRetrying sweepOutcome = "retrying"
	// attempts exhausted, alert raised or already open
	outcomeStuck sweepOutcome = "stuck"
	// another driver holds the lease
	outcomeDeferred sweepOutcome = "deferred"
	// row disappeared between scan and drive
	outcomeGone sweepOutcome = "gone"
	// CREATED row held back until the resubmit grace passes
	outcomeAwaitingGrace sweepOutcome = "awaiting_grace"
)

// jobRun accumulates per-run counters for the finish log line.
type jobRun struct {
	job        string
	runID      string
	batchSize  int
	startedAt  time.Time
	processed  int
	errorCount int
	outcomes   map[sweepOutcome]int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processed += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (r *jobRun) Record(outcome sweepOutcome) {
	if r == nil || outcome == "" {
		return
	}
	if r.outcomes == nil {
		r.outcomes = make(map[sweepOutcome]int)
	}
	r.outcomes[outcome]++
}

func (r *jobRun) outcomeFields() []zap.Field {
	if r == nil || len(r.outcomes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.outcomes))
	for k := range r.outcomes {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, zap.Int(k+"_count", r.outcomes[sweepOutcome(k)]))
	}
	return fields
}

// ensureJobRun attaches a run to ctx unless one is already there. The bool
// reports whether the caller owns the run and must log its finish.
func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: time.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	return s.withLogContext(ctx, ""), run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

// withLogContext marks ctx as sweeper-driven so audit entries and log lines
// attribute the work to the sweeper rather than an operator.
func (s *Scheduler) withLogContext(ctx context.Context, requestID string) context.Context {
	ctx = obscontext.WithActor(ctx, string(issuancedomain.DriverSweeper), "scheduler")
	if requestID != "" {
		ctx = obscontext.WithIssuanceRequestID(ctx, requestID)
	}
	return ctx
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := append([]zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processed),
		zap.Int("error_count", run.errorCount),
	}, run.outcomeFields()...)

	log := s.logger(ctx)
	if run.errorCount > 0 || run.outcomes[outcomeStuck] > 0 {
		log.Warn("scheduler.job.finish", fields...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}

func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, job string, requestID string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.IncError()
	base := []zap.Field{
		zap.String("job", job),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Error(err),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
	}
	s.logger(s.withLogContext(ctx, requestID)).Error(msg, append(base, fields...)...)
}

func (s *Scheduler) logRequestClaimed(ctx context.Context, job string, req *issuancedomain.IssuanceRequest) {
	s.logger(s.withLogContext(ctx, req.RequestID)).Debug("scheduler.request.claimed",
		zap.String("job", job),
		zap.String("state", string(req.State)),
		zap.Int("sweep_attempts", req.SweepAttempts),
		zap.String("ledger_tx_ref", req.TxRef()),
	)
}
