package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	alertdomain "github.com/smallbiznis/insurecard/internal/alert/domain"
	alertrepo "github.com/smallbiznis/insurecard/internal/alert/repository"
	alertservice "github.com/smallbiznis/insurecard/internal/alert/service"
	"github.com/smallbiznis/insurecard/internal/clock"
	"github.com/smallbiznis/insurecard/internal/config"
	issuancedomain "github.com/smallbiznis/insurecard/internal/issuance/domain"
	"github.com/smallbiznis/insurecard/internal/issuance/issuancetest"
	issuancerepo "github.com/smallbiznis/insurecard/internal/issuance/repository"
	issuanceservice "github.com/smallbiznis/insurecard/internal/issuance/service"
	ledgerdomain "github.com/smallbiznis/insurecard/internal/ledger/domain"
	"github.com/smallbiznis/insurecard/internal/ledger/memory"
	obsmetrics "github.com/smallbiznis/insurecard/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var sweepStart = time.Date(2026, time.October, 1, 9, 0, 0, 0, time.UTC)

type sweepHarness struct {
	sched    *Scheduler
	db       *gorm.DB
	repo     issuancedomain.Repository
	issuance *issuanceservice.Service
	alerts   alertdomain.Service
	ledger   *memory.Ledger
	clock    *clock.FakeClock
	node     *snowflake.Node
	registry *prometheus.Registry
}

type harnessWaits struct {
	confirmationTimeout time.Duration
	sweepWait           time.Duration
}

// withWaits sets the interactive confirmation timeout and the shorter
// sweeper re-query wait.
func withWaits(confirmationTimeout, sweepWait time.Duration) func(*harnessWaits) {
	return func(w *harnessWaits) {
		w.confirmationTimeout = confirmationTimeout
		w.sweepWait = sweepWait
	}
}

func newSweepHarness(t *testing.T, cfg Config, opts ...func(*harnessWaits)) *sweepHarness {
	t.Helper()
	waits := harnessWaits{confirmationTimeout: 50 * time.Millisecond, sweepWait: 5 * time.Second}
	for _, opt := range opts {
		opt(&waits)
	}
	db := issuancetest.NewDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(sweepStart)
	ledger := memory.New(zap.NewNop(), memory.Options{ConfirmAfterPolls: 1, PollInterval: 5 * time.Millisecond})
	repo := issuancerepo.Provide()
	tuning := config.NewStaticIssuanceTuningHolder(config.IssuanceTuning{
		ConfirmationTimeout: waits.confirmationTimeout,
		PollInterval:        5 * time.Millisecond,
		MaxSweepAttempts:    2,
	})
	registry := prometheus.NewRegistry()

	issuance := issuanceservice.New(issuanceservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Repo:   repo,
		Ledger: ledger,
		Cfg: config.Config{
			Issuance: config.IssuanceConfig{
				LeaseDuration:         time.Minute,
				ResubmitGrace:         10 * time.Minute,
				DriveTimeout:          10 * time.Second,
				SweepConfirmationWait: waits.sweepWait,
			},
		},
		Tuning:  tuning,
		Clock:   clk,
		Metrics: obsmetrics.NewIssuanceMetricsWithRegistry(registry, obsmetrics.Config{}),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = issuance.Stop(ctx)
	})

	alerts := alertservice.New(alertservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    alertrepo.Provide(),
		Clock:   clk,
		Metrics: obsmetrics.NewIssuanceMetricsWithRegistry(prometheus.NewRegistry(), obsmetrics.Config{}),
	})

	sched, err := New(Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		Repo:        repo,
		IssuanceSvc: issuanceservice.NewService(issuance),
		AlertSvc:    alerts,
		Config:      cfg,
		Tuning:      tuning,
		Metrics:     obsmetrics.NewSchedulerMetricsWithRegistry(registry, obsmetrics.Config{ServiceName: "insurecard", Environment: "test"}),
	})
	require.NoError(t, err)

	return &sweepHarness{
		sched:    sched,
		db:       db,
		repo:     repo,
		issuance: issuance,
		alerts:   alerts,
		ledger:   ledger,
		clock:    clk,
		node:     node,
		registry: registry,
	}
}

// seed inserts a CREATED request last touched age ago, without dispatching it.
func (h *sweepHarness) seed(t *testing.T, requestID, cardNumber string, age time.Duration) {
	t.Helper()
	req := issuancetest.NewRequest(h.node.Generate(), requestID, cardNumber, h.clock.Now().Add(-age))
	inserted, err := h.repo.Insert(context.Background(), h.db, req)
	require.NoError(t, err)
	require.True(t, inserted)
}

// seedSubmitted leaves requestID SUBMITTED with a held ledger transaction and
// an expired lease, the way a coordinator that gave up waiting leaves it.
func (h *sweepHarness) seedSubmitted(t *testing.T, requestID, cardNumber string) {
	t.Helper()
	ctx := context.Background()
	h.seed(t, requestID, cardNumber, 5*time.Minute)
	req := h.load(t, requestID)

	h.ledger.HoldRequest(requestID)
	ref, err := h.ledger.Submit(ctx, ledgerdomain.Payload{
		RequestID:           req.RequestID,
		RequestHash:         req.PayloadHash,
		InsuredPersonID:     req.InsuredPersonID,
		CardNumber:          req.CardNumber,
		PolicyNumber:        req.PolicyNumber,
		DateOfBirth:         req.DateOfBirth,
		PolicyEffectiveDate: req.PolicyEffectiveDate,
		ValidUntil:          req.ValidUntil,
		HasDependents:       req.HasDependents,
		DependentCount:      req.DependentCount,
	})
	require.NoError(t, err)

	ta := issuancetest.NewTimeAccelerator(h.db)
	require.NoError(t, ta.ForceState(ctx, requestID, string(issuancedomain.StateSubmitted), ref.String(), "coordinator:gone", h.clock.Now().Add(-time.Second)))
	require.NoError(t, ta.Backdate(ctx, requestID, h.clock.Now().Add(-5*time.Minute)))
}

func (h *sweepHarness) load(t *testing.T, requestID string) *issuancedomain.IssuanceRequest {
	t.Helper()
	req, err := h.repo.FindByRequestID(context.Background(), h.db, requestID)
	require.NoError(t, err)
	require.NotNil(t, req)
	return req
}

func (h *sweepHarness) cardCount(t *testing.T, cardNumber string) int64 {
	t.Helper()
	n, err := issuancetest.CountCardRecords(context.Background(), h.db, cardNumber)
	require.NoError(t, err)
	return n
}

func TestSweepCreatedDrivesOrphanedRequest(t *testing.T) {
	h := newSweepHarness(t, Config{})
	h.seed(t, "req-orphan", "CARD-0100", 5*time.Minute)

	require.NoError(t, h.sched.RunOnce(context.Background()))

	req := h.load(t, "req-orphan")
	assert.Equal(t, issuancedomain.StatePersisted, req.State)
	assert.Nil(t, req.ClaimedBy)
	assert.Equal(t, int64(1), h.cardCount(t, "CARD-0100"))
	assert.Equal(t, 1, h.ledger.Transactions("req-orphan"))
}

func TestSweepLeavesFreshRequestsAlone(t *testing.T) {
	h := newSweepHarness(t, Config{})
	h.seed(t, "req-fresh", "CARD-0101", 10*time.Second)

	require.NoError(t, h.sched.RunOnce(context.Background()))

	assert.Equal(t, issuancedomain.StateCreated, h.load(t, "req-fresh").State)
	assert.Equal(t, 0, h.ledger.SubmitCalls())
}

func TestSweepConfirmedRecoversCrashBeforeStoreWrite(t *testing.T) {
	h := newSweepHarness(t, Config{})
	ctx := context.Background()
	h.seed(t, "req-r3", "CARD-0102", 5*time.Minute)

	ta := issuancetest.NewTimeAccelerator(h.db)
	// The original driver died holding the lease right after confirmation.
	require.NoError(t, ta.ForceState(ctx, "req-r3", string(issuancedomain.StateConfirmed), "0xr3", "coordinator:dead", h.clock.Now().Add(time.Minute)))
	require.NoError(t, ta.Backdate(ctx, "req-r3", h.clock.Now().Add(-5*time.Minute)))

	require.NoError(t, h.sched.RunOnce(ctx))
	assert.Equal(t, issuancedomain.StateConfirmed, h.load(t, "req-r3").State, "lease still held")

	h.clock.Advance(2 * time.Minute)
	require.NoError(t, h.sched.RunOnce(ctx))

	req := h.load(t, "req-r3")
	assert.Equal(t, issuancedomain.StatePersisted, req.State)
	assert.Equal(t, "0xr3", req.TxRef())
	card, err := issuancetest.FindCardRecord(ctx, h.db, "CARD-0102", "0xr3")
	require.NoError(t, err)
	require.NotNil(t, card)
	assert.Equal(t, int64(1), h.cardCount(t, "CARD-0102"))
	assert.Equal(t, 0, h.ledger.SubmitCalls())
}

func TestSweepConfirmedRetriesFailedStoreWrite(t *testing.T) {
	h := newSweepHarness(t, Config{})
	ctx := context.Background()
	h.seed(t, "req-r1", "CARD-0103", 5*time.Minute)

	ta := issuancetest.NewTimeAccelerator(h.db)
	require.NoError(t, ta.ForceState(ctx, "req-r1", string(issuancedomain.StateConfirmed), "0xr1", "coordinator:dead", h.clock.Now().Add(-time.Second)))
	require.NoError(t, ta.Backdate(ctx, "req-r1", h.clock.Now().Add(-5*time.Minute)))

	require.NoError(t, h.db.Exec(`ALTER TABLE card_records RENAME TO card_records_offline`).Error)
	require.NoError(t, h.sched.RunOnce(ctx))

	req := h.load(t, "req-r1")
	assert.Equal(t, issuancedomain.StateConfirmed, req.State)
	require.NotNil(t, req.LastError)
	assert.Equal(t, issuancedomain.ErrorCodeStoreWriteFailed, *req.LastError)
	assert.Equal(t, 1, req.SweepAttempts)

	require.NoError(t, h.db.Exec(`ALTER TABLE card_records_offline RENAME TO card_records`).Error)
	h.clock.Advance(time.Minute)
	require.NoError(t, h.sched.RunOnce(ctx))

	req = h.load(t, "req-r1")
	assert.Equal(t, issuancedomain.StatePersisted, req.State)
	assert.Equal(t, int64(1), h.cardCount(t, "CARD-0103"))

	h.clock.Advance(time.Minute)
	require.NoError(t, h.sched.RunOnce(ctx))
	assert.Equal(t, int64(1), h.cardCount(t, "CARD-0103"))
}

func TestSweepSubmittedNeverResubmits(t *testing.T) {
	h := newSweepHarness(t, Config{})
	ctx := context.Background()
	h.seed(t, "req-slow", "CARD-0104", time.Minute)

	h.ledger.HoldRequest("req-slow")
	req, err := h.issuance.Drive(ctx, "req-slow", issuancedomain.DriverCoordinator)
	require.NoError(t, err)
	require.Equal(t, issuancedomain.StateSubmitted, req.State)
	require.Equal(t, 1, h.ledger.SubmitCalls())

	h.ledger.ReleaseRequest("req-slow")
	h.clock.Advance(time.Minute)
	require.NoError(t, h.sched.RunOnce(ctx))

	req = h.load(t, "req-slow")
	assert.Equal(t, issuancedomain.StatePersisted, req.State)
	assert.Equal(t, 1, h.ledger.SubmitCalls())
	assert.Equal(t, 1, h.ledger.Transactions("req-slow"))
}

func TestSweepRaisesStuckAlertOnce(t *testing.T) {
	h := newSweepHarness(t, Config{})
	ctx := context.Background()
	h.seed(t, "req-stuck", "CARD-0105", time.Minute)

	h.ledger.HoldRequest("req-stuck")
	_, err := h.issuance.Drive(ctx, "req-stuck", issuancedomain.DriverCoordinator)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Minute)
		require.NoError(t, h.sched.RunOnce(ctx))
	}

	req := h.load(t, "req-stuck")
	assert.Equal(t, issuancedomain.StateSubmitted, req.State)
	assert.Equal(t, 3, req.SweepAttempts)
	assert.Equal(t, 1, h.ledger.SubmitCalls())

	resp, err := h.alerts.List(ctx, alertdomain.ListAlertsRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Alerts, 1)
	alert := resp.Alerts[0]
	assert.Equal(t, "req-stuck", alert.RequestID)
	assert.Equal(t, alertdomain.KindStuck, alert.Kind)
	assert.Equal(t, string(issuancedomain.StateSubmitted), alert.State)
	assert.Equal(t, 2, alert.SweepAttempts)
	require.NotNil(t, alert.LastError)
	assert.Equal(t, issuancedomain.ErrorCodeConfirmationTimeout, *alert.LastError)
}

func TestSweepSubmittedRequeriesEveryHeldRow(t *testing.T) {
	h := newSweepHarness(t, Config{JobTimeout: 3 * time.Second}, withWaits(time.Minute, 20*time.Millisecond))
	ctx := context.Background()

	ids := make([]string, 4)
	for i := range ids {
		ids[i] = fmt.Sprintf("req-held-%d", i)
		h.seedSubmitted(t, ids[i], fmt.Sprintf("CARD-02%02d", i))
	}

	started := time.Now()
	require.NoError(t, h.sched.RunOnce(ctx))
	assert.Less(t, time.Since(started), 3*time.Second, "pass must not wait the full confirmation timeout per row")

	for _, id := range ids {
		req := h.load(t, id)
		assert.Equal(t, issuancedomain.StateSubmitted, req.State, id)
		assert.Equal(t, 1, req.SweepAttempts, id)
		require.NotNil(t, req.LastError, id)
		assert.Equal(t, issuancedomain.ErrorCodeConfirmationTimeout, *req.LastError, id)
	}
	assert.Equal(t, len(ids), h.ledger.SubmitCalls(), "sweeper only re-queries")
	assert.Equal(t, float64(len(ids)), getCounterValue(t, h.registry, "insurecard_scheduler_batch_processed_total", map[string]string{
		"service":  "insurecard",
		"env":      "test",
		"job":      JobSweepSubmitted,
		"resource": "issuance_request",
	}))
}

func TestSweepStopsWhenPassLockLost(t *testing.T) {
	h := newSweepHarness(t, Config{})
	for i := 0; i < 3; i++ {
		h.seed(t, fmt.Sprintf("req-pass-%d", i), fmt.Sprintf("CARD-03%02d", i), 5*time.Minute)
	}

	checks := 0
	keep := func(context.Context) bool {
		checks++
		return checks == 1
	}
	ctx, run, _ := h.sched.ensureJobRun(context.Background(), JobSweepCreated, 10)
	require.NoError(t, h.sched.sweep(ctx, JobSweepCreated, issuancedomain.StateCreated, h.sched.cfg.CreatedThreshold, keep))

	assert.Equal(t, 2, checks)
	assert.Equal(t, 1, run.processed)
	assert.Equal(t, 1, h.ledger.SubmitCalls())

	persisted := 0
	for i := 0; i < 3; i++ {
		if h.load(t, fmt.Sprintf("req-pass-%d", i)).State == issuancedomain.StatePersisted {
			persisted++
		}
	}
	assert.Equal(t, 1, persisted)
}

func TestSweepDoesNotCountResubmitGraceWait(t *testing.T) {
	h := newSweepHarness(t, Config{})
	ctx := context.Background()
	h.seed(t, "req-unknown", "CARD-0110", 5*time.Minute)

	// An earlier driver called the ledger and died before recording the outcome.
	ta := issuancetest.NewTimeAccelerator(h.db)
	require.NoError(t, ta.StampSubmitAttempt(ctx, "req-unknown", h.clock.Now().Add(-2*time.Minute)))

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Minute)
		require.NoError(t, h.sched.RunOnce(ctx))
	}

	req := h.load(t, "req-unknown")
	assert.Equal(t, issuancedomain.StateCreated, req.State)
	assert.Equal(t, 0, req.SweepAttempts)
	require.NotNil(t, req.LastError)
	assert.Equal(t, issuancedomain.ErrorCodeSubmissionUnknown, *req.LastError)
	assert.Equal(t, 0, h.ledger.SubmitCalls())

	resp, err := h.alerts.List(ctx, alertdomain.ListAlertsRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.Alerts)

	h.clock.Advance(10 * time.Minute)
	require.NoError(t, h.sched.RunOnce(ctx))

	assert.Equal(t, issuancedomain.StatePersisted, h.load(t, "req-unknown").State)
	assert.Equal(t, 1, h.ledger.SubmitCalls())
}

func TestRunOnceHonorsEnabledJobs(t *testing.T) {
	h := newSweepHarness(t, Config{EnabledJobs: []string{JobSweepConfirmed}})
	h.seed(t, "req-skip", "CARD-0106", 5*time.Minute)

	require.NoError(t, h.sched.RunOnce(context.Background()))

	assert.Equal(t, issuancedomain.StateCreated, h.load(t, "req-skip").State)
	assert.Equal(t, float64(1), getCounterValue(t, h.registry, "insurecard_scheduler_job_runs_total", map[string]string{
		"service": "insurecard",
		"env":     "test",
		"job":     JobSweepConfirmed,
	}))
}

func TestSweepRecordsProcessedCount(t *testing.T) {
	h := newSweepHarness(t, Config{})
	h.seed(t, "req-a", "CARD-0107", 5*time.Minute)
	h.seed(t, "req-b", "CARD-0108", 5*time.Minute)

	require.NoError(t, h.sched.RunOnce(context.Background()))

	assert.Equal(t, float64(2), getCounterValue(t, h.registry, "insurecard_scheduler_batch_processed_total", map[string]string{
		"service":  "insurecard",
		"env":      "test",
		"job":      JobSweepCreated,
		"resource": "issuance_request",
	}))
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	s := &Scheduler{
		log:     zap.NewNop(),
		genID:   node,
		clock:   clock.NewFakeClock(sweepStart),
		metrics: obsmetrics.NewSchedulerMetricsWithRegistry(registry, obsmetrics.Config{ServiceName: "insurecard", Environment: "test"}),
	}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "insurecard",
		"env":     "test",
		"job":     "timeout_job",
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "insurecard_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "insurecard",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "insurecard_scheduler_job_errors_total", errorLabels))
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}

func TestJobRunOutcomeFields(t *testing.T) {
	run := &jobRun{}
	assert.Empty(t, run.outcomeFields())

	run.Record(outcomeFinished)
	run.Record(outcomeStuck)
	run.Record(outcomeFinished)
	run.Record("")

	fields := run.outcomeFields()
	require.Len(t, fields, 2)
	assert.Equal(t, "finished_count", fields[0].Key)
	assert.EqualValues(t, 2, fields[0].Integer)
	assert.Equal(t, "stuck_count", fields[1].Key)

	var nilRun *jobRun
	nilRun.Record(outcomeGone)
	nilRun.IncError()
	assert.Nil(t, nilRun.outcomeFields())
}
