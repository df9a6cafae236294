package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	auditdomain "github.com/smallbiznis/insurecard/internal/audit/domain"
	auditrepo "github.com/smallbiznis/insurecard/internal/audit/repository"
	auditservice "github.com/smallbiznis/insurecard/internal/audit/service"
	"github.com/smallbiznis/insurecard/internal/clock"
	"github.com/smallbiznis/insurecard/internal/config"
	"github.com/smallbiznis/insurecard/internal/issuance/domain"
	"github.com/smallbiznis/insurecard/internal/issuance/issuancetest"
	"github.com/smallbiznis/insurecard/internal/issuance/liveevents"
	"github.com/smallbiznis/insurecard/internal/issuance/repository"
	ledgerdomain "github.com/smallbiznis/insurecard/internal/ledger/domain"
	"github.com/smallbiznis/insurecard/internal/ledger/memory"
	obsmetrics "github.com/smallbiznis/insurecard/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	svc    *Service
	db     *gorm.DB
	repo   domain.Repository
	ledger *memory.Ledger
	audit  auditdomain.Service
	clock  *clock.FakeClock
}

type harnessOption func(*Params)

func withLedger(client ledgerdomain.Client) harnessOption {
	return func(p *Params) { p.Ledger = client }
}

func withEvents(hub *liveevents.Hub) harnessOption {
	return func(p *Params) { p.Events = hub }
}

func withConfirmationTimeout(d time.Duration) harnessOption {
	return func(p *Params) {
		p.Tuning = config.NewStaticIssuanceTuningHolder(config.IssuanceTuning{
			ConfirmationTimeout: d,
			PollInterval:        5 * time.Millisecond,
			MaxSweepAttempts:    3,
		})
	}
}

func withSweepWait(d time.Duration) harnessOption {
	return func(p *Params) { p.Cfg.Issuance.SweepConfirmationWait = d }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	db := issuancetest.NewDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, time.October, 1, 9, 0, 0, 0, time.UTC))
	ledger := memory.New(zap.NewNop(), memory.Options{ConfirmAfterPolls: 1, PollInterval: 5 * time.Millisecond})
	audit := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepo.Provide(),
		Clock: clk,
	})
	repo := repository.Provide()

	params := Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Repo:   repo,
		Ledger: ledger,
		Cfg: config.Config{
			Issuance: config.IssuanceConfig{
				LeaseDuration: time.Minute,
				ResubmitGrace: 10 * time.Minute,
				DriveTimeout:  10 * time.Second,
			},
		},
		Tuning: config.NewStaticIssuanceTuningHolder(config.IssuanceTuning{
			ConfirmationTimeout: 2 * time.Second,
			PollInterval:        5 * time.Millisecond,
			MaxSweepAttempts:    3,
		}),
		Clock:    clk,
		AuditSvc: audit,
		Metrics:  obsmetrics.NewIssuanceMetricsWithRegistry(prometheus.NewRegistry(), obsmetrics.Config{}),
	}
	for _, opt := range opts {
		opt(&params)
	}

	svc := New(params)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return &harness{svc: svc, db: db, repo: repo, ledger: ledger, audit: audit, clock: clk}
}

func (h *harness) waitTerminal(t *testing.T, requestID string) domain.IssuanceStatus {
	t.Helper()
	var status domain.IssuanceStatus
	require.Eventually(t, func() bool {
		var err error
		status, err = h.svc.GetIssuanceStatus(context.Background(), requestID)
		return err == nil && !status.Processing
	}, 5*time.Second, 10*time.Millisecond)
	return status
}

func (h *harness) load(t *testing.T, requestID string) *domain.IssuanceRequest {
	t.Helper()
	req, err := h.repo.FindByRequestID(context.Background(), h.db, requestID)
	require.NoError(t, err)
	require.NotNil(t, req)
	return req
}

func TestSubmitIssuanceHappyPathPersistsCard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.svc.SubmitIssuance(ctx, issuancetest.SubmitPayload("req-r1", "CARD-0001"))
	require.NoError(t, err)
	assert.Equal(t, "req-r1", id)

	status := h.waitTerminal(t, id)
	assert.Equal(t, domain.StatePersisted, status.State)
	assert.Equal(t, domain.StageConfirmedAndSaved, status.Stage)
	assert.False(t, status.RetryWithNewRequest)
	require.NotNil(t, status.LedgerTxRef)

	card, err := issuancetest.FindCardRecord(ctx, h.db, "CARD-0001", *status.LedgerTxRef)
	require.NoError(t, err)
	require.NotNil(t, card)
	assert.Equal(t, domain.CardStatusActive, card.Status)
	assert.Equal(t, 1, h.ledger.Transactions("req-r1"))

	h.svc.inflight.Wait()
	req := h.load(t, id)
	assert.NotNil(t, req.ConfirmedAt)
	assert.NotNil(t, req.PersistedAt)
	assert.Nil(t, req.ClaimedBy, "lease released after the drive")

	logs, err := h.audit.List(ctx, auditdomain.ListAuditLogRequest{Action: auditdomain.ActionIssuanceTransition, TargetID: id})
	require.NoError(t, err)
	assert.Len(t, logs.AuditLogs, 3)
}

func TestSubmitIssuanceRejectedPayloadFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	payload := issuancetest.SubmitPayload("req-r2", "CARD-0002")
	payload.ValidUntil = "2025-06-30"

	id, err := h.svc.SubmitIssuance(ctx, payload)
	require.NoError(t, err)

	status := h.waitTerminal(t, id)
	assert.Equal(t, domain.StateFailed, status.State)
	assert.Equal(t, domain.StageFailed, status.Stage)
	require.NotNil(t, status.FailureReason)
	assert.Equal(t, domain.FailureSubmissionRejected, *status.FailureReason)
	assert.True(t, status.RetryWithNewRequest)
	assert.Nil(t, status.LedgerTxRef)

	count, err := issuancetest.CountCardRecords(ctx, h.db, "CARD-0002")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDriveStoreFailureStaysConfirmedUntilRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	row := issuancetest.NewRequest(101, "req-r3", "CARD-0003", h.clock.Now())
	_, err := h.repo.Insert(ctx, h.db, row)
	require.NoError(t, err)

	require.NoError(t, h.db.Exec(`ALTER TABLE card_records RENAME TO card_records_offline`).Error)

	req, err := h.svc.Drive(ctx, "req-r3", domain.DriverCoordinator)
	require.NoError(t, err)
	assert.Equal(t, domain.StateConfirmed, req.State)
	require.NotNil(t, req.LastError)
	assert.Equal(t, domain.ErrorCodeStoreWriteFailed, *req.LastError)
	assert.Nil(t, req.FailureReason)

	require.NoError(t, h.db.Exec(`ALTER TABLE card_records_offline RENAME TO card_records`).Error)

	req, err = h.svc.Drive(ctx, "req-r3", domain.DriverSweeper)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePersisted, req.State)
	assert.Nil(t, req.LastError)

	count, err := issuancetest.CountCardRecords(ctx, h.db, "CARD-0003")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	assert.Equal(t, 1, h.ledger.Transactions("req-r3"), "persist retry never resubmits")
}

func TestSubmitIssuanceDoubleSubmitSendsOneTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payload := issuancetest.SubmitPayload("req-dup", "CARD-0004")

	var wg sync.WaitGroup
	ids := make([]string, 4)
	errs := make([]error, 4)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = h.svc.SubmitIssuance(ctx, payload)
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, "req-dup", ids[i])
	}

	status := h.waitTerminal(t, "req-dup")
	assert.Equal(t, domain.StatePersisted, status.State)

	// A late duplicate after completion is a no-op.
	id, err := h.svc.SubmitIssuance(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, "req-dup", id)

	h.svc.inflight.Wait()
	assert.Equal(t, 1, h.ledger.Transactions("req-dup"))
	count, err := issuancetest.CountCardRecords(ctx, h.db, "CARD-0004")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestSubmitIssuancePayloadConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SubmitIssuance(ctx, issuancetest.SubmitPayload("req-conflict", "CARD-0005"))
	require.NoError(t, err)

	_, err = h.svc.SubmitIssuance(ctx, issuancetest.SubmitPayload("req-conflict", "CARD-9999"))
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)
}

func TestSubmitIssuanceValidatesShape(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := map[string]struct {
		mutate func(*domain.SubmitIssuanceRequest)
		err    error
	}{
		"missing request id": {func(r *domain.SubmitIssuanceRequest) { r.RequestID = " " }, domain.ErrInvalidRequestID},
		"missing card":       {func(r *domain.SubmitIssuanceRequest) { r.CardNumber = "" }, domain.ErrInvalidCardNumber},
		"missing insured":    {func(r *domain.SubmitIssuanceRequest) { r.InsuredPersonID = "" }, domain.ErrInvalidInsuredPerson},
		"missing policy":     {func(r *domain.SubmitIssuanceRequest) { r.PolicyNumber = "" }, domain.ErrInvalidPolicyNumber},
		"bad date":           {func(r *domain.SubmitIssuanceRequest) { r.DateOfBirth = "14/03/1988" }, domain.ErrInvalidDate},
		"negative count":     {func(r *domain.SubmitIssuanceRequest) { r.DependentCount = -1 }, domain.ErrInvalidDependentCount},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			payload := issuancetest.SubmitPayload("req-shape", "CARD-0006")
			tc.mutate(&payload)
			_, err := h.svc.SubmitIssuance(ctx, payload)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestDriveRevertedTransactionFails(t *testing.T) {
	h := newHarness(t)
	h.ledger.RevertRequest("req-revert")

	id, err := h.svc.SubmitIssuance(context.Background(), issuancetest.SubmitPayload("req-revert", "CARD-0007"))
	require.NoError(t, err)

	status := h.waitTerminal(t, id)
	assert.Equal(t, domain.StateFailed, status.State)
	require.NotNil(t, status.FailureReason)
	assert.Equal(t, domain.FailureLedgerReverted, *status.FailureReason)
	require.NotNil(t, status.LedgerTxRef, "tx ref is kept on revert")
}

func TestDriveConfirmationTimeoutStaysSubmitted(t *testing.T) {
	h := newHarness(t, withConfirmationTimeout(50*time.Millisecond))
	ctx := context.Background()
	h.ledger.HoldRequest("req-slow")

	row := issuancetest.NewRequest(202, "req-slow", "CARD-0008", h.clock.Now())
	_, err := h.repo.Insert(ctx, h.db, row)
	require.NoError(t, err)

	req, err := h.svc.Drive(ctx, "req-slow", domain.DriverCoordinator)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSubmitted, req.State)
	require.NotNil(t, req.LastError)
	assert.Equal(t, domain.ErrorCodeConfirmationTimeout, *req.LastError)
	txRef := req.TxRef()
	require.NotEmpty(t, txRef)

	h.ledger.ReleaseRequest("req-slow")
	req, err = h.svc.Drive(ctx, "req-slow", domain.DriverSweeper)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePersisted, req.State)
	assert.Equal(t, txRef, req.TxRef(), "tx ref never changes")
	assert.Equal(t, 1, h.ledger.SubmitCalls())
}

func TestCallerCancellationDoesNotCancelIssuance(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	id, err := h.svc.SubmitIssuance(ctx, issuancetest.SubmitPayload("req-cancel", "CARD-0009"))
	require.NoError(t, err)
	cancel()

	status := h.waitTerminal(t, id)
	assert.Equal(t, domain.StatePersisted, status.State)
}

func TestDriveSkipsRequestLeasedByAnotherDriver(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	row := issuancetest.NewRequest(303, "req-leased", "CARD-0010", h.clock.Now())
	_, err := h.repo.Insert(ctx, h.db, row)
	require.NoError(t, err)
	claimed, err := h.repo.ClaimLease(ctx, h.db, "req-leased", "sweeper:other", h.clock.Now(), h.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	req, err := h.svc.Drive(ctx, "req-leased", domain.DriverCoordinator)
	assert.ErrorIs(t, err, domain.ErrLeaseHeld)
	require.NotNil(t, req)
	assert.Equal(t, domain.StateCreated, req.State)
	assert.Zero(t, h.ledger.SubmitCalls())

	h.clock.Advance(2 * time.Minute)
	req, err = h.svc.Drive(ctx, "req-leased", domain.DriverSweeper)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePersisted, req.State)
}

func TestDriveUnknownRequest(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Drive(context.Background(), "missing", domain.DriverSweeper)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStopLeavesNewRequestsForSweeper(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Stop(context.Background()))

	id, err := h.svc.SubmitIssuance(context.Background(), issuancetest.SubmitPayload("req-after-stop", "CARD-0011"))
	require.NoError(t, err)

	status, err := h.svc.GetIssuanceStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, status.State)
	assert.True(t, status.Processing)
	assert.Zero(t, h.ledger.SubmitCalls())
}

func TestGetIssuanceStatusErrors(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.GetIssuanceStatus(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidRequestID)
	_, err = h.svc.GetIssuanceStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListIssuanceRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i, id := range []string{"req-l1", "req-l2", "req-l3"} {
		row := issuancetest.NewRequest(snowflake.ID(400+i), id, "CARD-L"+id, h.clock.Now())
		_, err := h.repo.Insert(ctx, h.db, row)
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}

	first, err := h.svc.ListIssuanceRequests(ctx, domain.ListIssuanceRequest{State: "created", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.Requests, 2)
	assert.Equal(t, "req-l3", first.Requests[0].RequestID)
	assert.True(t, first.HasMore)

	second, err := h.svc.ListIssuanceRequests(ctx, domain.ListIssuanceRequest{State: "CREATED", PageSize: 2, PageToken: first.NextPageToken})
	require.NoError(t, err)
	require.Len(t, second.Requests, 1)
	assert.Equal(t, "req-l1", second.Requests[0].RequestID)

	_, err = h.svc.ListIssuanceRequests(ctx, domain.ListIssuanceRequest{State: "DONE"})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = h.svc.ListIssuanceRequests(ctx, domain.ListIssuanceRequest{PageToken: "not-a-token"})
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}

func TestDrivePublishesTransitions(t *testing.T) {
	hub := liveevents.NewHub()
	h := newHarness(t, withEvents(hub))
	sub, _, err := hub.Subscribe("req-live")
	require.NoError(t, err)
	defer sub.Close()

	_, err = h.svc.SubmitIssuance(context.Background(), issuancetest.SubmitPayload("req-live", "CARD-0100"))
	require.NoError(t, err)
	h.waitTerminal(t, "req-live")

	var path []string
	require.Eventually(t, func() bool {
		for {
			select {
			case event := <-sub.Events():
				path = append(path, event.From+">"+event.To)
				assert.Equal(t, string(domain.DriverCoordinator), event.Driver)
			default:
				return len(path) == 3
			}
		}
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"CREATED>SUBMITTED", "SUBMITTED>CONFIRMED", "CONFIRMED>PERSISTED"}, path)
}
