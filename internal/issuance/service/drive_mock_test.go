package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/smallbiznis/insurecard/internal/issuance/domain"
	"github.com/smallbiznis/insurecard/internal/issuance/issuancetest"
	ledgerdomain "github.com/smallbiznis/insurecard/internal/ledger/domain"
	"github.com/smallbiznis/insurecard/internal/ledger/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adoptedRef = ledgerdomain.TxRef("0x9f1c4c1a1f3a0d7c2b8e6f5d4c3b2a1908f7e6d5c4b3a29180f7e6d5c4b3a291")

func TestDriveTransportFailureThenAdoptsTransaction(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	h := newHarness(t, withLedger(client))
	ctx := context.Background()

	row := issuancetest.NewRequest(501, "req-transport", "CARD-M1", h.clock.Now())
	_, err := h.repo.Insert(ctx, h.db, row)
	require.NoError(t, err)

	// The send timed out after the node had accepted the transaction.
	client.EXPECT().
		Submit(gomock.Any(), gomock.Any()).
		Return(ledgerdomain.TxRef(""), fmt.Errorf("%w: i/o timeout", ledgerdomain.ErrLedgerUnavailable)).
		Times(1)

	req, err := h.svc.Drive(ctx, "req-transport", domain.DriverCoordinator)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, req.State)
	require.NotNil(t, req.SubmitAttemptedAt)
	require.NotNil(t, req.LastError)
	assert.Equal(t, domain.ErrorCodeLedgerUnavailable, *req.LastError)

	gomock.InOrder(
		client.EXPECT().FindByRequestHash(gomock.Any(), row.PayloadHash).Return(adoptedRef, true, nil),
		client.EXPECT().AwaitConfirmation(gomock.Any(), adoptedRef).Return(ledgerdomain.ConfirmationConfirmed, nil),
	)

	req, err = h.svc.Drive(ctx, "req-transport", domain.DriverSweeper)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePersisted, req.State)
	assert.Equal(t, adoptedRef.String(), req.TxRef())
}

func TestDriveUnknownOutcomeWaitsForResubmitGrace(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	h := newHarness(t, withLedger(client))
	ctx := context.Background()

	row := issuancetest.NewRequest(502, "req-grace", "CARD-M2", h.clock.Now())
	_, err := h.repo.Insert(ctx, h.db, row)
	require.NoError(t, err)
	require.NoError(t, issuancetest.NewTimeAccelerator(h.db).StampSubmitAttempt(ctx, row.RequestID, h.clock.Now()))

	client.EXPECT().FindByRequestHash(gomock.Any(), row.PayloadHash).Return(ledgerdomain.TxRef(""), false, nil).Times(2)

	req, err := h.svc.Drive(ctx, "req-grace", domain.DriverSweeper)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, req.State)
	require.NotNil(t, req.LastError)
	assert.Equal(t, domain.ErrorCodeSubmissionUnknown, *req.LastError)

	h.clock.Advance(11 * time.Minute)
	client.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(ledgerdomain.TxRef(""),
		ledgerdomain.NewSubmissionError(ledgerdomain.RejectReasonUnauthorized, ledgerdomain.ErrSignerNotConfigured))

	req, err = h.svc.Drive(ctx, "req-grace", domain.DriverSweeper)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, req.State)
	require.NotNil(t, req.FailureReason)
	assert.Equal(t, domain.FailureSubmissionRejected, *req.FailureReason)
}

func TestDriveAwaitTransportErrorStaysSubmitted(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	h := newHarness(t, withLedger(client))
	ctx := context.Background()

	row := issuancetest.NewRequest(503, "req-await", "CARD-M3", h.clock.Now())
	_, err := h.repo.Insert(ctx, h.db, row)
	require.NoError(t, err)

	client.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(adoptedRef, nil)
	client.EXPECT().AwaitConfirmation(gomock.Any(), adoptedRef).
		Return(ledgerdomain.ConfirmationPending, ledgerdomain.ErrLedgerUnavailable)

	req, err := h.svc.Drive(ctx, "req-await", domain.DriverCoordinator)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSubmitted, req.State)
	require.NotNil(t, req.LastError)
	assert.Equal(t, domain.ErrorCodeLedgerUnavailable, *req.LastError)
	assert.Nil(t, req.FailureReason)
}

func TestSweeperDriveRequeriesWithShortWait(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	h := newHarness(t, withLedger(client), withConfirmationTimeout(time.Minute), withSweepWait(30*time.Millisecond))
	ctx := context.Background()

	row := issuancetest.NewRequest(504, "req-requery", "CARD-M4", h.clock.Now())
	_, err := h.repo.Insert(ctx, h.db, row)
	require.NoError(t, err)
	ta := issuancetest.NewTimeAccelerator(h.db)
	require.NoError(t, ta.ForceState(ctx, row.RequestID, string(domain.StateSubmitted), adoptedRef.String(), "coordinator:gone", h.clock.Now().Add(-time.Second)))

	var (
		budget      time.Duration
		hasDeadline bool
	)
	client.EXPECT().
		AwaitConfirmation(gomock.Any(), adoptedRef).
		DoAndReturn(func(waitCtx context.Context, _ ledgerdomain.TxRef) (ledgerdomain.ConfirmationStatus, error) {
			var deadline time.Time
			deadline, hasDeadline = waitCtx.Deadline()
			budget = time.Until(deadline)
			<-waitCtx.Done()
			return ledgerdomain.ConfirmationPending, nil
		})

	started := time.Now()
	req, err := h.svc.Drive(ctx, "req-requery", domain.DriverSweeper)
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 5*time.Second)
	require.True(t, hasDeadline)
	assert.LessOrEqual(t, budget, 30*time.Millisecond)

	assert.Equal(t, domain.StateSubmitted, req.State)
	require.NotNil(t, req.LastError)
	assert.Equal(t, domain.ErrorCodeConfirmationTimeout, *req.LastError)
}
