package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/insurecard/internal/issuance/domain"
	"github.com/smallbiznis/insurecard/internal/issuance/issuancetest"
	"github.com/smallbiznis/insurecard/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, time.October, 1, 9, 0, 0, 0, time.UTC)

func newNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func strPtr(v string) *string { return &v }

func TestInsertIsIdempotentOnRequestID(t *testing.T) {
	ctx := context.Background()
	db := issuancetest.NewDB(t)
	node := newNode(t)
	r := Provide()

	inserted, err := r.Insert(ctx, db, issuancetest.NewRequest(node.Generate(), "req-1", "CARD-1", baseTime))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = r.Insert(ctx, db, issuancetest.NewRequest(node.Generate(), "req-1", "CARD-1", baseTime))
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := r.FindByRequestID(ctx, db, "req-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StateCreated, got.State)
	assert.Equal(t, "CARD-1", got.CardNumber)
	assert.True(t, got.DateOfBirth.Equal(time.Date(1988, time.March, 14, 0, 0, 0, 0, time.UTC)))

	missing, err := r.FindByRequestID(ctx, db, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestClaimLeaseIsExclusiveUntilExpiry(t *testing.T) {
	ctx := context.Background()
	db := issuancetest.NewDB(t)
	r := Provide()
	_, err := r.Insert(ctx, db, issuancetest.NewRequest(newNode(t).Generate(), "req-1", "CARD-1", baseTime))
	require.NoError(t, err)

	ok, err := r.ClaimLease(ctx, db, "req-1", "coordinator:a", baseTime, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.ClaimLease(ctx, db, "req-1", "sweeper:b", baseTime.Add(30*time.Second), baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "lease still held")

	ok, err = r.ClaimLease(ctx, db, "req-1", "sweeper:b", baseTime.Add(time.Minute), baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")

	// the old owner can no longer move the request
	err = r.MarkSubmitAttempted(ctx, db, "req-1", "coordinator:a", baseTime)
	assert.ErrorIs(t, err, domain.ErrLeaseLost)

	require.NoError(t, r.ReleaseLease(ctx, db, "req-1", "sweeper:b"))
	ok, err = r.ClaimLease(ctx, db, "req-1", "coordinator:c", baseTime.Add(time.Minute), baseTime.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaimLeaseConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	db := issuancetest.NewDB(t)
	r := Provide()
	_, err := r.Insert(ctx, db, issuancetest.NewRequest(newNode(t).Generate(), "req-1", "CARD-1", baseTime))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := r.ClaimLease(ctx, db, "req-1", "driver:"+string(rune('a'+i)), baseTime, baseTime.Add(time.Minute))
			if err == nil && ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestClaimLeaseRejectsTerminalRequests(t *testing.T) {
	ctx := context.Background()
	db := issuancetest.NewDB(t)
	r := Provide()
	_, err := r.Insert(ctx, db, issuancetest.NewRequest(newNode(t).Generate(), "req-1", "CARD-1", baseTime))
	require.NoError(t, err)

	ok, err := r.ClaimLease(ctx, db, "req-1", "coordinator:a", baseTime, baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	reason := domain.FailureSubmissionRejected
	require.NoError(t, r.Transition(ctx, db, domain.Transition{
		RequestID:     "req-1",
		Owner:         "coordinator:a",
		From:          domain.StateCreated,
		To:            domain.StateFailed,
		FailureReason: &reason,
		At:            baseTime,
	}))
	require.NoError(t, r.ReleaseLease(ctx, db, "req-1", "coordinator:a"))

	ok, err = r.ClaimLease(ctx, db, "req-1", "sweeper:b", baseTime.Add(time.Hour), baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransitionEnforcesStateMachineAndOwner(t *testing.T) {
	ctx := context.Background()
	db := issuancetest.NewDB(t)
	r := Provide()
	_, err := r.Insert(ctx, db, issuancetest.NewRequest(newNode(t).Generate(), "req-1", "CARD-1", baseTime))
	require.NoError(t, err)
	ok, err := r.ClaimLease(ctx, db, "req-1", "coordinator:a", baseTime, baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	err = r.Transition(ctx, db, domain.Transition{RequestID: "req-1", Owner: "coordinator:a", From: domain.StateCreated, To: domain.StateConfirmed, At: baseTime})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = r.Transition(ctx, db, domain.Transition{RequestID: "req-1", Owner: "coordinator:a", From: domain.StateCreated, To: domain.StateSubmitted, At: baseTime})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "submitted requires a tx ref")

	err = r.Transition(ctx, db, domain.Transition{RequestID: "req-1", Owner: "someone-else", From: domain.StateCreated, To: domain.StateSubmitted, LedgerTxRef: strPtr("0xabc"), At: baseTime})
	assert.ErrorIs(t, err, domain.ErrLeaseLost)

	later := baseTime.Add(5 * time.Second)
	require.NoError(t, r.Transition(ctx, db, domain.Transition{RequestID: "req-1", Owner: "coordinator:a", From: domain.StateCreated, To: domain.StateSubmitted, LedgerTxRef: strPtr("0xabc"), At: later}))

	// stale from-state loses the CAS
	err = r.Transition(ctx, db, domain.Transition{RequestID: "req-1", Owner: "coordinator:a", From: domain.StateCreated, To: domain.StateSubmitted, LedgerTxRef: strPtr("0xdef"), At: later})
	assert.ErrorIs(t, err, domain.ErrLeaseLost)

	require.NoError(t, r.Transition(ctx, db, domain.Transition{RequestID: "req-1", Owner: "coordinator:a", From: domain.StateSubmitted, To: domain.StateConfirmed, At: later}))

	got, err := r.FindByRequestID(ctx, db, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateConfirmed, got.State)
	assert.Equal(t, "0xabc", got.TxRef())
	require.NotNil(t, got.ConfirmedAt)
	assert.True(t, got.UpdatedAt.Equal(later))
	assert.Nil(t, got.FailureReason)
}

func TestUpsertCardRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := issuancetest.NewDB(t)
	node := newNode(t)
	r := Provide()

	req := issuancetest.NewRequest(node.Generate(), "req-1", "CARD-1", baseTime)
	req.LedgerTxRef = strPtr("0xabc")

	created, err := r.UpsertCardRecord(ctx, db, domain.NewCardRecord(node.Generate(), req, baseTime))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = r.UpsertCardRecord(ctx, db, domain.NewCardRecord(node.Generate(), req, baseTime.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, created)

	count, err := issuancetest.CountCardRecords(ctx, db, "CARD-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	card, err := issuancetest.FindCardRecord(ctx, db, "CARD-1", "0xabc")
	require.NoError(t, err)
	require.NotNil(t, card)
	assert.Equal(t, domain.CardStatusActive, card.Status)
	assert.Equal(t, "req-1", card.RequestID)

	req.LedgerTxRef = nil
	_, err = r.UpsertCardRecord(ctx, db, domain.NewCardRecord(node.Generate(), req, baseTime))
	assert.Error(t, err)
}

func TestRecordErrorAndSweepAttempts(t *testing.T) {
	ctx := context.Background()
	db := issuancetest.NewDB(t)
	r := Provide()
	_, err := r.Insert(ctx, db, issuancetest.NewRequest(newNode(t).Generate(), "req-1", "CARD-1", baseTime))
	require.NoError(t, err)

	at := baseTime.Add(time.Minute)
	require.NoError(t, r.RecordError(ctx, db, "req-1", domain.ErrorCodeLedgerUnavailable, at))

	n, err := r.IncrementSweepAttempts(ctx, db, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = r.IncrementSweepAttempts(ctx, db, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = r.IncrementSweepAttempts(ctx, db, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := r.FindByRequestID(ctx, db, "req-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastError)
	assert.Equal(t, domain.ErrorCodeLedgerUnavailable, *got.LastError)
	assert.True(t, got.UpdatedAt.Equal(at))
}

func TestFindSweepCandidates(t *testing.T) {
	ctx := context.Background()
	db := issuancetest.NewDB(t)
	node := newNode(t)
	r := Provide()
	ta := issuancetest.NewTimeAccelerator(db)

	for _, id := range []string{"old", "fresh", "leased"} {
		_, err := r.Insert(ctx, db, issuancetest.NewRequest(node.Generate(), id, "CARD-"+id, baseTime))
		require.NoError(t, err)
	}
	now := baseTime.Add(10 * time.Minute)
	require.NoError(t, ta.Backdate(ctx, "old", baseTime))
	require.NoError(t, ta.Backdate(ctx, "fresh", now))
	require.NoError(t, ta.Backdate(ctx, "leased", baseTime))
	require.NoError(t, ta.ExpireLease(ctx, "leased", now.Add(time.Minute)))

	items, err := r.FindSweepCandidates(ctx, db, domain.StateCreated, now.Add(-time.Minute), now, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "old", items[0].RequestID)

	items, err = r.FindSweepCandidates(ctx, db, domain.StateSubmitted, now, now, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestListPaginates(t *testing.T) {
	ctx := context.Background()
	db := issuancetest.NewDB(t)
	node := newNode(t)
	r := Provide()

	for i := 0; i < 5; i++ {
		req := issuancetest.NewRequest(node.Generate(), "req-"+string(rune('a'+i)), "CARD-1", baseTime.Add(time.Duration(i)*time.Second))
		_, err := r.Insert(ctx, db, req)
		require.NoError(t, err)
	}

	page := pagination.Pagination{PageSize: 2}
	items, err := r.List(ctx, db, domain.ListIssuanceFilter{CardNumber: "CARD-1"}, page)
	require.NoError(t, err)
	require.Len(t, items, 3, "limit+1 rows signal another page")
	assert.Equal(t, "req-e", items[0].RequestID)

	token, err := pagination.EncodeCursor(pagination.Cursor{
		ID:        items[1].ID.String(),
		CreatedAt: items[1].CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
	items, err = r.List(ctx, db, domain.ListIssuanceFilter{CardNumber: "CARD-1"}, pagination.Pagination{PageSize: 2, PageToken: token})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "req-c", items[0].RequestID)

	items, err = r.List(ctx, db, domain.ListIssuanceFilter{State: domain.StatePersisted}, page)
	require.NoError(t, err)
	assert.Empty(t, items)
}
