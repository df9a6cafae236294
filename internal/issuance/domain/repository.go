package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/insurecard/pkg/db/pagination"
	"gorm.io/gorm"
)

// Transition is a compare-and-swap state change made by the lease holder.
type Transition struct {
	RequestID     string
	Owner         string
	From          State
	To            State
	LedgerTxRef   *string
	FailureReason *FailureReason
	At            time.Time
}

type ListIssuanceFilter struct {
	State           State
	InsuredPersonID string
	CardNumber      string
}

type Repository interface {
	// Insert stores a CREATED request. inserted is false when request_id already exists.
	Insert(ctx context.Context, db *gorm.DB, req *IssuanceRequest) (inserted bool, err error)
	FindByRequestID(ctx context.Context, db *gorm.DB, requestID string) (*IssuanceRequest, error)
	List(ctx context.Context, db *gorm.DB, filter ListIssuanceFilter, page pagination.Pagination) ([]*IssuanceRequest, error)

	ClaimLease(ctx context.Context, db *gorm.DB, requestID, owner string, now, until time.Time) (bool, error)
	RenewLease(ctx context.Context, db *gorm.DB, requestID, owner string, until time.Time) (bool, error)
	ReleaseLease(ctx context.Context, db *gorm.DB, requestID, owner string) error

	MarkSubmitAttempted(ctx context.Context, db *gorm.DB, requestID, owner string, at time.Time) error
	Transition(ctx context.Context, db *gorm.DB, t Transition) error
	RecordError(ctx context.Context, db *gorm.DB, requestID, code string, at time.Time) error
	IncrementSweepAttempts(ctx context.Context, db *gorm.DB, requestID string) (int, error)

	// UpsertCardRecord is idempotent on (card_number, ledger_tx_ref).
	UpsertCardRecord(ctx context.Context, db *gorm.DB, card *CardRecord) (created bool, err error)

	FindSweepCandidates(ctx context.Context, db *gorm.DB, state State, updatedBefore, now time.Time, limit int) ([]*IssuanceRequest, error)
}
