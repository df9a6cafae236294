package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// State is the issuance lifecycle position. It only moves forward along
// CREATED -> SUBMITTED -> CONFIRMED -> PERSISTED, with FAILED reachable from
// CREATED or SUBMITTED.
type State string

const (
	StateCreated   State = "CREATED"
	StateSubmitted State = "SUBMITTED"
	StateConfirmed State = "CONFIRMED"
	StatePersisted State = "PERSISTED"
	StateFailed    State = "FAILED"
)

func (s State) Terminal() bool {
	return s == StatePersisted || s == StateFailed
}

func (s State) Valid() bool {
	switch s {
	case StateCreated, StateSubmitted, StateConfirmed, StatePersisted, StateFailed:
		return true
	default:
		return false
	}
}

// NonTerminalStates are the states a driver may claim.
var NonTerminalStates = []State{StateCreated, StateSubmitted, StateConfirmed}

// CanTransition reports whether from -> to is an edge of the issuance state machine.
func CanTransition(from, to State) bool {
	switch from {
	case StateCreated:
		return to == StateSubmitted || to == StateFailed
	case StateSubmitted:
		return to == StateConfirmed || to == StateFailed
	case StateConfirmed:
		return to == StatePersisted
	default:
		return false
	}
}

// FailureReason is the terminal failure code stored on FAILED requests.
type FailureReason string

const (
	FailureSubmissionRejected FailureReason = "SUBMISSION_REJECTED"
	FailureLedgerReverted     FailureReason = "LEDGER_REVERTED"
)

// Transient condition codes recorded in last_error. They never end a request.
const (
	ErrorCodeStoreWriteFailed    = "STORE_WRITE_FAILED"
	ErrorCodeConfirmationTimeout = "CONFIRMATION_TIMEOUT"
	ErrorCodeLedgerUnavailable   = "LEDGER_UNAVAILABLE"
	ErrorCodeSubmissionUnknown   = "SUBMISSION_OUTCOME_UNKNOWN"
)

type IssuanceRequest struct {
	ID                  snowflake.ID `gorm:"primaryKey"`
	RequestID           string
	InsuredPersonID     string
	CardNumber          string
	PolicyNumber        string
	DateOfBirth         time.Time
	PolicyEffectiveDate time.Time
	ValidUntil          time.Time
	HasDependents       bool
	DependentCount      int
	PayloadHash         string
	State               State
	LedgerTxRef         *string
	FailureReason       *FailureReason
	SubmitAttemptedAt   *time.Time
	ClaimedBy           *string
	ClaimedUntil        *time.Time
	SweepAttempts       int
	LastError           *string
	LastErrorAt         *time.Time
	ConfirmedAt         *time.Time
	PersistedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TableName sets the database table name.
func (IssuanceRequest) TableName() string { return "issuance_requests" }

func (r *IssuanceRequest) TxRef() string {
	if r == nil || r.LedgerTxRef == nil {
		return ""
	}
	return *r.LedgerTxRef
}

type CardStatus string

const (
	CardStatusActive   CardStatus = "ACTIVE"
	CardStatusInactive CardStatus = "INACTIVE"
	CardStatusRevoked  CardStatus = "REVOKED"
)

// CardRecord is the off-chain projection of a persisted issuance.
type CardRecord struct {
	ID                  snowflake.ID `gorm:"primaryKey"`
	RequestID           string
	InsuredPersonID     string
	CardNumber          string
	PolicyNumber        string
	DateOfBirth         time.Time
	PolicyEffectiveDate time.Time
	ValidUntil          time.Time
	HasDependents       bool
	DependentCount      int
	Status              CardStatus
	LedgerTxRef         string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TableName sets the database table name.
func (CardRecord) TableName() string { return "card_records" }

// NewCardRecord projects a confirmed request into its card row.
func NewCardRecord(id snowflake.ID, req *IssuanceRequest, now time.Time) *CardRecord {
	return &CardRecord{
		ID:                  id,
		RequestID:           req.RequestID,
		InsuredPersonID:     req.InsuredPersonID,
		CardNumber:          req.CardNumber,
		PolicyNumber:        req.PolicyNumber,
		DateOfBirth:         req.DateOfBirth,
		PolicyEffectiveDate: req.PolicyEffectiveDate,
		ValidUntil:          req.ValidUntil,
		HasDependents:       req.HasDependents,
		DependentCount:      req.DependentCount,
		Status:              CardStatusActive,
		LedgerTxRef:         req.TxRef(),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}
