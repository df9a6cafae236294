package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/insurecard/pkg/db/pagination"
)

// SubmitIssuanceRequest carries the card payload. Dates use YYYY-MM-DD.
type SubmitIssuanceRequest struct {
	RequestID           string `json:"request_id"`
	InsuredPersonID     string `json:"insured_person_id"`
	CardNumber          string `json:"card_number"`
	PolicyNumber        string `json:"policy_number"`
	DateOfBirth         string `json:"date_of_birth"`
	PolicyEffectiveDate string `json:"policy_effective_date"`
	ValidUntil          string `json:"valid_until"`
	HasDependents       bool   `json:"has_dependents"`
	DependentCount      int    `json:"dependent_count"`
}

// Stage is the coarse progress shown by the UI's three-step indicator.
type Stage string

const (
	StageSubmitted         Stage = "submitted"
	StageConfirming        Stage = "confirming"
	StageConfirmedAndSaved Stage = "confirmed_and_saved"
	StageFailed            Stage = "failed"
)

type IssuanceStatus struct {
	RequestID     string         `json:"request_id"`
	State         State          `json:"state"`
	Stage         Stage          `json:"stage"`
	LedgerTxRef   *string        `json:"ledger_tx_ref,omitempty"`
	FailureReason *FailureReason `json:"failure_reason,omitempty"`
	// Processing is true while the request may still complete; the caller
	// must not resubmit.
	Processing bool `json:"processing"`
	// RetryWithNewRequest is true only for terminal failures.
	RetryWithNewRequest bool      `json:"retry_with_new_request"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// StatusOf derives the caller-facing status of req.
func StatusOf(req *IssuanceRequest) IssuanceStatus {
	status := IssuanceStatus{
		RequestID:     req.RequestID,
		State:         req.State,
		LedgerTxRef:   req.LedgerTxRef,
		FailureReason: req.FailureReason,
		Processing:    !req.State.Terminal(),
		CreatedAt:     req.CreatedAt,
		UpdatedAt:     req.UpdatedAt,
	}
	switch req.State {
	case StateCreated:
		status.Stage = StageSubmitted
	case StateSubmitted, StateConfirmed:
		status.Stage = StageConfirming
	case StatePersisted:
		status.Stage = StageConfirmedAndSaved
	case StateFailed:
		status.Stage = StageFailed
		status.RetryWithNewRequest = true
	}
	return status
}

// Driver names who is advancing a request; it prefixes lease owner tokens.
type Driver string

const (
	DriverCoordinator Driver = "coordinator"
	DriverSweeper     Driver = "sweeper"
)

type ListIssuanceRequest struct {
	State           string
	InsuredPersonID string
	CardNumber      string
	PageToken       string
	PageSize        int
}

type ListIssuanceResponse struct {
	pagination.PageInfo
	Requests []IssuanceStatus `json:"requests"`
}

type Service interface {
	// SubmitIssuance durably records the request as CREATED and hands it to a
	// background driver. It returns the request id without waiting on the ledger.
	SubmitIssuance(ctx context.Context, req SubmitIssuanceRequest) (string, error)
	GetIssuanceStatus(ctx context.Context, requestID string) (IssuanceStatus, error)
	ListIssuanceRequests(ctx context.Context, req ListIssuanceRequest) (ListIssuanceResponse, error)
	// Drive claims the request lease and advances it as far as it can.
	// It returns ErrLeaseHeld when another driver owns the request.
	Drive(ctx context.Context, requestID string, driver Driver) (*IssuanceRequest, error)
}
