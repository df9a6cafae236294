package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSubmissionRejected  = errors.New("submission_rejected")
	ErrLedgerUnavailable   = errors.New("ledger_unavailable")
	ErrUnknownTransaction  = errors.New("unknown_transaction")
	ErrSignerNotConfigured = errors.New("signer_not_configured")
)

const (
	RejectReasonUnauthorized     = "unauthorized"
	RejectReasonMalformedPayload = "malformed_payload"
	RejectReasonExecutionRevert  = "execution_reverted"
	RejectReasonInsufficientFund = "insufficient_funds"
)

// SubmissionError is returned by Submit when the ledger refuses the transaction.
type SubmissionError struct {
	Reason string
	Cause  error
}

func NewSubmissionError(reason string, cause error) *SubmissionError {
	return &SubmissionError{Reason: reason, Cause: cause}
}

func (e *SubmissionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("ledger submission rejected: %s", e.Reason)
	}
	return fmt.Sprintf("ledger submission rejected: %s: %v", e.Reason, e.Cause)
}

func (e *SubmissionError) Unwrap() error { return e.Cause }

func (e *SubmissionError) Is(target error) bool {
	return target == ErrSubmissionRejected
}

// IsSubmissionRejected reports whether err is a ledger refusal rather than a transport failure.
func IsSubmissionRejected(err error) bool {
	var subErr *SubmissionError
	return errors.As(err, &subErr)
}
