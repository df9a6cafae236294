package domain

import "errors"

var (
	ErrInvalidRequestID      = errors.New("invalid_request_id")
	ErrInvalidInsuredPerson  = errors.New("invalid_insured_person_id")
	ErrInvalidCardNumber     = errors.New("invalid_card_number")
	ErrInvalidPolicyNumber   = errors.New("invalid_policy_number")
	ErrInvalidDate           = errors.New("invalid_date")
	ErrInvalidDependentCount = errors.New("invalid_dependent_count")
	ErrInvalidState          = errors.New("invalid_state")
	ErrInvalidPageToken      = errors.New("invalid_page_token")
	ErrNotFound              = errors.New("not_found")
	ErrIdempotencyConflict   = errors.New("idempotency_conflict")
	ErrLeaseHeld             = errors.New("lease_held")
	ErrLeaseLost             = errors.New("lease_lost")
	ErrInvalidTransition     = errors.New("invalid_transition")
)
