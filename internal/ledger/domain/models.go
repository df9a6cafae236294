package domain

import (
	"time"
)

// TxRef is the ledger transaction hash, 0x-prefixed hex.
type TxRef string

func (r TxRef) String() string { return string(r) }

type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "PENDING"
	ConfirmationConfirmed ConfirmationStatus = "CONFIRMED"
	ConfirmationReverted  ConfirmationStatus = "REVERTED"
)

// Payload is the card anchor written to the ledger. Dates are calendar dates
// and travel on-chain as unix seconds at UTC midnight.
type Payload struct {
	RequestID           string
	RequestHash         string
	InsuredPersonID     string
	CardNumber          string
	PolicyNumber        string
	DateOfBirth         time.Time
	PolicyEffectiveDate time.Time
	ValidUntil          time.Time
	HasDependents       bool
	DependentCount      int
}
