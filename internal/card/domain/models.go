package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusRevoked  Status = "REVOKED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusRevoked:
		return true
	default:
		return false
	}
}

// CanTransition reports whether an operator may move a card from -> to.
// REVOKED is terminal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusInactive || to == StatusRevoked
	case StatusInactive:
		return to == StatusActive || to == StatusRevoked
	default:
		return false
	}
}

// Card is the read side of a persisted issuance.
type Card struct {
	ID                  snowflake.ID `gorm:"primaryKey" json:"id"`
	RequestID           string       `json:"request_id"`
	InsuredPersonID     string       `json:"insured_person_id"`
	CardNumber          string       `json:"card_number"`
	PolicyNumber        string       `json:"policy_number"`
	DateOfBirth         time.Time    `json:"date_of_birth"`
	PolicyEffectiveDate time.Time    `json:"policy_effective_date"`
	ValidUntil          time.Time    `json:"valid_until"`
	HasDependents       bool         `json:"has_dependents"`
	DependentCount      int          `json:"dependent_count"`
	Status              Status       `json:"status"`
	LedgerTxRef         string       `json:"ledger_tx_ref"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// TableName sets the database table name.
func (Card) TableName() string { return "card_records" }
