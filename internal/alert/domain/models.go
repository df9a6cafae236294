package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Kind string

const (
	KindStuck Kind = "STUCK"
)

type Status string

const (
	StatusOpen         Status = "OPEN"
	StatusAcknowledged Status = "ACKNOWLEDGED"
)

// Alert is raised once per (request, kind) and stays until acknowledged.
type Alert struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	RequestID      string       `json:"request_id"`
	Kind           Kind         `json:"kind"`
	State          string       `json:"state"`
	SweepAttempts  int          `json:"sweep_attempts"`
	LastError      *string      `json:"last_error,omitempty"`
	Status         Status       `json:"status"`
	RaisedAt       time.Time    `json:"raised_at"`
	AcknowledgedAt *time.Time   `json:"acknowledged_at,omitempty"`
	AcknowledgedBy *string      `json:"acknowledged_by,omitempty"`
}

// TableName sets the database table name.
func (Alert) TableName() string { return "issuance_alerts" }
