package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ActorType string

const (
	ActorTypeSystem  ActorType = "system"
	ActorTypeUser    ActorType = "user"
	ActorTypeSweeper ActorType = "sweeper"
)

// Issuance audit actions.
const (
	ActionIssuanceCreated     = "issuance.created"
	ActionIssuanceTransition  = "issuance.transition"
	ActionIssuanceStuck       = "issuance.stuck"
	ActionCardStatusUpdated   = "card.status_updated"
	ActionAlertAcknowledged   = "alert.acknowledged"
	ActionAuthorizationDenied = "authorization.denied"
)

type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	ActorType  string            `json:"actor_type"`
	ActorID    *string           `json:"actor_id,omitempty"`
	Action     string            `json:"action"`
	TargetType string            `json:"target_type"`
	TargetID   *string           `json:"target_id,omitempty"`
	Metadata   datatypes.JSONMap `json:"metadata"`
	CreatedAt  time.Time         `json:"created_at"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_logs" }

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *AuditCursor
	Limit      int
}

// MaxTrailEntries bounds a single target's trail.
const MaxTrailEntries = 500

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
	// ListByTarget returns entries for one target oldest first.
	ListByTarget(ctx context.Context, db *gorm.DB, targetType, targetID string, limit int) ([]AuditLog, error)
}
