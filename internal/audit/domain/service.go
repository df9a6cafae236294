package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/insurecard/pkg/db/pagination"
)

type ListAuditLogRequest struct {
	pagination.Pagination
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

// Trail is the chronological history of one audited target, such as every
// transition an issuance request went through and who drove it.
type Trail struct {
	TargetType string     `json:"target_type"`
	TargetID   string     `json:"target_id"`
	Entries    []AuditLog `json:"entries"`
	Truncated  bool       `json:"truncated"`
}

type Service interface {
	AuditLog(ctx context.Context, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
	Trail(ctx context.Context, targetType, targetID string) (Trail, error)
}

var (
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidTarget    = errors.New("invalid_target")
)
