package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/insurecard/pkg/db/pagination"
	"gorm.io/gorm"
)

var (
	ErrNotFound            = errors.New("alert_not_found")
	ErrInvalidStatus       = errors.New("invalid_alert_status")
	ErrAlreadyAcknowledged = errors.New("alert_already_acknowledged")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
)

// StuckRequest is the snapshot of an issuance request the sweeper gave up on.
type StuckRequest struct {
	RequestID     string
	State         string
	SweepAttempts int
	LastError     *string
}

type ListAlertsRequest struct {
	pagination.Pagination
	Status string
}

type ListAlertsResponse struct {
	pagination.PageInfo
	Alerts []Alert `json:"alerts"`
}

type Service interface {
	// RaiseStuck records a STUCK alert for the request. raised is false when
	// an alert for the request already exists.
	RaiseStuck(ctx context.Context, req StuckRequest) (raised bool, err error)
	List(ctx context.Context, req ListAlertsRequest) (ListAlertsResponse, error)
	Acknowledge(ctx context.Context, id string, actorID string) (*Alert, error)
}

type ListFilter struct {
	Status  Status
	AfterID int64
	Limit   int
}

type Repository interface {
	InsertIfAbsent(ctx context.Context, db *gorm.DB, alert *Alert) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id int64) (*Alert, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Alert, error)
	Acknowledge(ctx context.Context, db *gorm.DB, alert *Alert) (bool, error)
}
