package repository

import (
	"context"

	"github.com/smallbiznis/insurecard/internal/alert/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, alert *domain.Alert) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}, {Name: "kind"}},
			DoNothing: true,
		}).
		Create(alert)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id int64) (*domain.Alert, error) {
	var alert domain.Alert
	err := db.WithContext(ctx).Raw(
		`SELECT id, request_id, kind, state, sweep_attempts, last_error, status,
		        raised_at, acknowledged_at, acknowledged_by
		 FROM issuance_alerts
		 WHERE id = ?`,
		id,
	).Scan(&alert).Error
	if err != nil {
		return nil, err
	}
	if alert.ID == 0 {
		return nil, nil
	}
	return &alert, nil
}

// List returns alerts newest first. Snowflake ids order by raise time.
func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Alert, error) {
	var items []*domain.Alert
	stmt := db.WithContext(ctx).Model(&domain.Alert{})
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.AfterID > 0 {
		stmt = stmt.Where("id < ?", filter.AfterID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if err := stmt.Order("id desc").Limit(limit + 1).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Acknowledge(ctx context.Context, db *gorm.DB, alert *domain.Alert) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE issuance_alerts
		 SET status = ?, acknowledged_at = ?, acknowledged_by = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusAcknowledged,
		alert.AcknowledgedAt,
		alert.AcknowledgedBy,
		alert.ID,
		domain.StatusOpen,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
