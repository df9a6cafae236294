package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/insurecard/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert writes through db, which may be the caller's transaction so the
// entry commits or rolls back with the change it records.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	stmt := db.WithContext(ctx).Model(&domain.AuditLog{})
	for column, value := range map[string]string{
		"action":      filter.Action,
		"target_type": filter.TargetType,
		"target_id":   filter.TargetID,
		"actor_type":  filter.ActorType,
	} {
		if value = strings.TrimSpace(value); value != "" {
			stmt = stmt.Where(column+" = ?", value)
		}
	}
	if filter.StartAt != nil {
		stmt = stmt.Where("created_at >= ?", filter.StartAt.UTC())
	}
	if filter.EndAt != nil {
		stmt = stmt.Where("created_at <= ?", filter.EndAt.UTC())
	}
	if c := filter.Cursor; c != nil {
		at := c.CreatedAt.UTC()
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)", at, at, c.ID)
	}

	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		// one extra row tells the caller whether another page exists
		stmt = stmt.Limit(filter.Limit + 1)
	}

	var logs []*domain.AuditLog
	if err := stmt.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *repo) ListByTarget(ctx context.Context, db *gorm.DB, targetType, targetID string, limit int) ([]domain.AuditLog, error) {
	var logs []domain.AuditLog
	stmt := db.WithContext(ctx).
		Where("target_type = ? AND target_id = ?", targetType, targetID).
		Order("created_at asc, id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
