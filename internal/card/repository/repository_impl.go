package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/insurecard/internal/card/domain"
	"github.com/smallbiznis/insurecard/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindLatest(ctx context.Context, db *gorm.DB, cardNumber string) (*domain.Card, error) {
	var card domain.Card
	err := db.WithContext(ctx).
		Where("card_number = ?", cardNumber).
		Order("created_at desc, id desc").
		Limit(1).
		Find(&card).Error
	if err != nil {
		return nil, err
	}
	if card.ID == 0 {
		return nil, nil
	}
	return &card, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListCardFilter, page pagination.Pagination) ([]*domain.Card, error) {
	var cards []*domain.Card
	stmt := db.WithContext(ctx).Model(&domain.Card{})
	if filter.InsuredPersonID != "" {
		stmt = stmt.Where("insured_person_id = ?", filter.InsuredPersonID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, err
		}
		createdAt, err := cursor.CreatedAtTime()
		if err != nil {
			return nil, err
		}
		id, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return nil, err
		}
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)", createdAt.UTC(), createdAt.UTC(), id)
	}
	err := stmt.
		Order("created_at desc, id desc").
		Limit(page.Limit() + 1).
		Find(&cards).Error
	if err != nil {
		return nil, err
	}
	return cards, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.Status, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE card_records SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		at.UTC(),
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
