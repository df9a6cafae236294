package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/insurecard/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	// FindLatest returns the newest record for cardNumber, or nil.
	FindLatest(ctx context.Context, db *gorm.DB, cardNumber string) (*Card, error)
	List(ctx context.Context, db *gorm.DB, filter ListCardFilter, page pagination.Pagination) ([]*Card, error)
	// UpdateStatus moves id from -> to. updated is false when the row no longer has status from.
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, at time.Time) (updated bool, err error)
}
