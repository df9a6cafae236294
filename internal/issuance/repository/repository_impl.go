package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/smallbiznis/insurecard/internal/issuance/domain"
	"github.com/smallbiznis/insurecard/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const requestColumns = `id, request_id, insured_person_id, card_number, policy_number,
	date_of_birth, policy_effective_date, valid_until, has_dependents, dependent_count,
	payload_hash, state, ledger_tx_ref, failure_reason, submit_attempted_at,
	claimed_by, claimed_until, sweep_attempts, last_error, last_error_at,
	confirmed_at, persisted_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, req *domain.IssuanceRequest) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}},
			DoNothing: true,
		}).
		Create(req)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByRequestID(ctx context.Context, db *gorm.DB, requestID string) (*domain.IssuanceRequest, error) {
	var req domain.IssuanceRequest
	err := db.WithContext(ctx).Raw(
		`SELECT `+requestColumns+`
		 FROM issuance_requests WHERE request_id = ?`,
		requestID,
	).Scan(&req).Error
	if err != nil {
		return nil, err
	}
	if req.ID == 0 {
		return nil, nil
	}
	return &req, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListIssuanceFilter, page pagination.Pagination) ([]*domain.IssuanceRequest, error) {
	var items []*domain.IssuanceRequest
	stmt := db.WithContext(ctx).Model(&domain.IssuanceRequest{})
	if filter.State != "" {
		stmt = stmt.Where("state = ?", filter.State)
	}
	if filter.InsuredPersonID != "" {
		stmt = stmt.Where("insured_person_id = ?", filter.InsuredPersonID)
	}
	if filter.CardNumber != "" {
		stmt = stmt.Where("card_number = ?", filter.CardNumber)
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
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ClaimLease(ctx context.Context, db *gorm.DB, requestID, owner string, now, until time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE issuance_requests
		 SET claimed_by = ?, claimed_until = ?
		 WHERE request_id = ?
		   AND state IN ?
		   AND (claimed_until IS NULL OR claimed_until <= ?)`,
		owner,
		until.UTC(),
		requestID,
		domain.NonTerminalStates,
		now.UTC(),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) RenewLease(ctx context.Context, db *gorm.DB, requestID, owner string, until time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE issuance_requests SET claimed_until = ?
		 WHERE request_id = ? AND claimed_by = ?`,
		until.UTC(),
		requestID,
		owner,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ReleaseLease(ctx context.Context, db *gorm.DB, requestID, owner string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE issuance_requests SET claimed_by = NULL, claimed_until = NULL
		 WHERE request_id = ? AND claimed_by = ?`,
		requestID,
		owner,
	).Error
}

func (r *repo) MarkSubmitAttempted(ctx context.Context, db *gorm.DB, requestID, owner string, at time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE issuance_requests SET submit_attempted_at = ?
		 WHERE request_id = ? AND claimed_by = ? AND state = ?`,
		at.UTC(),
		requestID,
		owner,
		domain.StateCreated,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, t domain.Transition) error {
	if !domain.CanTransition(t.From, t.To) {
		return domain.ErrInvalidTransition
	}
	switch t.To {
	case domain.StateSubmitted:
		if t.LedgerTxRef == nil || *t.LedgerTxRef == "" {
			return domain.ErrInvalidTransition
		}
	case domain.StateFailed:
		if t.FailureReason == nil {
			return domain.ErrInvalidTransition
		}
	}

	at := t.At.UTC()
	updates := map[string]any{
		"state":      t.To,
		"updated_at": at,
		"last_error": nil,
	}
	if t.LedgerTxRef != nil {
		updates["ledger_tx_ref"] = *t.LedgerTxRef
	}
	if t.FailureReason != nil {
		updates["failure_reason"] = *t.FailureReason
	}
	switch t.To {
	case domain.StateConfirmed:
		updates["confirmed_at"] = at
	case domain.StatePersisted:
		updates["persisted_at"] = at
	}

	result := db.WithContext(ctx).
		Table("issuance_requests").
		Where("request_id = ? AND state = ? AND claimed_by = ?", t.RequestID, t.From, t.Owner).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (r *repo) RecordError(ctx context.Context, db *gorm.DB, requestID, code string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE issuance_requests SET last_error = ?, last_error_at = ?, updated_at = ?
		 WHERE request_id = ?`,
		code,
		at.UTC(),
		at.UTC(),
		requestID,
	).Error
}

func (r *repo) IncrementSweepAttempts(ctx context.Context, db *gorm.DB, requestID string) (int, error) {
	var attempts int
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(
			`UPDATE issuance_requests SET sweep_attempts = sweep_attempts + 1
			 WHERE request_id = ?`,
			requestID,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return tx.Raw(
			`SELECT sweep_attempts FROM issuance_requests WHERE request_id = ?`,
			requestID,
		).Scan(&attempts).Error
	})
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

func (r *repo) UpsertCardRecord(ctx context.Context, db *gorm.DB, card *domain.CardRecord) (bool, error) {
	if card.LedgerTxRef == "" {
		return false, errors.New("card_record_missing_tx_ref")
	}
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "card_number"}, {Name: "ledger_tx_ref"}},
			DoNothing: true,
		}).
		Create(card)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindSweepCandidates(ctx context.Context, db *gorm.DB, state domain.State, updatedBefore, now time.Time, limit int) ([]*domain.IssuanceRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []*domain.IssuanceRequest
	err := db.WithContext(ctx).Raw(
		`SELECT `+requestColumns+`
		 FROM issuance_requests
		 WHERE state = ?
		   AND updated_at <= ?
		   AND (claimed_until IS NULL OR claimed_until <= ?)
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		state,
		updatedBefore.UTC(),
		now.UTC(),
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
