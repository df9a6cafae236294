package issuancetest

import (
	"context"

	"github.com/smallbiznis/insurecard/internal/issuance/domain"
	"gorm.io/gorm"
)

// FindCardRecord returns the card mirrored for one ledger transaction, or nil.
func FindCardRecord(ctx context.Context, db *gorm.DB, cardNumber, ledgerTxRef string) (*domain.CardRecord, error) {
	var card domain.CardRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, request_id, insured_person_id, card_number, policy_number,
		        date_of_birth, policy_effective_date, valid_until, has_dependents,
		        dependent_count, status, ledger_tx_ref, created_at, updated_at
		 FROM card_records WHERE card_number = ? AND ledger_tx_ref = ?`,
		cardNumber,
		ledgerTxRef,
	).Scan(&card).Error
	if err != nil {
		return nil, err
	}
	if card.ID == 0 {
		return nil, nil
	}
	return &card, nil
}

// CountCardRecords counts every mirrored card for a card number.
func CountCardRecords(ctx context.Context, db *gorm.DB, cardNumber string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.CardRecord{}).
		Where("card_number = ?", cardNumber).
		Count(&count).Error
	return count, err
}
