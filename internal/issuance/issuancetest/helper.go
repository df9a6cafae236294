// Package issuancetest provides an in-memory Record Store and time helpers for tests.
package issuancetest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Schema mirrors the postgres migrations using sqlite types.
const Schema = `
CREATE TABLE issuance_requests (
	id INTEGER PRIMARY KEY,
	request_id TEXT NOT NULL,
	insured_person_id TEXT NOT NULL,
	card_number TEXT NOT NULL,
	policy_number TEXT NOT NULL,
	date_of_birth DATETIME NOT NULL,
	policy_effective_date DATETIME NOT NULL,
	valid_until DATETIME NOT NULL,
	has_dependents BOOLEAN NOT NULL DEFAULT 0,
	dependent_count INTEGER NOT NULL DEFAULT 0,
	payload_hash TEXT NOT NULL,
	state TEXT NOT NULL,
	ledger_tx_ref TEXT,
	failure_reason TEXT,
	submit_attempted_at DATETIME,
	claimed_by TEXT,
	claimed_until DATETIME,
	sweep_attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	last_error_at DATETIME,
	confirmed_at DATETIME,
	persisted_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX ux_issuance_requests_request_id ON issuance_requests (request_id);
CREATE TABLE card_records (
	id INTEGER PRIMARY KEY,
	request_id TEXT NOT NULL,
	insured_person_id TEXT NOT NULL,
	card_number TEXT NOT NULL,
	policy_number TEXT NOT NULL,
	date_of_birth DATETIME NOT NULL,
	policy_effective_date DATETIME NOT NULL,
	valid_until DATETIME NOT NULL,
	has_dependents BOOLEAN NOT NULL DEFAULT 0,
	dependent_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'ACTIVE',
	ledger_tx_ref TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX ux_card_records_card_tx ON card_records (card_number, ledger_tx_ref);
CREATE TABLE issuance_alerts (
	id INTEGER PRIMARY KEY,
	request_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	state TEXT NOT NULL,
	sweep_attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	status TEXT NOT NULL DEFAULT 'OPEN',
	raised_at DATETIME NOT NULL,
	acknowledged_at DATETIME,
	acknowledged_by TEXT
);
CREATE UNIQUE INDEX ux_issuance_alerts_request_kind ON issuance_alerts (request_id, kind);
CREATE TABLE audit_logs (
	id INTEGER PRIMARY KEY,
	actor_type TEXT NOT NULL,
	actor_id TEXT,
	action TEXT NOT NULL,
	target_type TEXT NOT NULL,
	target_id TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);
`

// NewDB opens a private in-memory database with the issuance schema. All
// access goes through one connection so concurrent drivers serialize like
// they would on row locks.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range strings.Split(Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

// TimeAccelerator rewrites timestamps so sweep thresholds and lease expiry
// can be exercised without sleeping.
type TimeAccelerator struct {
	db *gorm.DB
}

func NewTimeAccelerator(db *gorm.DB) *TimeAccelerator {
	return &TimeAccelerator{db: db}
}

// Backdate moves updated_at of requestID to at.
func (ta *TimeAccelerator) Backdate(ctx context.Context, requestID string, at time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE issuance_requests SET updated_at = ? WHERE request_id = ?`,
		at.UTC(),
		requestID,
	).Error
}

// ExpireLease sets claimed_until of requestID to at without clearing the owner,
// the way a crashed driver leaves it.
func (ta *TimeAccelerator) ExpireLease(ctx context.Context, requestID string, at time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE issuance_requests SET claimed_until = ? WHERE request_id = ?`,
		at.UTC(),
		requestID,
	).Error
}

// ForceState puts a request in state with the given tx ref and a held lease,
// simulating a driver that crashed mid-flight.
func (ta *TimeAccelerator) ForceState(ctx context.Context, requestID, state, txRef, owner string, claimedUntil time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE issuance_requests
		 SET state = ?, ledger_tx_ref = ?, claimed_by = ?, claimed_until = ?
		 WHERE request_id = ?`,
		state,
		txRef,
		owner,
		claimedUntil.UTC(),
		requestID,
	).Error
}

// StampSubmitAttempt marks requestID as having called the ledger at at,
// the way a driver that crashed mid-submit leaves it.
func (ta *TimeAccelerator) StampSubmitAttempt(ctx context.Context, requestID string, at time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE issuance_requests SET submit_attempted_at = ? WHERE request_id = ?`,
		at.UTC(),
		requestID,
	).Error
}
