package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/insurecard/internal/authorization"
	issuancedomain "github.com/smallbiznis/insurecard/internal/issuance/domain"
	ledgerdomain "github.com/smallbiznis/insurecard/internal/ledger/domain"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "forbidden",
			err:  authorization.ErrForbidden,
			want: SchedulerJobReasonForbidden,
		},
		{
			name: "ledger_unavailable",
			err:  fmt.Errorf("%w: eth_blockNumber: connection refused", ledgerdomain.ErrLedgerUnavailable),
			want: SchedulerJobReasonLedgerUnavailable,
		},
		{
			name: "lease_lost",
			err:  issuancedomain.ErrLeaseLost,
			want: SchedulerJobReasonLeaseLost,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsSchedulerErrorRetryable(t *testing.T) {
	if !IsSchedulerErrorRetryable(ledgerdomain.ErrLedgerUnavailable) {
		t.Fatalf("expected ledger outage to be retryable")
	}
	if IsSchedulerErrorRetryable(ledgerdomain.NewSubmissionError(ledgerdomain.RejectReasonMalformedPayload, nil)) {
		t.Fatalf("expected rejection to be final")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "insurecard",
		Environment: "test",
	})

	metrics.AddBatchProcessed("sweep_submitted", "issuance_requests", 3)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("sweep_submitted", "issuance_requests"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}
