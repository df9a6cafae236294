package issuancetest

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/insurecard/internal/issuance/domain"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NewRequest builds a CREATED request with a valid single-holder payload.
func NewRequest(id snowflake.ID, requestID, cardNumber string, now time.Time) *domain.IssuanceRequest {
	req := &domain.IssuanceRequest{
		ID:                  id,
		RequestID:           requestID,
		InsuredPersonID:     "INS-" + cardNumber,
		CardNumber:          cardNumber,
		PolicyNumber:        "POL-2026-0001",
		DateOfBirth:         date(1988, time.March, 14),
		PolicyEffectiveDate: date(2026, time.January, 1),
		ValidUntil:          date(2027, time.January, 1),
		State:               domain.StateCreated,
		CreatedAt:           now.UTC(),
		UpdatedAt:           now.UTC(),
	}
	req.PayloadHash = domain.PayloadHash(req)
	return req
}

// SubmitPayload is the API form of NewRequest's payload.
func SubmitPayload(requestID, cardNumber string) domain.SubmitIssuanceRequest {
	return domain.SubmitIssuanceRequest{
		RequestID:           requestID,
		InsuredPersonID:     "INS-" + cardNumber,
		CardNumber:          cardNumber,
		PolicyNumber:        "POL-2026-0001",
		DateOfBirth:         "1988-03-14",
		PolicyEffectiveDate: "2026-01-01",
		ValidUntil:          "2027-01-01",
	}
}
