package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	auditdomain "github.com/smallbiznis/insurecard/internal/audit/domain"
	"github.com/smallbiznis/insurecard/internal/issuance/domain"
	"github.com/smallbiznis/insurecard/internal/issuance/liveevents"
	ledgerdomain "github.com/smallbiznis/insurecard/internal/ledger/domain"
	obscontext "github.com/smallbiznis/insurecard/internal/observability/context"
	"github.com/smallbiznis/insurecard/internal/observability/logger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// stepResult says whether a step moved the request and the loop may continue.
type stepResult int

const (
	stepAdvanced stepResult = iota
	stepParked
)

type driveRun struct {
	owner  string
	driver domain.Driver
	log    *zap.Logger
}

// Drive claims the request lease and advances it until it is terminal or a
// step parks it. Transient ledger and store problems are recorded on the row
// and are not returned as errors; the request is left for a later pass.
func (s *Service) Drive(ctx context.Context, requestID string, driver domain.Driver) (*domain.IssuanceRequest, error) {
	ctx = obscontext.WithIssuanceRequestID(ctx, requestID)
	run := &driveRun{
		owner:  fmt.Sprintf("%s:%s", driver, ulid.Make().String()),
		driver: driver,
		log:    logger.WithIssuance(logger.WithContext(ctx, s.log), requestID).With(zap.String("driver", string(driver))),
	}

	now := s.clock.Now().UTC()
	claimed, err := s.repo.ClaimLease(ctx, s.db, requestID, run.owner, now, now.Add(s.leaseDuration))
	if err != nil {
		return nil, err
	}
	if !claimed {
		req, err := s.repo.FindByRequestID(ctx, s.db, requestID)
		if err != nil {
			return nil, err
		}
		if req == nil {
			return nil, domain.ErrNotFound
		}
		if req.State.Terminal() {
			return req, nil
		}
		return req, domain.ErrLeaseHeld
	}
	defer s.release(ctx, requestID, run)

	var req *domain.IssuanceRequest
	for {
		req, err = s.repo.FindByRequestID(context.WithoutCancel(ctx), s.db, requestID)
		if err != nil {
			return nil, err
		}
		if req == nil {
			return nil, domain.ErrNotFound
		}
		if req.State.Terminal() || ctx.Err() != nil {
			break
		}

		var result stepResult
		switch req.State {
		case domain.StateCreated:
			result, err = s.stepCreated(ctx, req, run)
		case domain.StateSubmitted:
			result, err = s.stepSubmitted(ctx, req, run)
		case domain.StateConfirmed:
			result, err = s.stepConfirmed(ctx, req, run)
		default:
			return req, domain.ErrInvalidState
		}
		if err != nil {
			s.metrics.IncDriveOutcome(string(driver), "error")
			return req, err
		}
		if result == stepParked {
			if reloaded, err := s.repo.FindByRequestID(context.WithoutCancel(ctx), s.db, requestID); err == nil && reloaded != nil {
				req = reloaded
			}
			break
		}
	}

	s.metrics.IncDriveOutcome(string(driver), string(req.State))
	run.log.Info("drive finished", zap.String("state", string(req.State)))
	return req, nil
}

func (s *Service) stepCreated(ctx context.Context, req *domain.IssuanceRequest, run *driveRun) (stepResult, error) {
	// Store writes and the ledger submission must not be cut short by the
	// caller; a half-sent transaction is worse than a slow one.
	detached := context.WithoutCancel(ctx)

	if req.SubmitAttemptedAt != nil {
		started := time.Now()
		ref, found, err := s.ledger.FindByRequestHash(detached, req.PayloadHash)
		s.observeLedger(ctx, "find_by_request_hash", started, err)
		if err != nil {
			s.recordError(detached, req, domain.ErrorCodeLedgerUnavailable, err, run)
			return stepParked, nil
		}
		if found {
			run.log.Info("adopting transaction from earlier submit attempt", zap.String("ledger_tx_ref", ref.String()))
			txRef := ref.String()
			return stepAdvanced, s.transition(detached, req, run, domain.StateSubmitted, &txRef, nil)
		}
		if s.clock.Now().Sub(*req.SubmitAttemptedAt) < s.resubmitGrace {
			s.recordError(detached, req, domain.ErrorCodeSubmissionUnknown, nil, run)
			return stepParked, nil
		}
		run.log.Warn("no transaction found for earlier submit attempt, resubmitting")
	}

	if err := s.renew(ctx, req, run, s.leaseDuration); err != nil {
		return stepParked, err
	}
	if err := s.repo.MarkSubmitAttempted(detached, s.db, req.RequestID, run.owner, s.clock.Now().UTC()); err != nil {
		return stepParked, err
	}

	started := time.Now()
	ref, err := s.ledger.Submit(detached, ledgerPayload(req))
	s.observeLedger(ctx, "submit", started, err)
	if err != nil {
		if ledgerdomain.IsSubmissionRejected(err) {
			run.log.Warn("ledger rejected submission", zap.Error(err))
			reason := domain.FailureSubmissionRejected
			return stepAdvanced, s.transition(detached, req, run, domain.StateFailed, nil, &reason)
		}
		s.recordError(detached, req, domain.ErrorCodeLedgerUnavailable, err, run)
		return stepParked, nil
	}

	txRef := ref.String()
	return stepAdvanced, s.transition(detached, req, run, domain.StateSubmitted, &txRef, nil)
}

func (s *Service) stepSubmitted(ctx context.Context, req *domain.IssuanceRequest, run *driveRun) (stepResult, error) {
	detached := context.WithoutCancel(ctx)
	timeout := s.confirmationWait(run.driver)

	// The lease must cover the whole wait.
	if err := s.renew(ctx, req, run, timeout+s.leaseDuration); err != nil {
		return stepParked, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ref := ledgerdomain.TxRef(req.TxRef())
	started := time.Now()
	status, err := s.ledger.AwaitConfirmation(waitCtx, ref)
	s.observeLedger(ctx, "await_confirmation", started, err)

	switch {
	case err == nil && status == ledgerdomain.ConfirmationConfirmed:
		return stepAdvanced, s.transition(detached, req, run, domain.StateConfirmed, nil, nil)
	case err == nil && status == ledgerdomain.ConfirmationReverted:
		reason := domain.FailureLedgerReverted
		return stepAdvanced, s.transition(detached, req, run, domain.StateFailed, nil, &reason)
	case err != nil:
		s.recordError(detached, req, domain.ErrorCodeLedgerUnavailable, err, run)
		return stepParked, nil
	}

	if ctx.Err() != nil {
		// Shutdown or drive deadline, not a ledger timeout.
		run.log.Info("confirmation wait interrupted", zap.String("ledger_tx_ref", ref.String()))
		return stepParked, nil
	}
	s.recordError(detached, req, domain.ErrorCodeConfirmationTimeout, nil, run)
	return stepParked, nil
}

// confirmationWait is the full timeout for the interactive driver. Sweep
// candidates have already outlived it, so the sweeper only re-queries the
// receipt and moves on to the next row.
func (s *Service) confirmationWait(driver domain.Driver) time.Duration {
	timeout := s.tuning.Get().ConfirmationTimeout
	if driver == domain.DriverSweeper && s.sweepWait < timeout {
		return s.sweepWait
	}
	return timeout
}

func (s *Service) stepConfirmed(ctx context.Context, req *domain.IssuanceRequest, run *driveRun) (stepResult, error) {
	detached := context.WithoutCancel(ctx)
	if err := s.renew(ctx, req, run, s.leaseDuration); err != nil {
		return stepParked, err
	}

	now := s.clock.Now().UTC()
	var created bool
	err := s.db.WithContext(detached).Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = s.repo.UpsertCardRecord(detached, tx, domain.NewCardRecord(s.genID.Generate(), req, now))
		if err != nil {
			return err
		}
		return s.repo.Transition(detached, tx, domain.Transition{
			RequestID: req.RequestID,
			Owner:     run.owner,
			From:      domain.StateConfirmed,
			To:        domain.StatePersisted,
			At:        now,
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			return stepParked, err
		}
		s.recordError(detached, req, domain.ErrorCodeStoreWriteFailed, err, run)
		return stepParked, nil
	}

	s.afterTransition(detached, req, run, domain.StatePersisted, nil, map[string]any{
		"card_created": created,
	})
	return stepAdvanced, nil
}

func (s *Service) transition(ctx context.Context, req *domain.IssuanceRequest, run *driveRun, to domain.State, txRef *string, reason *domain.FailureReason) error {
	err := s.repo.Transition(ctx, s.db, domain.Transition{
		RequestID:     req.RequestID,
		Owner:         run.owner,
		From:          req.State,
		To:            to,
		LedgerTxRef:   txRef,
		FailureReason: reason,
		At:            s.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	var extra map[string]any
	if txRef != nil {
		extra = map[string]any{"ledger_tx_ref": *txRef}
	}
	s.afterTransition(ctx, req, run, to, reason, extra)
	return nil
}

func (s *Service) afterTransition(ctx context.Context, req *domain.IssuanceRequest, run *driveRun, to domain.State, reason *domain.FailureReason, extra map[string]any) {
	from := req.State
	s.metrics.IncTransition(string(from), string(to))
	if reason != nil {
		s.metrics.IncFailure(string(*reason))
	}

	metadata := map[string]any{
		"from":   string(from),
		"to":     string(to),
		"driver": string(run.driver),
	}
	if ref := req.TxRef(); ref != "" {
		metadata["ledger_tx_ref"] = ref
	}
	if reason != nil {
		metadata["failure_reason"] = string(*reason)
	}
	for k, v := range extra {
		metadata[k] = v
	}

	actorType := string(auditdomain.ActorTypeSystem)
	if run.driver == domain.DriverSweeper {
		actorType = string(auditdomain.ActorTypeSweeper)
	}
	if s.auditSvc != nil {
		target := req.RequestID
		if err := s.auditSvc.AuditLog(ctx, actorType, nil, auditdomain.ActionIssuanceTransition, "issuance_request", &target, metadata); err != nil {
			run.log.Warn("failed to audit transition", zap.Error(err))
		}
	}

	event := liveevents.TransitionEvent{
		RequestID: req.RequestID,
		From:      string(from),
		To:        string(to),
		Driver:    string(run.driver),
		At:        s.clock.Now().UTC(),
	}
	if reason != nil {
		event.FailureReason = string(*reason)
	}
	s.events.Publish(event)

	fields := []zap.Field{zap.String("from", string(from)), zap.String("to", string(to))}
	if reason != nil {
		fields = append(fields, zap.String("failure_reason", string(*reason)))
		run.log.Warn("issuance transition", fields...)
		return
	}
	run.log.Info("issuance transition", fields...)
}

func (s *Service) recordError(ctx context.Context, req *domain.IssuanceRequest, code string, cause error, run *driveRun) {
	s.metrics.IncTransientError(code)
	fields := []zap.Field{zap.String("code", code), zap.String("state", string(req.State))}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	run.log.Warn("issuance step deferred", fields...)

	if err := s.repo.RecordError(ctx, s.db, req.RequestID, code, s.clock.Now().UTC()); err != nil {
		run.log.Error("failed to record issuance error", zap.String("code", code), zap.Error(err))
	}
}

func (s *Service) renew(ctx context.Context, req *domain.IssuanceRequest, run *driveRun, d time.Duration) error {
	ok, err := s.repo.RenewLease(context.WithoutCancel(ctx), s.db, req.RequestID, run.owner, s.clock.Now().UTC().Add(d))
	if err != nil {
		return err
	}
	if !ok {
		run.log.Warn("lease lost")
		return domain.ErrLeaseLost
	}
	return nil
}

func (s *Service) release(ctx context.Context, requestID string, run *driveRun) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.repo.ReleaseLease(releaseCtx, s.db, requestID, run.owner); err != nil {
		run.log.Warn("failed to release lease", zap.Error(err))
	}
}

func (s *Service) observeLedger(ctx context.Context, operation string, started time.Time, err error) {
	s.metrics.ObserveLedgerCall(operation, time.Since(started))
	outcome := "ok"
	switch {
	case err == nil:
	case ledgerdomain.IsSubmissionRejected(err):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	s.obsMetrics.RecordLedgerCall(ctx, operation, outcome)
}

func ledgerPayload(req *domain.IssuanceRequest) ledgerdomain.Payload {
	return ledgerdomain.Payload{
		RequestID:           req.RequestID,
		RequestHash:         req.PayloadHash,
		InsuredPersonID:     req.InsuredPersonID,
		CardNumber:          req.CardNumber,
		PolicyNumber:        req.PolicyNumber,
		DateOfBirth:         req.DateOfBirth,
		PolicyEffectiveDate: req.PolicyEffectiveDate,
		ValidUntil:          req.ValidUntil,
		HasDependents:       req.HasDependents,
		DependentCount:      req.DependentCount,
	}
}
