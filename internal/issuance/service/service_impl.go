package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/insurecard/internal/audit/domain"
	"github.com/smallbiznis/insurecard/internal/clock"
	"github.com/smallbiznis/insurecard/internal/config"
	"github.com/smallbiznis/insurecard/internal/issuance/domain"
	"github.com/smallbiznis/insurecard/internal/issuance/liveevents"
	ledgerdomain "github.com/smallbiznis/insurecard/internal/ledger/domain"
	obscontext "github.com/smallbiznis/insurecard/internal/observability/context"
	"github.com/smallbiznis/insurecard/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/insurecard/internal/observability/metrics"
	"github.com/smallbiznis/insurecard/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultLeaseDuration = 5 * time.Minute
	defaultResubmitGrace = 10 * time.Minute
	defaultDriveTimeout  = 10 * time.Minute
	defaultSweepWait     = 5 * time.Second
	releaseTimeout       = 5 * time.Second
	maxRequestIDLength   = 128
)

type Params struct {
	fx.In

	Lifecycle  fx.Lifecycle `optional:"true"`
	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Ledger     ledgerdomain.Client
	Cfg        config.Config
	Tuning     *config.IssuanceTuningHolder `optional:"true"`
	Clock      clock.Clock                  `optional:"true"`
	AuditSvc   auditdomain.Service          `optional:"true"`
	Metrics    *obsmetrics.IssuanceMetrics  `optional:"true"`
	ObsMetrics *obsmetrics.Metrics          `optional:"true"`
	Events     *liveevents.Hub              `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	ledger     ledgerdomain.Client
	tuning     *config.IssuanceTuningHolder
	clock      clock.Clock
	auditSvc   auditdomain.Service
	metrics    *obsmetrics.IssuanceMetrics
	obsMetrics *obsmetrics.Metrics
	events     *liveevents.Hub

	leaseDuration time.Duration
	resubmitGrace time.Duration
	driveTimeout  time.Duration
	sweepWait     time.Duration

	// background drivers
	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
}

func New(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	tuning := p.Tuning
	if tuning == nil {
		tuning = config.NewStaticIssuanceTuningHolder(config.DefaultIssuanceTuning(p.Cfg))
	}
	im := p.Metrics
	if im == nil {
		im = obsmetrics.Issuance()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Service{
		db:            p.DB,
		log:           p.Log.Named("issuance.service"),
		genID:         p.GenID,
		repo:          p.Repo,
		ledger:        p.Ledger,
		tuning:        tuning,
		clock:         clk,
		auditSvc:      p.AuditSvc,
		metrics:       im,
		obsMetrics:    p.ObsMetrics,
		events:        p.Events,
		leaseDuration: positiveOr(p.Cfg.Issuance.LeaseDuration, defaultLeaseDuration),
		resubmitGrace: positiveOr(p.Cfg.Issuance.ResubmitGrace, defaultResubmitGrace),
		driveTimeout:  positiveOr(p.Cfg.Issuance.DriveTimeout, defaultDriveTimeout),
		sweepWait:     positiveOr(p.Cfg.Issuance.SweepConfirmationWait, defaultSweepWait),
		baseCtx:       baseCtx,
		cancel:        cancel,
	}

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStop: s.Stop,
		})
	}
	return s
}

// NewService exposes the coordinator through the domain interface.
func NewService(s *Service) domain.Service {
	return s
}

func (s *Service) SubmitIssuance(ctx context.Context, req domain.SubmitIssuanceRequest) (string, error) {
	now := s.clock.Now().UTC()
	row, err := s.buildRequest(req, now)
	if err != nil {
		return "", err
	}
	ctx = obscontext.WithIssuanceRequestID(ctx, row.RequestID)
	log := logger.WithIssuance(logger.WithContext(ctx, s.log), row.RequestID)

	inserted, err := s.repo.Insert(ctx, s.db, row)
	if err != nil {
		return "", err
	}

	if !inserted {
		existing, err := s.repo.FindByRequestID(ctx, s.db, row.RequestID)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return "", domain.ErrNotFound
		}
		if existing.PayloadHash != row.PayloadHash {
			s.obsMetrics.RecordIssuanceSubmitted(ctx, "conflict")
			return "", domain.ErrIdempotencyConflict
		}
		s.obsMetrics.RecordIssuanceSubmitted(ctx, "duplicate")
		if !existing.State.Terminal() && leaseFree(existing, now) {
			log.Info("duplicate submission re-dispatched", zap.String("state", string(existing.State)))
			s.dispatch(existing.RequestID)
		}
		return existing.RequestID, nil
	}

	s.obsMetrics.RecordIssuanceSubmitted(ctx, "created")
	s.audit(ctx, row.RequestID, auditdomain.ActionIssuanceCreated, map[string]any{
		"card_number":       row.CardNumber,
		"policy_number":     row.PolicyNumber,
		"insured_person_id": row.InsuredPersonID,
		"payload_hash":      row.PayloadHash,
	})
	log.Info("issuance request created", zap.String("card_number", row.CardNumber))

	s.dispatch(row.RequestID)
	return row.RequestID, nil
}

func (s *Service) GetIssuanceStatus(ctx context.Context, requestID string) (domain.IssuanceStatus, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.IssuanceStatus{}, domain.ErrInvalidRequestID
	}
	req, err := s.repo.FindByRequestID(ctx, s.db, requestID)
	if err != nil {
		return domain.IssuanceStatus{}, err
	}
	if req == nil {
		return domain.IssuanceStatus{}, domain.ErrNotFound
	}
	return domain.StatusOf(req), nil
}

func (s *Service) ListIssuanceRequests(ctx context.Context, req domain.ListIssuanceRequest) (domain.ListIssuanceResponse, error) {
	filter := domain.ListIssuanceFilter{
		InsuredPersonID: strings.TrimSpace(req.InsuredPersonID),
		CardNumber:      strings.TrimSpace(req.CardNumber),
	}
	if raw := strings.ToUpper(strings.TrimSpace(req.State)); raw != "" {
		state := domain.State(raw)
		if !state.Valid() {
			return domain.ListIssuanceResponse{}, domain.ErrInvalidState
		}
		filter.State = state
	}

	page := pagination.Pagination{PageToken: strings.TrimSpace(req.PageToken), PageSize: req.PageSize}
	if page.PageToken != "" && !validPageToken(page.PageToken) {
		return domain.ListIssuanceResponse{}, domain.ErrInvalidPageToken
	}
	items, err := s.repo.List(ctx, s.db, filter, page)
	if err != nil {
		return domain.ListIssuanceResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, page.Limit(), func(item *domain.IssuanceRequest) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	statuses := make([]domain.IssuanceStatus, 0, len(items))
	for _, item := range items {
		statuses = append(statuses, domain.StatusOf(item))
	}
	return domain.ListIssuanceResponse{PageInfo: pageInfo, Requests: statuses}, nil
}

// dispatch drives requestID on a goroutine that outlives the caller's request.
// After Stop the row stays CREATED for the sweeper.
func (s *Service) dispatch(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.log.Info("coordinator stopped, leaving request for the sweeper", zap.String("issuance_request_id", requestID))
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(s.baseCtx, s.driveTimeout)
		defer cancel()
		if _, err := s.Drive(ctx, requestID, domain.DriverCoordinator); err != nil && !errors.Is(err, domain.ErrLeaseHeld) {
			s.log.Warn("background drive failed",
				zap.String("issuance_request_id", requestID),
				zap.Error(err),
			)
		}
	}()
}

// Stop refuses new background drives and waits for in-flight ones. If ctx
// ends first, pending confirmation waits are cancelled; their requests stay
// SUBMITTED for the sweeper.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return nil
	}
}

func (s *Service) buildRequest(req domain.SubmitIssuanceRequest, now time.Time) (*domain.IssuanceRequest, error) {
	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" || len(requestID) > maxRequestIDLength {
		return nil, domain.ErrInvalidRequestID
	}
	insured := strings.TrimSpace(req.InsuredPersonID)
	if insured == "" {
		return nil, domain.ErrInvalidInsuredPerson
	}
	cardNumber := strings.TrimSpace(req.CardNumber)
	if cardNumber == "" {
		return nil, domain.ErrInvalidCardNumber
	}
	policyNumber := strings.TrimSpace(req.PolicyNumber)
	if policyNumber == "" {
		return nil, domain.ErrInvalidPolicyNumber
	}
	dob, err := parseDate(req.DateOfBirth)
	if err != nil {
		return nil, err
	}
	effective, err := parseDate(req.PolicyEffectiveDate)
	if err != nil {
		return nil, err
	}
	validUntil, err := parseDate(req.ValidUntil)
	if err != nil {
		return nil, err
	}
	if req.DependentCount < 0 {
		return nil, domain.ErrInvalidDependentCount
	}

	row := &domain.IssuanceRequest{
		ID:                  s.genID.Generate(),
		RequestID:           requestID,
		InsuredPersonID:     insured,
		CardNumber:          cardNumber,
		PolicyNumber:        policyNumber,
		DateOfBirth:         dob,
		PolicyEffectiveDate: effective,
		ValidUntil:          validUntil,
		HasDependents:       req.HasDependents,
		DependentCount:      req.DependentCount,
		State:               domain.StateCreated,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	row.PayloadHash = domain.PayloadHash(row)
	return row, nil
}

func parseDate(raw string) (time.Time, error) {
	parsed, err := time.Parse("2006-01-02", strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, domain.ErrInvalidDate
	}
	return parsed.UTC(), nil
}

func validPageToken(token string) bool {
	cursor, err := pagination.DecodeCursor(token)
	if err != nil {
		return false
	}
	if _, err := cursor.CreatedAtTime(); err != nil {
		return false
	}
	id, err := snowflake.ParseString(cursor.ID)
	return err == nil && id != 0
}

func leaseFree(req *domain.IssuanceRequest, now time.Time) bool {
	return req.ClaimedUntil == nil || !req.ClaimedUntil.After(now)
}

func positiveOr(value, def time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return def
}

func (s *Service) audit(ctx context.Context, requestID, action string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	target := requestID
	if err := s.auditSvc.AuditLog(ctx, "", nil, action, "issuance_request", &target, metadata); err != nil {
		s.log.Warn("failed to audit issuance event",
			zap.String("action", action),
			zap.String("issuance_request_id", requestID),
			zap.Error(err),
		)
	}
}
