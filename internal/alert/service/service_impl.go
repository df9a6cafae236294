package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/insurecard/internal/alert/domain"
	auditdomain "github.com/smallbiznis/insurecard/internal/audit/domain"
	"github.com/smallbiznis/insurecard/internal/clock"
	"github.com/smallbiznis/insurecard/internal/config"
	obsmetrics "github.com/smallbiznis/insurecard/internal/observability/metrics"
	"github.com/smallbiznis/insurecard/internal/providers/slack"
	"github.com/smallbiznis/insurecard/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     domain.Repository
	Cfg      config.Config
	Slack    slack.Provider              `optional:"true"`
	Clock    clock.Clock                 `optional:"true"`
	AuditSvc auditdomain.Service         `optional:"true"`
	Metrics  *obsmetrics.IssuanceMetrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	slack    slack.Provider
	channel  string
	clock    clock.Clock
	auditSvc auditdomain.Service
	metrics  *obsmetrics.IssuanceMetrics
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	notifier := p.Slack
	if notifier == nil {
		notifier = slack.NewLogProvider(p.Log)
	}
	m := p.Metrics
	if m == nil {
		m = obsmetrics.Issuance()
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("alert.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		slack:    notifier,
		channel:  p.Cfg.Slack.Channel,
		clock:    clk,
		auditSvc: p.AuditSvc,
		metrics:  m,
	}
}

func (s *Service) RaiseStuck(ctx context.Context, req domain.StuckRequest) (bool, error) {
	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		return false, fmt.Errorf("raise stuck alert: empty request id")
	}

	alert := &domain.Alert{
		ID:            s.genID.Generate(),
		RequestID:     requestID,
		Kind:          domain.KindStuck,
		State:         req.State,
		SweepAttempts: req.SweepAttempts,
		LastError:     req.LastError,
		Status:        domain.StatusOpen,
		RaisedAt:      s.clock.Now().UTC(),
	}
	raised, err := s.repo.InsertIfAbsent(ctx, s.db, alert)
	if err != nil {
		return false, err
	}
	if !raised {
		return false, nil
	}

	lastError := ""
	if req.LastError != nil {
		lastError = *req.LastError
	}
	s.log.Error("issuance request stuck",
		zap.String("issuance_request_id", requestID),
		zap.String("state", req.State),
		zap.Int("sweep_attempts", req.SweepAttempts),
		zap.String("last_error", lastError),
	)
	s.metrics.IncStuckAlert()

	if s.auditSvc != nil {
		target := requestID
		if err := s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeSweeper), nil, auditdomain.ActionIssuanceStuck, "issuance_request", &target, map[string]any{
			"alert_id":       alert.ID.String(),
			"state":          req.State,
			"sweep_attempts": req.SweepAttempts,
			"last_error":     lastError,
		}); err != nil {
			s.log.Warn("failed to audit stuck alert", zap.Error(err))
		}
	}

	message := fmt.Sprintf(":rotating_light: Card issuance %s is stuck in %s after %d sweep attempts (last error: %s)",
		requestID, req.State, req.SweepAttempts, orDash(lastError))
	if err := s.slack.PostMessage(ctx, s.channel, message); err != nil {
		// The alert row is the record of truth; delivery is best effort.
		s.log.Warn("failed to deliver stuck alert", zap.String("issuance_request_id", requestID), zap.Error(err))
	}
	return true, nil
}

func (s *Service) List(ctx context.Context, req domain.ListAlertsRequest) (domain.ListAlertsResponse, error) {
	filter := domain.ListFilter{Limit: req.Pagination.Limit()}
	if raw := strings.ToUpper(strings.TrimSpace(req.Status)); raw != "" {
		status := domain.Status(raw)
		if status != domain.StatusOpen && status != domain.StatusAcknowledged {
			return domain.ListAlertsResponse{}, domain.ErrInvalidStatus
		}
		filter.Status = status
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.ListAlertsResponse{}, domain.ErrInvalidPageToken
		}
		afterID, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil || afterID <= 0 {
			return domain.ListAlertsResponse{}, domain.ErrInvalidPageToken
		}
		filter.AfterID = afterID
	}

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return domain.ListAlertsResponse{}, err
	}
	items, pageInfo := pagination.BuildCursorPageInfo(items, filter.Limit, func(a *domain.Alert) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: a.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})

	alerts := make([]domain.Alert, 0, len(items))
	for _, item := range items {
		alerts = append(alerts, *item)
	}
	return domain.ListAlertsResponse{PageInfo: pageInfo, Alerts: alerts}, nil
}

func (s *Service) Acknowledge(ctx context.Context, id string, actorID string) (*domain.Alert, error) {
	alertID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || alertID == 0 {
		return nil, domain.ErrNotFound
	}
	alert, err := s.repo.FindByID(ctx, s.db, alertID.Int64())
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, domain.ErrNotFound
	}
	if alert.Status == domain.StatusAcknowledged {
		return alert, domain.ErrAlreadyAcknowledged
	}

	now := s.clock.Now().UTC()
	actor := strings.TrimSpace(actorID)
	alert.AcknowledgedAt = &now
	if actor != "" {
		alert.AcknowledgedBy = &actor
	}
	updated, err := s.repo.Acknowledge(ctx, s.db, alert)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domain.ErrAlreadyAcknowledged
	}
	alert.Status = domain.StatusAcknowledged

	if s.auditSvc != nil {
		target := alert.ID.String()
		var actorPtr *string
		if actor != "" {
			actorPtr = &actor
		}
		if err := s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeUser), actorPtr, auditdomain.ActionAlertAcknowledged, "issuance_alert", &target, map[string]any{
			"request_id": alert.RequestID,
		}); err != nil {
			s.log.Warn("failed to audit alert acknowledgement", zap.Error(err))
		}
	}
	return alert, nil
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
