package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	auditdomain "github.com/smallbiznis/insurecard/internal/audit/domain"
	"github.com/smallbiznis/insurecard/internal/card/domain"
	"github.com/smallbiznis/insurecard/internal/clock"
	obsmetrics "github.com/smallbiznis/insurecard/internal/observability/metrics"
	"github.com/smallbiznis/insurecard/internal/providers/pdf"
	"github.com/smallbiznis/insurecard/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dateLayout = "2006-01-02"

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Repo     domain.Repository
	PDF      pdf.Provider        `optional:"true"`
	Clock    clock.Clock         `optional:"true"`
	AuditSvc auditdomain.Service `optional:"true"`
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     domain.Repository
	pdf      pdf.Provider
	clock    clock.Clock
	auditSvc auditdomain.Service
	metrics  *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	renderer := p.PDF
	if renderer == nil {
		renderer = pdf.New()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("card.service"),
		repo:     p.Repo,
		pdf:      renderer,
		clock:    clk,
		auditSvc: p.AuditSvc,
		metrics:  p.Metrics,
	}
}

func (s *Service) GetCard(ctx context.Context, cardNumber string) (domain.Card, error) {
	card, err := s.find(ctx, cardNumber)
	if err != nil {
		return domain.Card{}, err
	}
	return *card, nil
}

func (s *Service) ListCards(ctx context.Context, req domain.ListCardsRequest) (domain.ListCardsResponse, error) {
	filter := domain.ListCardFilter{
		InsuredPersonID: strings.TrimSpace(req.InsuredPersonID),
	}
	if raw := strings.ToUpper(strings.TrimSpace(req.Status)); raw != "" {
		status := domain.Status(raw)
		if !status.Valid() {
			return domain.ListCardsResponse{}, domain.ErrInvalidStatus
		}
		filter.Status = status
	}

	page := pagination.Pagination{PageToken: strings.TrimSpace(req.PageToken), PageSize: req.PageSize}
	if page.PageToken != "" && !validPageToken(page.PageToken) {
		return domain.ListCardsResponse{}, domain.ErrInvalidPageToken
	}

	items, err := s.repo.List(ctx, s.db, filter, page)
	if err != nil {
		return domain.ListCardsResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, page.Limit(), func(card *domain.Card) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        card.ID.String(),
			CreatedAt: card.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	cards := make([]domain.Card, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		cards = append(cards, *item)
	}
	return domain.ListCardsResponse{PageInfo: pageInfo, Cards: cards}, nil
}

// UpdateCardStatus applies an operator status change. Setting the current
// status again is a no-op.
func (s *Service) UpdateCardStatus(ctx context.Context, req domain.UpdateCardStatusRequest) (domain.Card, error) {
	to := domain.Status(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !to.Valid() {
		return domain.Card{}, domain.ErrInvalidStatus
	}

	card, err := s.find(ctx, req.CardNumber)
	if err != nil {
		return domain.Card{}, err
	}
	if card.Status == to {
		return *card, nil
	}
	if !domain.CanTransition(card.Status, to) {
		return domain.Card{}, domain.ErrInvalidTransition
	}

	from := card.Status
	now := s.clock.Now().UTC()
	updated, err := s.repo.UpdateStatus(ctx, s.db, card.ID, from, to, now)
	if err != nil {
		return domain.Card{}, err
	}
	if !updated {
		return domain.Card{}, domain.ErrStatusConflict
	}
	card.Status = to
	card.UpdatedAt = now

	s.metrics.RecordCardStatusChange(ctx, string(to))
	s.log.Info("card status updated",
		zap.String("card_number", card.CardNumber),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if s.auditSvc != nil {
		target := card.CardNumber
		metadata := map[string]any{
			"from":          string(from),
			"to":            string(to),
			"ledger_tx_ref": card.LedgerTxRef,
		}
		if reason := strings.TrimSpace(req.Reason); reason != "" {
			metadata["reason"] = reason
		}
		if err := s.auditSvc.AuditLog(ctx, "", nil, auditdomain.ActionCardStatusUpdated, "card", &target, metadata); err != nil {
			s.log.Warn("audit card status failed", zap.Error(err))
		}
	}
	return *card, nil
}

func (s *Service) RenderCardPDF(ctx context.Context, cardNumber string) (domain.RenderCardResponse, error) {
	card, err := s.find(ctx, cardNumber)
	if err != nil {
		return domain.RenderCardResponse{}, err
	}

	content, err := s.pdf.GenerateCard(ctx, pdf.CardData{
		CardNumber:          card.CardNumber,
		PolicyNumber:        card.PolicyNumber,
		InsuredPersonID:     card.InsuredPersonID,
		DateOfBirth:         card.DateOfBirth.UTC().Format(dateLayout),
		PolicyEffectiveDate: card.PolicyEffectiveDate.UTC().Format(dateLayout),
		ValidUntil:          card.ValidUntil.UTC().Format(dateLayout),
		HasDependents:       card.HasDependents,
		DependentCount:      card.DependentCount,
		Status:              string(card.Status),
		LedgerTxRef:         card.LedgerTxRef,
		IssuedAt:            card.CreatedAt.UTC().Format(dateLayout),
	})
	if err != nil {
		return domain.RenderCardResponse{}, err
	}
	return domain.RenderCardResponse{
		FileName: "card-" + card.CardNumber + ".pdf",
		Content:  content,
	}, nil
}

func (s *Service) find(ctx context.Context, cardNumber string) (*domain.Card, error) {
	cardNumber = strings.TrimSpace(cardNumber)
	if cardNumber == "" {
		return nil, domain.ErrInvalidCardNumber
	}
	card, err := s.repo.FindLatest(ctx, s.db, cardNumber)
	if err != nil {
		return nil, err
	}
	if card == nil {
		return nil, domain.ErrNotFound
	}
	return card, nil
}

func validPageToken(token string) bool {
	cursor, err := pagination.DecodeCursor(token)
	if err != nil {
		return false
	}
	if _, err := cursor.CreatedAtTime(); err != nil {
		return false
	}
	_, err = strconv.ParseInt(cursor.ID, 10, 64)
	return err == nil
}
