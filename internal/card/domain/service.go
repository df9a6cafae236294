package domain

import (
	"context"
	"errors"
	"io"

	"github.com/smallbiznis/insurecard/pkg/db/pagination"
)

type ListCardsRequest struct {
	PageToken       string
	PageSize        int
	InsuredPersonID string
	Status          string
}

type ListCardFilter struct {
	InsuredPersonID string
	Status          Status
}

type ListCardsResponse struct {
	pagination.PageInfo
	Cards []Card `json:"cards"`
}

type UpdateCardStatusRequest struct {
	CardNumber string `json:"-"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
}

type RenderCardResponse struct {
	FileName string
	Content  io.Reader
}

type Service interface {
	GetCard(ctx context.Context, cardNumber string) (Card, error)
	ListCards(ctx context.Context, req ListCardsRequest) (ListCardsResponse, error)
	UpdateCardStatus(ctx context.Context, req UpdateCardStatusRequest) (Card, error)
	RenderCardPDF(ctx context.Context, cardNumber string) (RenderCardResponse, error)
}

var (
	ErrInvalidCardNumber = errors.New("invalid_card_number")
	ErrInvalidStatus     = errors.New("invalid_card_status")
	ErrInvalidTransition = errors.New("invalid_card_status_transition")
	ErrStatusConflict    = errors.New("card_status_conflict")
	ErrInvalidPageToken  = errors.New("invalid_page_token")
	ErrNotFound          = errors.New("card_not_found")
)
