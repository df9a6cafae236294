package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/code"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

var ErrMissingLedgerAnchor = errors.New("card_missing_ledger_anchor")

// CardData is a card record formatted for print. Dates are preformatted.
type CardData struct {
	CardNumber          string
	PolicyNumber        string
	InsuredPersonID     string
	DateOfBirth         string
	PolicyEffectiveDate string
	ValidUntil          string
	HasDependents       bool
	DependentCount      int
	Status              string
	LedgerTxRef         string
	IssuedAt            string
}

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

func (p *PDFProvider) GenerateCard(ctx context.Context, card CardData) (io.Reader, error) {
	if card.LedgerTxRef == "" {
		return nil, ErrMissingLedgerAnchor
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(8, "Insurance Card", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, card.Status, props.Text{
			Size:  12,
			Style: fontstyle.Bold,
			Align: align.Right,
			Top:   3,
		}),
	)

	m.AddRow(30,
		col.New(6).Add(
			text.New("Card number: "+card.CardNumber, props.Text{Top: 0, Style: fontstyle.Bold}),
			text.New("Policy number: "+card.PolicyNumber, props.Text{Top: 6}),
			text.New("Insured person: "+card.InsuredPersonID, props.Text{Top: 12}),
			text.New("Date of birth: "+card.DateOfBirth, props.Text{Top: 18}),
		),
		col.New(6).Add(
			text.New("Effective: "+card.PolicyEffectiveDate, props.Text{Top: 0}),
			text.New("Valid until: "+card.ValidUntil, props.Text{Top: 6}),
			text.New("Dependents: "+dependents(card), props.Text{Top: 12}),
			text.New("Issued: "+card.IssuedAt, props.Text{Top: 18}),
		),
	)

	m.AddRow(10,
		text.NewCol(12, "Ledger anchor", props.Text{
			Size:  11,
			Style: fontstyle.Bold,
			Top:   4,
		}),
	)
	m.AddRow(40,
		code.NewQrCol(4, card.LedgerTxRef, props.Rect{
			Center:  true,
			Percent: 90,
		}),
		text.NewCol(8, card.LedgerTxRef, props.Text{
			Size: 8,
			Top:  16,
		}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate card pdf: %w", err)
	}

	return bytes.NewReader(doc.GetBytes()), nil
}

func dependents(card CardData) string {
	if !card.HasDependents {
		return "none"
	}
	return fmt.Sprintf("%d", card.DependentCount)
}
