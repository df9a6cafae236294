package pdf

import (
	"context"
	"io"
)

// Provider renders a printable insurance card for a persisted card record.
type Provider interface {
	GenerateCard(ctx context.Context, data CardData) (io.Reader, error)
}
