package providers

import (
	"github.com/smallbiznis/insurecard/internal/providers/pdf"
	"github.com/smallbiznis/insurecard/internal/providers/slack"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	pdf.Module,
	slack.Module,
)
