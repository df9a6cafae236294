package issuance

import (
	"github.com/smallbiznis/insurecard/internal/issuance/liveevents"
	"github.com/smallbiznis/insurecard/internal/issuance/repository"
	"github.com/smallbiznis/insurecard/internal/issuance/service"
	"go.uber.org/fx"
)

var Module = fx.Module("issuance",
	fx.Provide(repository.Provide),
	fx.Provide(liveevents.NewHub),
	service.Module,
)
