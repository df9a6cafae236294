package card

import (
	"github.com/smallbiznis/insurecard/internal/card/repository"
	"github.com/smallbiznis/insurecard/internal/card/service"
	"go.uber.org/fx"
)

var Module = fx.Module("card.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
