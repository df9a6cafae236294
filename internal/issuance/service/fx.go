package service

import "go.uber.org/fx"

var Module = fx.Module("issuance.service",
	fx.Provide(New),
	fx.Provide(NewService),
)
